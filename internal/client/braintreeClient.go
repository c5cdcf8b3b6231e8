package client

import (
	"context"
	"errors"
	"fmt"

	"digital-fulfillment/internal/config"

	"github.com/braintree-go/braintree-go"
	"github.com/shopspring/decimal"
)

// ErrDeclined is returned when the processor or gateway refuses a sale.
var ErrDeclined = errors.New("payment declined")

type BraintreeClient interface {
	// ChargeOneTime submits a sale for a client nonce, tagged with the order reference
	ChargeOneTime(ctx context.Context, nonce, orderRef string, amount decimal.Decimal) (*BraintreeSale, error)

	// ParseWebhook checks the bt_signature against the payload and decodes it
	ParseWebhook(signature, payload string) (*BraintreeNotification, error)
}

type BraintreeSale struct {
	TransactionID string
	Status        string
}

type BraintreeNotification struct {
	Kind          string
	TransactionID string
	OrderRef      string
	Status        string
	Amount        *decimal.Decimal
	Currency      string
}

type braintreeClientImpl struct {
	gateway *braintree.Braintree
}

// NewBraintreeClient initializes the Braintree SDK gateway
func NewBraintreeClient(cfg *config.Braintree) BraintreeClient {
	env := braintree.Sandbox
	if cfg.Environment == "production" {
		env = braintree.Production
	}

	gateway := braintree.New(
		env,
		cfg.MerchantID,
		cfg.PublicKey,
		cfg.PrivateKey,
	)

	return &braintreeClientImpl{
		gateway: gateway,
	}
}

func (c *braintreeClientImpl) ChargeOneTime(ctx context.Context, nonce, orderRef string, amount decimal.Decimal) (*BraintreeSale, error) {
	req := &braintree.TransactionRequest{
		Type:               "sale",
		Amount:             toBraintreeAmount(amount),
		PaymentMethodNonce: nonce,
		OrderId:            orderRef,
		Options: &braintree.TransactionOptions{
			SubmitForSettlement: true,
		},
	}

	tx, err := c.gateway.Transaction().Create(ctx, req)
	if err != nil {
		var btErr *braintree.BraintreeError
		if errors.As(err, &btErr) {
			return nil, fmt.Errorf("%w: %s", ErrDeclined, btErr.Error())
		}
		return nil, fmt.Errorf("%w: transaction create: %v", ErrUnavailable, err)
	}

	switch tx.Status {
	case braintree.TransactionStatusProcessorDeclined, braintree.TransactionStatusGatewayRejected:
		return nil, fmt.Errorf("%w: %s", ErrDeclined, tx.ProcessorResponseText)
	}

	return &BraintreeSale{
		TransactionID: tx.Id,
		Status:        string(tx.Status),
	}, nil
}

func (c *braintreeClientImpl) ParseWebhook(signature, payload string) (*BraintreeNotification, error) {
	notification, err := c.gateway.WebhookNotification().Parse(signature, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &BraintreeNotification{Kind: notification.Kind}
	if notification.Subject == nil || notification.Subject.Transaction == nil {
		return out, nil
	}

	tx := notification.Subject.Transaction
	out.TransactionID = tx.Id
	out.OrderRef = tx.OrderId
	out.Status = string(tx.Status)
	out.Currency = tx.CurrencyISOCode
	if tx.Amount != nil {
		amount := fromBraintreeAmount(tx.Amount)
		out.Amount = &amount
	}

	return out, nil
}

// toBraintreeAmount rounds to cents: "50.00" -> NewDecimal(5000, 2).
func toBraintreeAmount(amount decimal.Decimal) *braintree.Decimal {
	cents := amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
	return braintree.NewDecimal(cents, 2)
}

func fromBraintreeAmount(d *braintree.Decimal) decimal.Decimal {
	return decimal.New(d.Unscaled, -int32(d.Scale))
}
