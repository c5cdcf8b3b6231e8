package service

import (
	"context"
	"fmt"
	"net/url"

	"digital-fulfillment/internal/client"
	"digital-fulfillment/internal/model"
)

const (
	braintreeTransactionSettled = "transaction_settled"
	braintreeSettlementDeclined = "transaction_settlement_declined"
)

// braintreeGateway is the webhook variant: the sale is submitted at initiate
// and only the settlement webhook moves the order.
type braintreeGateway struct {
	braintreeClient client.BraintreeClient
}

func NewBraintreeGateway(braintreeClient client.BraintreeClient) Gateway {
	return &braintreeGateway{braintreeClient: braintreeClient}
}

func (g *braintreeGateway) Method() model.PaymentMethod {
	return model.PaymentMethodBraintree
}

func (g *braintreeGateway) Initiate(ctx context.Context, order *model.Order, params InitiateParams) (*Initiation, error) {
	if params.Nonce == "" {
		return nil, fmt.Errorf("%w: payment nonce is required", ErrInvalidInput)
	}

	sale, err := g.braintreeClient.ChargeOneTime(ctx, params.Nonce, order.Code, order.Total)
	if err != nil {
		return nil, gatewayError(ctx, err)
	}

	return &Initiation{CorrelationID: sale.TransactionID}, nil
}

func (g *braintreeGateway) Peek(cb Callback) (string, error) {
	n, err := g.parse(cb)
	if err != nil {
		return "", err
	}
	return n.TransactionID, nil
}

func (g *braintreeGateway) Verify(ctx context.Context, cb Callback) (*Verification, error) {
	n, err := g.parse(cb)
	if err != nil {
		return nil, err
	}

	v := &Verification{
		CorrelationID: n.TransactionID,
		OrderRef:      n.OrderRef,
		Amount:        n.Amount,
		Currency:      n.Currency,
		EventType:     n.Kind,
	}
	switch n.Kind {
	case braintreeTransactionSettled:
		v.Status = model.TransactionVerified
	case braintreeSettlementDeclined:
		v.Status = model.TransactionFailed
		v.Reason = "settlement declined"
	}
	return v, nil
}

// parse checks the signature locally through the SDK; no network call.
func (g *braintreeGateway) parse(cb Callback) (*client.BraintreeNotification, error) {
	if cb.Kind != CallbackWebhook {
		return nil, fmt.Errorf("unsupported braintree callback %q", cb.Kind)
	}

	form, err := url.ParseQuery(string(cb.Body))
	if err != nil {
		return nil, fmt.Errorf("decode webhook form: %w", err)
	}
	signature, payload := form.Get("bt_signature"), form.Get("bt_payload")
	if signature == "" || payload == "" {
		return nil, fmt.Errorf("missing bt_signature or bt_payload")
	}

	n, err := g.braintreeClient.ParseWebhook(signature, payload)
	if err != nil {
		return nil, err
	}

	switch n.Kind {
	case braintreeTransactionSettled, braintreeSettlementDeclined:
	default:
		return nil, fmt.Errorf("%w: %s", ErrIgnoredEvent, n.Kind)
	}
	if n.TransactionID == "" {
		return nil, fmt.Errorf("braintree notification without transaction")
	}
	return n, nil
}
