package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"digital-fulfillment/internal/client"
	"digital-fulfillment/internal/model"

	"github.com/shopspring/decimal"
)

const (
	paypalCaptureCompleted = "PAYMENT.CAPTURE.COMPLETED"
	paypalCaptureDenied    = "PAYMENT.CAPTURE.DENIED"
)

// paypalGateway is the redirect variant: the buyer approves on PayPal, and
// either the return redirect or the capture webhook confirms.
type paypalGateway struct {
	paypalClient client.PaypalClient
}

func NewPaypalGateway(paypalClient client.PaypalClient) Gateway {
	return &paypalGateway{paypalClient: paypalClient}
}

func (g *paypalGateway) Method() model.PaymentMethod {
	return model.PaymentMethodPaypal
}

func (g *paypalGateway) Initiate(ctx context.Context, order *model.Order, params InitiateParams) (*Initiation, error) {
	resp, err := g.paypalClient.CreateOrder(ctx, client.CreateOrderRequest{
		ReferenceID: order.Code,
		Amount:      order.Total,
		Currency:    order.Currency,
		ReturnURL:   params.ReturnURL,
		CancelURL:   params.CancelURL,
	})
	if err != nil {
		return nil, gatewayError(ctx, err)
	}

	return &Initiation{
		CorrelationID: resp.OrderID,
		RedirectURL:   resp.ApproveURL,
	}, nil
}

func (g *paypalGateway) Peek(cb Callback) (string, error) {
	switch cb.Kind {
	case CallbackRedirect:
		token := cb.Query.Get("token")
		if token == "" {
			return "", errors.New("missing paypal token")
		}
		return token, nil
	case CallbackWebhook:
		event, err := decodePaypalEvent(cb.Body)
		if err != nil {
			return "", err
		}
		return event.Resource.SupplementaryData.RelatedIDs.OrderID, nil
	}
	return "", fmt.Errorf("unsupported paypal callback %q", cb.Kind)
}

func (g *paypalGateway) Verify(ctx context.Context, cb Callback) (*Verification, error) {
	switch cb.Kind {
	case CallbackRedirect:
		return g.verifyRedirect(ctx, cb)
	case CallbackWebhook:
		return g.verifyWebhook(ctx, cb)
	}
	return nil, fmt.Errorf("unsupported paypal callback %q", cb.Kind)
}

func (g *paypalGateway) verifyRedirect(ctx context.Context, cb Callback) (*Verification, error) {
	token := cb.Query.Get("token")
	if token == "" {
		return nil, errors.New("missing paypal token")
	}

	var (
		order *model.PaypalOrder
		err   error
	)
	if cb.Outcome == "success" {
		order, err = g.paypalClient.CaptureOrder(ctx, token)
	} else {
		// fail/cancel redirects are unauthenticated; ask PayPal what happened
		order, err = g.paypalClient.GetOrder(ctx, token)
	}
	if err != nil {
		if errors.Is(err, client.ErrDeclined) {
			// the order row is found through the transaction
			return &Verification{
				CorrelationID: token,
				EventType:     "redirect." + cb.Outcome,
				Status:        model.TransactionFailed,
				Reason:        "capture declined",
			}, nil
		}
		return nil, gatewayError(ctx, err)
	}

	v := &Verification{CorrelationID: order.ID, EventType: "redirect." + cb.Outcome}
	if order.ID == "" {
		v.CorrelationID = token
	}

	unit, capture := order.CompletedCapture()
	if capture == nil {
		if len(order.PurchaseUnits) > 0 {
			v.OrderRef = unitRef(&order.PurchaseUnits[0])
		}
		if failed := order.FailedCapture(); failed != nil {
			v.Status = model.TransactionFailed
			v.Reason = "paypal capture " + failed.Status
			return v, nil
		}
		if order.Status == "VOIDED" || order.Status == "CREATED" {
			v.Status = model.TransactionFailed
			v.Reason = "paypal order " + order.Status
			return v, nil
		}
		// approved, or captured but still pending: the capture webhook settles it
		return nil, fmt.Errorf("%w: paypal order %s", ErrIgnoredEvent, order.Status)
	}

	amount, err := decimal.NewFromString(capture.Amount.Value)
	if err != nil {
		return nil, fmt.Errorf("parse capture amount: %w", err)
	}
	v.OrderRef = unitRef(unit)
	if v.OrderRef == "" {
		v.OrderRef = capture.CustomID
	}
	v.Status = model.TransactionVerified
	v.Amount = &amount
	v.Currency = capture.Amount.Currency
	return v, nil
}

func (g *paypalGateway) verifyWebhook(ctx context.Context, cb Callback) (*Verification, error) {
	event, err := decodePaypalEvent(cb.Body)
	if err != nil {
		return nil, err
	}

	if err := g.paypalClient.VerifyWebhookSignature(ctx, cb.Headers, cb.Body); err != nil {
		return nil, gatewayError(ctx, err)
	}

	v := &Verification{
		CorrelationID: event.Resource.SupplementaryData.RelatedIDs.OrderID,
		OrderRef:      event.Resource.CustomID,
		Currency:      event.Resource.Amount.Currency,
		EventType:     event.EventType,
	}
	switch event.EventType {
	case paypalCaptureCompleted:
		amount, err := decimal.NewFromString(event.Resource.Amount.Value)
		if err != nil {
			return nil, fmt.Errorf("parse capture amount: %w", err)
		}
		v.Status = model.TransactionVerified
		v.Amount = &amount
	case paypalCaptureDenied:
		v.Status = model.TransactionFailed
		v.Reason = "capture denied"
	}

	return v, nil
}

func decodePaypalEvent(body []byte) (*model.PayPalWebhookEvent, error) {
	var event model.PayPalWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}

	switch event.EventType {
	case paypalCaptureCompleted, paypalCaptureDenied:
	default:
		return nil, fmt.Errorf("%w: %s", ErrIgnoredEvent, event.EventType)
	}

	if event.Resource.SupplementaryData.RelatedIDs.OrderID == "" {
		return nil, errors.New("could not find order_id in webhook payload")
	}
	return &event, nil
}

func unitRef(unit *model.PurchaseUnit) string {
	if unit.CustomID != "" {
		return unit.CustomID
	}
	return unit.ReferenceID
}

// gatewayError sorts client failures into retryable, declined and rejected.
func gatewayError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, client.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		ctx.Err() != nil:
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	case errors.Is(err, client.ErrDeclined):
		return fmt.Errorf("%w: %v", ErrPaymentDeclined, err)
	}
	return err
}
