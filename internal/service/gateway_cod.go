package service

import (
	"context"
	"fmt"

	"digital-fulfillment/internal/model"
)

// codGateway is cash on delivery: no external party, confirmed at checkout
// and settled by an internal cash-collected confirmation.
type codGateway struct{}

func NewCODGateway() Gateway {
	return codGateway{}
}

func (codGateway) Method() model.PaymentMethod {
	return model.PaymentMethodCOD
}

func (codGateway) AutoInitiate() bool {
	return true
}

func (codGateway) Initiate(_ context.Context, order *model.Order, _ InitiateParams) (*Initiation, error) {
	return &Initiation{
		CorrelationID: codCorrelationID(order.Code),
		Immediate:     true,
	}, nil
}

func (codGateway) Peek(cb Callback) (string, error) {
	if cb.Kind != CallbackInternal || cb.OrderRef == "" {
		return "", fmt.Errorf("cash on delivery only accepts internal confirmations")
	}
	return codCorrelationID(cb.OrderRef), nil
}

func (g codGateway) Verify(_ context.Context, cb Callback) (*Verification, error) {
	correlationID, err := g.Peek(cb)
	if err != nil {
		return nil, err
	}

	v := &Verification{
		CorrelationID: correlationID,
		OrderRef:      cb.OrderRef,
		Status:        model.TransactionVerified,
		Amount:        cb.Amount,
		Currency:      cb.Currency,
		EventType:     "cash.collected",
	}
	return v, nil
}

func codCorrelationID(orderCode string) string {
	return "cod:" + orderCode
}
