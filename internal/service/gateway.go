package service

import (
	"context"
	"net/http"
	"net/url"

	"digital-fulfillment/internal/model"

	"github.com/shopspring/decimal"
)

type CallbackKind string

const (
	CallbackWebhook  CallbackKind = "webhook"
	CallbackRedirect CallbackKind = "redirect"
	// CallbackInternal is a confirmation raised by this service itself, e.g.
	// cash collected on delivery.
	CallbackInternal CallbackKind = "internal"
)

// Callback is the raw material a gateway verifies. Webhooks fill Headers and
// Body, redirects fill Outcome and Query, internal confirmations fill the
// order fields.
type Callback struct {
	Kind    CallbackKind
	Outcome string
	Headers http.Header
	Body    []byte
	Query   url.Values

	OrderRef string
	Amount   *decimal.Decimal
	Currency string
}

type InitiateParams struct {
	// Nonce is the client-side payment method nonce for card gateways.
	Nonce     string
	ReturnURL string
	CancelURL string
}

type Initiation struct {
	CorrelationID string
	RedirectURL   string
	// Immediate means the order moves to processing without waiting for the
	// gateway.
	Immediate bool
}

type Verification struct {
	CorrelationID string
	// OrderRef is the order code the gateway echoed back; empty when the
	// payload does not carry it.
	OrderRef  string
	Status    model.TransactionStatus
	Amount    *decimal.Decimal
	Currency  string
	Reason    string
	EventType string
}

type Gateway interface {
	Method() model.PaymentMethod
	Initiate(ctx context.Context, order *model.Order, params InitiateParams) (*Initiation, error)
	// Peek extracts the correlation id without side effects or network calls.
	Peek(cb Callback) (string, error)
	Verify(ctx context.Context, cb Callback) (*Verification, error)
}

// autoInitiator is implemented by gateways that confirm at checkout.
type autoInitiator interface {
	AutoInitiate() bool
}
