package model

type PaymentMethod string

const (
	PaymentMethodPaypal    PaymentMethod = "paypal"
	PaymentMethodBraintree PaymentMethod = "braintree"
	PaymentMethodCOD       PaymentMethod = "cod"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodPaypal, PaymentMethodBraintree, PaymentMethodCOD:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentPaid       PaymentStatus = "paid"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:    {PaymentProcessing},
	PaymentProcessing: {PaymentPaid, PaymentFailed},
	PaymentPaid:       {PaymentRefunded},
	PaymentFailed:     {PaymentProcessing},
}

func (s PaymentStatus) Valid() bool {
	_, ok := paymentTransitions[s]
	return ok || s == PaymentRefunded
}

// CanTransitionTo reports whether to is an allowed next payment status.
func (s PaymentStatus) CanTransitionTo(to PaymentStatus) bool {
	for _, next := range paymentTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

type FulfillmentStatus string

const (
	FulfillmentPending    FulfillmentStatus = "pending"
	FulfillmentConfirmed  FulfillmentStatus = "confirmed"
	FulfillmentProcessing FulfillmentStatus = "processing"
	FulfillmentShipped    FulfillmentStatus = "shipped"
	FulfillmentDelivered  FulfillmentStatus = "delivered"
	FulfillmentCancelled  FulfillmentStatus = "cancelled"
)

var fulfillmentRank = map[FulfillmentStatus]int{
	FulfillmentPending:    0,
	FulfillmentConfirmed:  1,
	FulfillmentProcessing: 2,
	FulfillmentShipped:    3,
	FulfillmentDelivered:  4,
}

func (s FulfillmentStatus) Valid() bool {
	_, ok := fulfillmentRank[s]
	return ok || s == FulfillmentCancelled
}

func (s FulfillmentStatus) Terminal() bool {
	return s == FulfillmentDelivered || s == FulfillmentCancelled
}

// CanTransitionTo allows forward moves (jumps included) and cancellation of
// any non-terminal order.
func (s FulfillmentStatus) CanTransitionTo(to FulfillmentStatus) bool {
	if s.Terminal() || !to.Valid() {
		return false
	}
	if to == FulfillmentCancelled {
		return true
	}
	return fulfillmentRank[to] > fulfillmentRank[s]
}

type TransactionStatus string

const (
	TransactionInitiated TransactionStatus = "initiated"
	TransactionVerified  TransactionStatus = "verified"
	TransactionFailed    TransactionStatus = "failed"
)

func (s TransactionStatus) Terminal() bool {
	return s == TransactionVerified || s == TransactionFailed
}

type GrantState string

const (
	GrantUnbound GrantState = "unbound"
	GrantBound   GrantState = "bound"
	GrantRevoked GrantState = "revoked"
	GrantExpired GrantState = "expired"
)

type NotificationType string

const (
	NotificationPaymentConfirmed    NotificationType = "payment.confirmed"
	NotificationPaymentFailed       NotificationType = "payment.failed"
	NotificationEntitlementsIssued  NotificationType = "entitlements.issued"
	NotificationEntitlementsRevoked NotificationType = "entitlements.revoked"
)
