package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID            string          `gorm:"primaryKey;size:64;not null"` // product sku
	Title         string          `gorm:"size:255;not null"`
	Price         decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	Currency      string          `gorm:"size:8;not null"`
	IsDigital     bool            `gorm:"not null"`
	IsPurchasable bool            `gorm:"not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Order struct {
	ID                string            `gorm:"primaryKey;size:36;not null"`
	Code              string            `gorm:"size:16;uniqueIndex;not null"` // ORD-XXXXXX
	BuyerID           string            `gorm:"size:64;index;not null"`
	PaymentMethod     PaymentMethod     `gorm:"size:32;not null"`
	PaymentStatus     PaymentStatus     `gorm:"size:32;index;not null"`
	FulfillmentStatus FulfillmentStatus `gorm:"size:32;index;not null"`
	ShippingAddress   string            `gorm:"size:512"`
	Subtotal          decimal.Decimal   `gorm:"type:decimal(12,2);not null"`
	Discount          decimal.Decimal   `gorm:"type:decimal(12,2);not null"`
	Total             decimal.Decimal   `gorm:"type:decimal(12,2);not null"` // frozen at creation
	Currency          string            `gorm:"size:8;not null"`
	PaidAt            *time.Time
	Items             []OrderItem `gorm:"foreignKey:OrderID"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasPhysicalItems reports whether any line item needs a delivery address.
func (o *Order) HasPhysicalItems() bool {
	for _, item := range o.Items {
		if !item.IsDigital {
			return true
		}
	}
	return false
}

func (o *Order) DigitalItems() []OrderItem {
	var out []OrderItem
	for _, item := range o.Items {
		if item.IsDigital {
			out = append(out, item)
		}
	}
	return out
}

type OrderItem struct {
	ID uint `gorm:"primaryKey"`
	// FK → orders.id
	OrderID string `gorm:"size:36;index;not null"`
	// FK → products.id
	ProductID string          `gorm:"size:64;index;not null"`
	Title     string          `gorm:"size:255;not null"`
	Quantity  int32           `gorm:"not null"`
	UnitPrice decimal.Decimal `gorm:"type:decimal(12,2);not null"` // snapshot, never re-read from catalog
	IsDigital bool            `gorm:"not null"`

	CreatedAt time.Time
}

// LineTotal is unit price times quantity.
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt32(i.Quantity))
}

type PaymentTransaction struct {
	ID            uint              `gorm:"primaryKey"`
	Gateway       PaymentMethod     `gorm:"size:32;not null;uniqueIndex:ux_payment_tx_gateway_correlation,priority:1"`
	CorrelationID string            `gorm:"size:128;not null;uniqueIndex:ux_payment_tx_gateway_correlation,priority:2"`
	OrderID       string            `gorm:"size:36;index;not null"`
	Status        TransactionStatus `gorm:"size:32;index;not null"`
	Amount        decimal.Decimal   `gorm:"type:decimal(12,2);not null"`
	Currency      string            `gorm:"size:8"`
	FailureReason string            `gorm:"size:255"`
	VerifiedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// WebhookEvent is the raw delivery log for gateway webhooks. Duplicate deliveries
// of the same payload only bump Deliveries.
type WebhookEvent struct {
	ID              uint          `gorm:"primaryKey"`
	Provider        PaymentMethod `gorm:"size:32;not null;uniqueIndex:ux_webhook_events_provider_event,priority:1"`
	EventID         string        `gorm:"size:128;not null;uniqueIndex:ux_webhook_events_provider_event,priority:2"`
	EventType       string        `gorm:"size:64;index"`
	Payload         string        `gorm:"type:text;not null"`
	Deliveries      int           `gorm:"not null"`
	ProcessingError string        `gorm:"type:text"`
	ProcessedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type AccessGrant struct {
	ID        string `gorm:"primaryKey;size:36;not null"`
	Token     string `gorm:"size:64;uniqueIndex;not null"`
	AccountID string `gorm:"size:64;index;not null"`
	OrderID   string `gorm:"size:36;not null;uniqueIndex:ux_grants_order_product_generation,priority:1"`
	ProductID string `gorm:"size:64;not null;uniqueIndex:ux_grants_order_product_generation,priority:2"`
	// Generation is 0 for the grant minted on payment and increases on every reissue.
	Generation int `gorm:"not null;uniqueIndex:ux_grants_order_product_generation,priority:3"`

	Fingerprint *string `gorm:"size:64"`
	BoundOrigin *string `gorm:"size:64"`
	BoundAt     *time.Time

	IssuedAt  time.Time `gorm:"not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	Revoked   bool      `gorm:"not null"`
	RevokedAt *time.Time
	RevokedBy string `gorm:"size:64"`
	ExpiredAt *time.Time

	LastAccessAt *time.Time
	AccessCount  int64 `gorm:"not null"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (g *AccessGrant) IsBound() bool {
	return g.Fingerprint != nil
}

// State is derived at read time; expiry is never stored as the source of truth.
func (g *AccessGrant) State(now time.Time) GrantState {
	switch {
	case g.Revoked:
		return GrantRevoked
	case now.After(g.ExpiresAt):
		return GrantExpired
	case g.IsBound():
		return GrantBound
	default:
		return GrantUnbound
	}
}
