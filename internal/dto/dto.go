package dto

import (
	"time"

	"digital-fulfillment/internal/model"
)

type Item struct {
	ProductID string `json:"product_id"`
	Quantity  int32  `json:"quantity"`
}

type CreateOrderRequest struct {
	Items           []*Item `json:"items"`
	PaymentMethod   string  `json:"payment_method"`
	ShippingAddress string  `json:"shipping_address"`
	// Nonce is the client payment method nonce, braintree only.
	Nonce string `json:"nonce"`
}

type InitiatePaymentRequest struct {
	Nonce string `json:"nonce"`
}

type StatusRequest struct {
	Status string `json:"status"`
}

type OrderItemResponse struct {
	ProductID string `json:"product_id"`
	Title     string `json:"title"`
	Quantity  int32  `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	LineTotal string `json:"line_total"`
	IsDigital bool   `json:"is_digital"`
}

type OrderResponse struct {
	ID                string               `json:"id"`
	Code              string               `json:"code"`
	BuyerID           string               `json:"buyer_id"`
	PaymentMethod     string               `json:"payment_method"`
	PaymentStatus     string               `json:"payment_status"`
	FulfillmentStatus string               `json:"fulfillment_status"`
	ShippingAddress   string               `json:"shipping_address,omitempty"`
	Subtotal          string               `json:"subtotal"`
	Discount          string               `json:"discount"`
	Total             string               `json:"total"`
	Currency          string               `json:"currency"`
	Items             []*OrderItemResponse `json:"items"`
	PaidAt            *time.Time           `json:"paid_at,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
}

type PaymentResponse struct {
	CorrelationID string `json:"correlation_id"`
	RedirectURL   string `json:"redirect_url,omitempty"`
	Immediate     bool   `json:"immediate"`
}

type CheckoutResponse struct {
	Order   *OrderResponse   `json:"order"`
	Payment *PaymentResponse `json:"payment,omitempty"`
}

type GrantResponse struct {
	ID           string     `json:"id"`
	Token        string     `json:"token,omitempty"`
	OrderID      string     `json:"order_id"`
	ProductID    string     `json:"product_id"`
	Generation   int        `json:"generation"`
	State        string     `json:"state"`
	IssuedAt     time.Time  `json:"issued_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	BoundAt      *time.Time `json:"bound_at,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	LastAccessAt *time.Time `json:"last_access_at,omitempty"`
	AccessCount  int64      `json:"access_count"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func NewOrderResponse(o *model.Order) *OrderResponse {
	resp := &OrderResponse{
		ID:                o.ID,
		Code:              o.Code,
		BuyerID:           o.BuyerID,
		PaymentMethod:     string(o.PaymentMethod),
		PaymentStatus:     string(o.PaymentStatus),
		FulfillmentStatus: string(o.FulfillmentStatus),
		ShippingAddress:   o.ShippingAddress,
		Subtotal:          o.Subtotal.StringFixed(2),
		Discount:          o.Discount.StringFixed(2),
		Total:             o.Total.StringFixed(2),
		Currency:          o.Currency,
		Items:             make([]*OrderItemResponse, 0, len(o.Items)),
		PaidAt:            o.PaidAt,
		CreatedAt:         o.CreatedAt,
	}
	for _, item := range o.Items {
		resp.Items = append(resp.Items, &OrderItemResponse{
			ProductID: item.ProductID,
			Title:     item.Title,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice.StringFixed(2),
			LineTotal: item.LineTotal().StringFixed(2),
			IsDigital: item.IsDigital,
		})
	}
	return resp
}

func NewOrderListResponse(orders []*model.Order) []*OrderResponse {
	out := make([]*OrderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, NewOrderResponse(o))
	}
	return out
}

// NewGrantResponse renders a grant; the token is only shown to its owner.
func NewGrantResponse(g *model.AccessGrant, now time.Time, withToken bool) *GrantResponse {
	resp := &GrantResponse{
		ID:           g.ID,
		OrderID:      g.OrderID,
		ProductID:    g.ProductID,
		Generation:   g.Generation,
		State:        string(g.State(now)),
		IssuedAt:     g.IssuedAt,
		ExpiresAt:    g.ExpiresAt,
		BoundAt:      g.BoundAt,
		RevokedAt:    g.RevokedAt,
		LastAccessAt: g.LastAccessAt,
		AccessCount:  g.AccessCount,
	}
	if withToken {
		resp.Token = g.Token
	}
	return resp
}
