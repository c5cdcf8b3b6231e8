package model

type PaypalLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

type Amount struct {
	Currency string `json:"currency_code"`
	Value    string `json:"value"`
}

type Capture struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	CustomID   string `json:"custom_id"`
	CreateTime string `json:"create_time"`
	Final      bool   `json:"final_capture"`
	Amount     Amount `json:"amount"`
}

type Payments struct {
	Captures []Capture `json:"captures"`
}

type PurchaseUnit struct {
	ReferenceID string   `json:"reference_id"`
	CustomID    string   `json:"custom_id"`
	Amount      *Amount  `json:"amount,omitempty"`
	Payments    Payments `json:"payments"`
}

// PaypalOrder is the checkout order resource returned by create, get and capture.
type PaypalOrder struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	Links         []PaypalLink   `json:"links"`
	PurchaseUnits []PurchaseUnit `json:"purchase_units"`
}

// CompletedCapture returns the first capture with status COMPLETED, if any.
func (o *PaypalOrder) CompletedCapture() (*PurchaseUnit, *Capture) {
	for i := range o.PurchaseUnits {
		unit := &o.PurchaseUnits[i]
		for j := range unit.Payments.Captures {
			if unit.Payments.Captures[j].Status == "COMPLETED" {
				return unit, &unit.Payments.Captures[j]
			}
		}
	}
	return nil, nil
}

// FailedCapture reports a capture PayPal refused outright. PENDING captures
// are not failures; the capture webhook settles them.
func (o *PaypalOrder) FailedCapture() *Capture {
	for i := range o.PurchaseUnits {
		for j := range o.PurchaseUnits[i].Payments.Captures {
			switch c := &o.PurchaseUnits[i].Payments.Captures[j]; c.Status {
			case "DECLINED", "FAILED":
				return c
			}
		}
	}
	return nil
}

type RelatedIDs struct {
	OrderID string `json:"order_id"`
}

type SupplementaryData struct {
	RelatedIDs RelatedIDs `json:"related_ids"`
}

// PaypalResource is the capture resource carried by PAYMENT.CAPTURE.* events.
type PaypalResource struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	CustomID          string            `json:"custom_id"`
	Amount            Amount            `json:"amount"`
	SupplementaryData SupplementaryData `json:"supplementary_data"`
}

type PayPalWebhookEvent struct {
	ID         string         `json:"id"`
	EventType  string         `json:"event_type"`
	CreateTime string         `json:"create_time"`
	Resource   PaypalResource `json:"resource"`
}
