package model

import "time"

// Notification is published after a pipeline step commits. Consumers must
// tolerate duplicates.
type Notification struct {
	Type       NotificationType `json:"type"`
	OrderID    string           `json:"order_id"`
	OrderCode  string           `json:"order_code"`
	AccountID  string           `json:"account_id"`
	GrantIDs   []string         `json:"grant_ids,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}
