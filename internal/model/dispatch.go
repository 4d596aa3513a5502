// internal/model/dispatch.go
package model

import "time"

type DeliveryStatus string

const (
	DeliveryPending         DeliveryStatus = "pending"
	DeliverySending         DeliveryStatus = "sending"
	DeliverySent            DeliveryStatus = "sent"
	DeliveryFailed          DeliveryStatus = "failed"
	DeliverySkippedCooldown DeliveryStatus = "skipped_cooldown"
)

func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliverySent || s == DeliveryFailed || s == DeliverySkippedCooldown
}

// CanAdvance reports whether a dispatch may move from s to next. Terminal statuses are
// never overwritten by a later attempt.
func (s DeliveryStatus) CanAdvance(next DeliveryStatus) bool {
	switch s {
	case DeliveryPending:
		return next == DeliverySending || next == DeliverySkippedCooldown || next == DeliveryFailed
	case DeliverySending:
		return next == DeliverySent || next == DeliveryFailed
	}
	return false
}

// Provider callback statuses reported out of band.
const (
	ProviderDelivered = "delivered"
	ProviderOpened    = "opened"
	ProviderClicked   = "clicked"
	ProviderFailed    = "failed"
)

// RecipientDispatch is one campaign x recipient x channel send record for a cycle.
type RecipientDispatch struct {
	ID             string            `db:"id" json:"id"`
	CampaignID     string            `db:"campaign_id" json:"campaign_id"`
	Cycle          int               `db:"cycle" json:"cycle"`
	CustomerID     string            `db:"customer_id" json:"customer_id"`
	Channel        Channel           `db:"channel" json:"channel"`
	To             string            `db:"recipient" json:"to"`
	Vars           map[string]string `db:"vars" json:"vars,omitempty"`
	Status         DeliveryStatus    `db:"status" json:"status"`
	ProviderRef    string            `db:"provider_ref" json:"provider_ref,omitempty"`
	ProviderStatus string            `db:"provider_status" json:"provider_status,omitempty"`
	Error          string            `db:"last_error" json:"error,omitempty"`
	SentAt         *time.Time        `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt      time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time         `db:"updated_at" json:"updated_at"`
}

// DispatchUpdate carries the fields written when a dispatch advances.
type DispatchUpdate struct {
	Status      DeliveryStatus
	ProviderRef string
	Error       string
	SentAt      *time.Time
}
