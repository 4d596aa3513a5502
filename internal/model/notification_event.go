package model

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventNew            EventType = "new"
	EventRead           EventType = "read"
	EventDelete         EventType = "delete"
	EventConnectionTest EventType = "connection_test"
)

// NotificationEvent is relayed to every session subscribed to Scope. ID is globally unique
// and is what subscribers de-duplicate on.
type NotificationEvent struct {
	ID        string          `db:"id" json:"id"`
	Type      EventType       `db:"type" json:"type"`
	Scope     string          `db:"scope" json:"scope"`
	Kind      string          `db:"kind" json:"kind,omitempty"`
	Payload   json.RawMessage `db:"payload" json:"payload,omitempty"`
	TargetIDs []string        `db:"-" json:"target_ids,omitempty"`
	Read      bool            `db:"read" json:"read"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}
