// internal/model/campaign.go
package model

import "time"

type CampaignStatus string

const (
	StatusScheduled CampaignStatus = "scheduled"
	StatusActive    CampaignStatus = "active"
	StatusPaused    CampaignStatus = "paused"
	StatusSent      CampaignStatus = "sent"
	StatusCancelled CampaignStatus = "cancelled"
	StatusCompleted CampaignStatus = "completed"
)

// IsTerminal reports whether no further transition is possible.
func (s CampaignStatus) IsTerminal() bool {
	return s == StatusSent || s == StatusCancelled || s == StatusCompleted
}

func (s CampaignStatus) Valid() bool {
	switch s {
	case StatusScheduled, StatusActive, StatusPaused, StatusSent, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

// Action is a lifecycle input to the campaign state machine.
type Action string

const (
	ActionFire     Action = "fire"
	ActionPause    Action = "pause"
	ActionResume   Action = "resume"
	ActionCancel   Action = "cancel"
	ActionSendNow  Action = "send_now"
	ActionComplete Action = "complete"
)

var transitions = map[CampaignStatus]map[Action]CampaignStatus{
	StatusScheduled: {
		ActionFire:    StatusActive,
		ActionResume:  StatusActive,
		ActionPause:   StatusPaused,
		ActionCancel:  StatusCancelled,
		ActionSendNow: StatusSent,
	},
	StatusActive: {
		ActionPause:    StatusPaused,
		ActionCancel:   StatusCancelled,
		ActionSendNow:  StatusSent,
		ActionComplete: StatusCompleted,
	},
	StatusPaused: {
		ActionResume:  StatusActive,
		ActionCancel:  StatusCancelled,
		ActionSendNow: StatusSent,
	},
}

// Transition returns the status reached by applying action to from. ok is false when the
// action is not allowed, in which case callers keep from unchanged.
func Transition(from CampaignStatus, action Action) (CampaignStatus, bool) {
	to, ok := transitions[from][action]
	if !ok {
		return from, false
	}
	return to, true
}

type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelSMS || c == ChannelWhatsApp
}

type AudienceMode string

const (
	AudienceAbandonedCarts    AudienceMode = "abandoned_carts"
	AudienceSpecificCustomers AudienceMode = "specific_customers"
	AudienceFiltered          AudienceMode = "filtered"
)

type TargetAudience struct {
	Mode         AudienceMode `json:"mode" validate:"required,oneof=abandoned_carts specific_customers filtered"`
	CustomerIDs  []string     `json:"customer_ids,omitempty"`
	MinCartValue *float64     `json:"min_cart_value,omitempty" validate:"omitempty,gte=0"`
	MaxCartValue *float64     `json:"max_cart_value,omitempty" validate:"omitempty,gte=0"`
	MinAgeHours  *int         `json:"min_age_hours,omitempty" validate:"omitempty,gte=0"`
	MaxAgeHours  *int         `json:"max_age_hours,omitempty" validate:"omitempty,gte=0"`
}

// ChannelContent is the template for one channel. Email uses Subject and Body; sms and
// whatsapp use Body as the message text.
type ChannelContent struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

type ScheduleMode string

const (
	ScheduleImmediate  ScheduleMode = "immediate"
	ScheduleDelayHours ScheduleMode = "delay_hours"
	ScheduleAbsolute   ScheduleMode = "absolute"
)

// Recurrence re-arms a campaign after each firing, anchored on the scheduled fire time.
// The cooldown runs from when a send completes, so with the default 24h window a daily
// cycle reaches a recipient a few seconds early and records skipped_cooldown; that
// recipient is reached again on the following cycle.
type Recurrence string

const (
	RecurrenceOnce    Recurrence = "once"
	RecurrenceDaily   Recurrence = "daily"
	RecurrenceWeekly  Recurrence = "weekly"
	RecurrenceMonthly Recurrence = "monthly"
)

type Schedule struct {
	Mode       ScheduleMode `json:"mode" validate:"required,oneof=immediate delay_hours absolute"`
	DelayHours int          `json:"delay_hours,omitempty" validate:"gte=0"`
	At         *time.Time   `json:"at,omitempty"`
	InHours    *int         `json:"in_hours,omitempty" validate:"omitempty,gt=0"`
	Recurrence Recurrence   `json:"recurrence,omitempty" validate:"omitempty,oneof=once daily weekly monthly"`
}

type Campaign struct {
	ID          string                     `db:"id" json:"id"`
	StoreID     string                     `db:"store_id" json:"store_id"`
	CreatedBy   string                     `db:"created_by" json:"created_by"`
	Name        string                     `db:"name" json:"name"`
	Audience    TargetAudience             `db:"audience" json:"target_audience"`
	Channels    []Channel                  `db:"channels" json:"channels"`
	Content     map[Channel]ChannelContent `db:"content" json:"content"`
	Schedule    Schedule                   `db:"schedule" json:"schedule"`
	Status      CampaignStatus             `db:"status" json:"status"`
	Cycle       int                        `db:"cycle" json:"cycle"`
	NextFireAt  *time.Time                 `db:"next_fire_at" json:"next_fire_at,omitempty"`
	LastFiredAt *time.Time                 `db:"last_fired_at" json:"last_fired_at,omitempty"`
	CreatedAt   time.Time                  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time                  `db:"updated_at" json:"updated_at"`
}

// Due reports whether the sweep should fire the campaign at now.
func (c *Campaign) Due(now time.Time) bool {
	if c.Status != StatusScheduled && c.Status != StatusActive {
		return false
	}
	return c.NextFireAt != nil && !c.NextFireAt.After(now)
}

// Clone returns a deep copy safe to mutate independently of c.
func (c *Campaign) Clone() *Campaign {
	if c == nil {
		return nil
	}
	out := *c
	out.Channels = append([]Channel(nil), c.Channels...)
	out.Audience.CustomerIDs = append([]string(nil), c.Audience.CustomerIDs...)
	if c.Content != nil {
		out.Content = make(map[Channel]ChannelContent, len(c.Content))
		for k, v := range c.Content {
			out.Content[k] = v
		}
	}
	if c.NextFireAt != nil {
		t := *c.NextFireAt
		out.NextFireAt = &t
	}
	if c.LastFiredAt != nil {
		t := *c.LastFiredAt
		out.LastFiredAt = &t
	}
	return &out
}
