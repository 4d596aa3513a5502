// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"time"
)

// ErrCampaignNotFound is returned when a campaign id does not resolve.
type ErrCampaignNotFound struct {
	CampaignID string
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %s not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id string) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// ErrDispatchNotFound is returned when a provider reference matches no recipient dispatch.
type ErrDispatchNotFound struct {
	ProviderRef string
}

func (e *ErrDispatchNotFound) Error() string {
	return fmt.Sprintf("no dispatch with provider reference %s", e.ProviderRef)
}

func NewDispatchNotFound(ref string) error {
	return &ErrDispatchNotFound{ProviderRef: ref}
}

// ValidationError reports a bad campaign spec or request. No state was changed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ConflictError reports an action attempted on a terminal or incompatible campaign state.
type ConflictError struct {
	CampaignID string
	Status     string
	Action     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot %s campaign %s in status %s", e.Action, e.CampaignID, e.Status)
}

func NewConflict(campaignID, status, action string) error {
	return &ConflictError{CampaignID: campaignID, Status: status, Action: action}
}

// PlanRestrictedError reports a channel the caller's plan does not include.
type PlanRestrictedError struct {
	Plan    string
	Channel string
}

func (e *PlanRestrictedError) Error() string {
	return fmt.Sprintf("channel %s is not available on plan %s", e.Channel, e.Plan)
}

func NewPlanRestricted(plan, channel string) error {
	return &PlanRestrictedError{Plan: plan, Channel: channel}
}

// ProviderError wraps a failed channel send, including timeouts.
type ProviderError struct {
	Channel string
	Err     error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider: %v", e.Channel, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func NewProvider(channel string, err error) error {
	return &ProviderError{Channel: channel, Err: err}
}

// CooldownBlockedError reports a send refused by the cooldown ledger. InFlight is set
// when another attempt for the same key is currently sending.
type CooldownBlockedError struct {
	CustomerID string
	Channel    string
	Remaining  time.Duration
	InFlight   bool
}

func (e *CooldownBlockedError) Error() string {
	if e.InFlight {
		return fmt.Sprintf("send to %s on %s already in flight", e.CustomerID, e.Channel)
	}
	return fmt.Sprintf("send to %s on %s blocked by cooldown for %s", e.CustomerID, e.Channel, e.Remaining.Round(time.Second))
}

func NewCooldownBlocked(customerID, channel string, remaining time.Duration, inFlight bool) error {
	return &CooldownBlockedError{CustomerID: customerID, Channel: channel, Remaining: remaining, InFlight: inFlight}
}

// IsNotFound reports whether err is, or wraps, one of the not-found errors.
func IsNotFound(err error) bool {
	var nf *ErrCampaignNotFound
	var dnf *ErrDispatchNotFound
	return errors.As(err, &nf) || errors.As(err, &dnf)
}
