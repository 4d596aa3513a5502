package plan

import (
	"context"
	"strings"

	appErrors "github.com/unclebandit/cartrecovery-backend/internal/errors"
	"github.com/unclebandit/cartrecovery-backend/internal/model"
)

// Plan is the billing tier of a store and the channels it unlocks.
type Plan struct {
	Name     string          `json:"name"`
	Channels []model.Channel `json:"channels"`
}

func (p Plan) Allows(ch model.Channel) bool {
	for _, c := range p.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// Check returns a PlanRestrictedError for the first channel p does not include.
func (p Plan) Check(channels ...model.Channel) error {
	for _, ch := range channels {
		if !p.Allows(ch) {
			return appErrors.NewPlanRestricted(p.Name, string(ch))
		}
	}
	return nil
}

// Known plans. SMS and WhatsApp are paid add-ons.
var (
	Starter = Plan{Name: "starter", Channels: []model.Channel{model.ChannelEmail}}
	Growth  = Plan{Name: "growth", Channels: []model.Channel{model.ChannelEmail, model.ChannelSMS}}
	Pro     = Plan{Name: "pro", Channels: []model.Channel{model.ChannelEmail, model.ChannelSMS, model.ChannelWhatsApp}}
)

var byName = map[string]Plan{
	Starter.Name: Starter,
	Growth.Name:  Growth,
	Pro.Name:     Pro,
}

// Lookup returns the plan called name, falling back to Starter.
func Lookup(name string) Plan {
	if p, ok := byName[strings.ToLower(strings.TrimSpace(name))]; ok {
		return p
	}
	return Starter
}

type Provider interface {
	PlanFor(ctx context.Context, storeID string) (Plan, error)
}

// Static resolves plans from configuration: a default plan plus per-store overrides.
type Static struct {
	Default string
	Stores  map[string]string
}

func (s Static) PlanFor(_ context.Context, storeID string) (Plan, error) {
	if name, ok := s.Stores[storeID]; ok {
		return Lookup(name), nil
	}
	return Lookup(s.Default), nil
}
