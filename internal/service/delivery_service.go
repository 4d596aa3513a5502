package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/cartrecovery-backend/internal/channel"
	appErrors "github.com/unclebandit/cartrecovery-backend/internal/errors"
	"github.com/unclebandit/cartrecovery-backend/internal/model"
)

// SendMessageInput is an ad-hoc message to one customer outside any campaign. To
// overrides the address on the customer's cart.
type SendMessageInput struct {
	StoreID    string        `json:"store_id" validate:"required"`
	CustomerID string        `json:"customer_id" validate:"required"`
	Channel    model.Channel `json:"channel" validate:"required,oneof=email sms whatsapp"`
	To         string        `json:"to,omitempty"`
	Subject    string        `json:"subject,omitempty"`
	Body       string        `json:"body" validate:"required"`
}

type SendMessageResult struct {
	Status      model.DeliveryStatus `json:"status"`
	ProviderRef string               `json:"provider_ref,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// SendMessage sends one message through the same plan and cooldown checks as campaigns.
// A send refused by the ledger returns a CooldownBlockedError; a provider failure returns
// the result together with a ProviderError.
func (s *CampaignService) SendMessage(ctx context.Context, in SendMessageInput) (*SendMessageResult, error) {
	if err := validate.Struct(in); err != nil {
		return nil, fieldError("message", err)
	}
	pl, err := s.planFor(ctx, in.StoreID)
	if err != nil {
		return nil, err
	}
	if err := pl.Check(in.Channel); err != nil {
		return nil, err
	}

	to := strings.TrimSpace(in.To)
	vars := map[string]string{}
	carts, _, err := s.Carts.AbandonedCarts(ctx, in.StoreID, model.CartFilter{CustomerIDs: []string{in.CustomerID}, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(carts) > 0 {
		vars = carts[0].TemplateVars()
		if to == "" {
			to = carts[0].ContactFor(in.Channel)
		}
	}
	if to == "" {
		return nil, appErrors.NewValidation("to", fmt.Sprintf("no %s address for customer %s", in.Channel, in.CustomerID))
	}

	if err := s.Ledger.Begin(ctx, in.CustomerID, in.Channel, s.now()); err != nil {
		return nil, err
	}
	res := s.Sender.Dispatch(ctx, in.Channel, to, channel.Rendered{
		Subject: RenderTemplate(in.Subject, vars),
		Body:    RenderTemplate(in.Body, vars),
	})
	if err := s.Ledger.Finish(ctx, in.CustomerID, in.Channel, res.OK(), s.now()); err != nil {
		s.log().WithError(err).Warn("record cooldown")
	}

	out := &SendMessageResult{Status: res.Status, ProviderRef: res.ProviderRef}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	s.log().WithFields(logrus.Fields{
		"store_id":    in.StoreID,
		"customer_id": in.CustomerID,
		"channel":     in.Channel,
		"status":      res.Status,
	}).Info("ad-hoc message")
	return out, res.Err
}

// CooldownRemaining reports how long the customer stays blocked on ch.
func (s *CampaignService) CooldownRemaining(ctx context.Context, customerID string, ch model.Channel) (time.Duration, error) {
	if !ch.Valid() {
		return 0, appErrors.NewValidation("channel", fmt.Sprintf("unknown channel %q", ch))
	}
	return s.Ledger.Remaining(ctx, customerID, ch, s.now())
}

// ApplyProviderStatus records an out-of-band delivery report. A failed report on a sent
// dispatch marks it failed; the cooldown it started stays in place.
func (s *CampaignService) ApplyProviderStatus(ctx context.Context, providerRef, status string) (*model.RecipientDispatch, error) {
	switch status {
	case model.ProviderDelivered, model.ProviderOpened, model.ProviderClicked, model.ProviderFailed:
	default:
		return nil, appErrors.NewValidation("status", fmt.Sprintf("unknown provider status %q", status))
	}
	if strings.TrimSpace(providerRef) == "" {
		return nil, appErrors.NewValidation("provider_ref", "is required")
	}

	d, err := s.DispatchRepo.GetByProviderRef(ctx, providerRef)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, appErrors.NewDispatchNotFound(providerRef)
	}
	if err := s.DispatchRepo.SetProviderStatus(ctx, d.ID, status); err != nil {
		return nil, err
	}
	d.ProviderStatus = status

	if status == model.ProviderFailed && d.Status == model.DeliverySent {
		ok, err := s.DispatchRepo.Advance(ctx, d.ID, model.DeliverySent, model.DispatchUpdate{
			Status: model.DeliveryFailed,
			Error:  "provider reported delivery failure",
		})
		if err != nil {
			return nil, err
		}
		if ok {
			d.Status = model.DeliveryFailed
			d.Error = "provider reported delivery failure"
		}
	}
	return d, nil
}

// TriggerFromCart records an abandoned cart. With automation enabled it also schedules a
// single-customer recovery campaign using the configured content and delay.
func (s *CampaignService) TriggerFromCart(ctx context.Context, cart model.AbandonedCart) (*model.Campaign, error) {
	if cart.StoreID == "" || cart.CustomerID == "" {
		return nil, appErrors.NewValidation("cart", "store_id and customer_id are required")
	}
	if cart.AbandonedAt.IsZero() {
		cart.AbandonedAt = s.now()
	}
	if err := s.CartRepo.Upsert(ctx, &cart); err != nil {
		return nil, err
	}
	if inv, ok := s.Carts.(interface{ Invalidate(storeID string) }); ok {
		inv.Invalidate(cart.StoreID)
	}
	if !s.Automation.Enabled {
		return nil, nil
	}

	pl, err := s.planFor(ctx, cart.StoreID)
	if err != nil {
		return nil, err
	}
	channels := s.Automation.Channels
	if len(channels) == 0 {
		channels = []model.Channel{model.ChannelEmail}
	}
	content := make(map[model.Channel]model.ChannelContent)
	var usable []model.Channel
	for _, ch := range channels {
		if !pl.Allows(ch) || cart.ContactFor(ch) == "" {
			continue
		}
		usable = append(usable, ch)
		content[ch] = model.ChannelContent{Subject: s.Automation.Subject, Body: s.Automation.Body}
	}
	if len(usable) == 0 {
		s.log().WithField("customer_id", cart.CustomerID).Info("no usable channel for automated recovery")
		return nil, nil
	}

	return s.CreateCampaign(ctx, CreateCampaignInput{
		StoreID:   cart.StoreID,
		CreatedBy: "automation",
		Name:      fmt.Sprintf("Cart recovery %s", cart.CustomerID),
		Audience: model.TargetAudience{
			Mode:        model.AudienceSpecificCustomers,
			CustomerIDs: []string{cart.CustomerID},
		},
		Channels: usable,
		Content:  content,
		Schedule: model.Schedule{Mode: model.ScheduleDelayHours, DelayHours: s.Automation.DelayHours, Recurrence: model.RecurrenceOnce},
	})
}
