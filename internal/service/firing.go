package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/cartrecovery-backend/internal/channel"
	appErrors "github.com/unclebandit/cartrecovery-backend/internal/errors"
	"github.com/unclebandit/cartrecovery-backend/internal/model"
	"github.com/unclebandit/cartrecovery-backend/internal/plan"
	"github.com/unclebandit/cartrecovery-backend/internal/schedule"
	"github.com/unclebandit/cartrecovery-backend/internal/storedata"
)

// ErrFiringInProgress is returned by Fire when another firing of the campaign is running.
var ErrFiringInProgress = errors.New("firing already in progress")

// FiringSummary is the outcome of one firing pass over a campaign cycle.
type FiringSummary struct {
	CampaignID string               `json:"campaign_id"`
	Cycle      int                  `json:"cycle"`
	Recipients int                  `json:"recipients"`
	Sent       int                  `json:"sent"`
	Failed     int                  `json:"failed"`
	Skipped    int                  `json:"skipped_cooldown"`
	Pending    int                  `json:"pending"`
	Status     model.CampaignStatus `json:"status"`
	FiredAt    time.Time            `json:"fired_at"`
}

type recipientWork struct {
	customerID string
	dispatches []*model.RecipientDispatch
}

// Fire runs one firing of the campaign now if it is due.
func (s *CampaignService) Fire(ctx context.Context, id string) (*FiringSummary, error) {
	lk := s.lockFor(id)
	if !lk.mu.TryLock() {
		return nil, ErrFiringInProgress
	}
	defer lk.mu.Unlock()
	return s.fire(ctx, id, lk)
}

// fire must be called with lk.mu held. It returns a nil summary when there was nothing
// to fire.
func (s *CampaignService) fire(ctx context.Context, id string, lk *firingLock) (*FiringSummary, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if appErrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if c.Status != model.StatusScheduled && c.Status != model.StatusActive {
		return nil, nil
	}
	now := s.now()
	sendNow := lk.sendNow.Load()
	if !sendNow && !c.Due(now) {
		return nil, nil
	}
	log := s.log().WithFields(logrus.Fields{"campaign_id": c.ID, "cycle": c.Cycle, "send_now": sendNow})

	// Recipients are resolved before any state changes so an unavailable store leaves the
	// campaign scheduled for the next sweep.
	carts, _, err := s.recipients(ctx, c.StoreID, model.FilterFor(c.Audience, now))
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}
	pl, err := s.planFor(ctx, c.StoreID)
	if err != nil {
		return nil, fmt.Errorf("resolve plan: %w", err)
	}

	if c.Status == model.StatusScheduled {
		ok, err := s.CampaignRepo.UpdateStatus(ctx, id, model.StatusScheduled, model.StatusActive)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		c.Status = model.StatusActive
		s.notify(ctx, c.StoreID, "campaign_status_changed", map[string]any{
			"campaign_id": id, "from": model.StatusScheduled, "to": model.StatusActive,
		})
	}
	if err := s.CampaignRepo.MarkFired(ctx, id, now); err != nil {
		return nil, err
	}
	log.WithField("recipients", len(carts)).Info("firing campaign")

	work, err := s.materialize(ctx, c, carts, now)
	if err != nil {
		return nil, err
	}
	if err := s.dispatchAll(ctx, c, pl, work); err != nil {
		log.WithError(err).Warn("some dispatches could not be attempted")
	}
	return s.settle(ctx, c, lk, now, len(carts))
}

// materialize creates the cycle's pending dispatches and returns the ones still pending,
// grouped by recipient in audience order.
func (s *CampaignService) materialize(ctx context.Context, c *model.Campaign, carts []model.AbandonedCart, now time.Time) ([]recipientWork, error) {
	work := make([]recipientWork, 0, len(carts))
	for _, cart := range carts {
		vars := cart.TemplateVars()
		rw := recipientWork{customerID: cart.CustomerID}
		for _, ch := range c.Channels {
			stored, _, err := s.DispatchRepo.CreatePending(ctx, &model.RecipientDispatch{
				ID:         uuid.NewString(),
				CampaignID: c.ID,
				Cycle:      c.Cycle,
				CustomerID: cart.CustomerID,
				Channel:    ch,
				To:         cart.ContactFor(ch),
				Vars:       vars,
				Status:     model.DeliveryPending,
				CreatedAt:  now,
				UpdatedAt:  now,
			})
			if err != nil {
				return nil, fmt.Errorf("create dispatch: %w", err)
			}
			if stored.Status == model.DeliveryPending {
				rw.dispatches = append(rw.dispatches, stored)
			}
		}
		if len(rw.dispatches) > 0 {
			work = append(work, rw)
		}
	}
	return work, nil
}

// dispatchAll sends to recipients concurrently, up to Concurrency at a time. The campaign
// status is re-read before each recipient so pause, cancel and delete stop the firing.
func (s *CampaignService) dispatchAll(ctx context.Context, c *model.Campaign, pl plan.Plan, work []recipientWork) error {
	limit := s.Concurrency
	if limit < 1 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)

	for _, rw := range work {
		if ctx.Err() != nil {
			_ = g.Wait()
			return ctx.Err()
		}
		if !s.stillActive(ctx, c.ID) {
			break
		}
		// Go blocks for a free slot, so the status can change while waiting
		g.Go(func() error {
			if !s.stillActive(ctx, c.ID) {
				return nil
			}
			return s.dispatchRecipient(ctx, c, pl, rw)
		})
	}
	return g.Wait()
}

// recipients reads the audience through the provider's shared path when it has one, so a
// dashboard listing the same carts cannot cancel a firing's lookup.
func (s *CampaignService) recipients(ctx context.Context, storeID string, f model.CartFilter) ([]model.AbandonedCart, int, error) {
	if r, ok := s.Carts.(storedata.Resolver); ok {
		return r.Resolve(ctx, storeID, f)
	}
	return s.Carts.AbandonedCarts(ctx, storeID, f)
}

func (s *CampaignService) stillActive(ctx context.Context, id string) bool {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	return err == nil && c.Status == model.StatusActive
}

// dispatchRecipient sends every channel of one recipient in parallel.
func (s *CampaignService) dispatchRecipient(ctx context.Context, c *model.Campaign, pl plan.Plan, rw recipientWork) error {
	var g errgroup.Group
	for _, d := range rw.dispatches {
		g.Go(func() error {
			return s.dispatchOne(ctx, c, pl, d)
		})
	}
	return g.Wait()
}

// dispatchOne takes one pending dispatch to a terminal status. An error leaves it pending
// for a later firing.
func (s *CampaignService) dispatchOne(ctx context.Context, c *model.Campaign, pl plan.Plan, d *model.RecipientDispatch) error {
	log := s.log().WithFields(logrus.Fields{
		"campaign_id": c.ID,
		"customer_id": d.CustomerID,
		"channel":     d.Channel,
	})

	if !pl.Allows(d.Channel) {
		return s.closeDispatch(ctx, d, model.DeliveryPending, model.DispatchUpdate{
			Status: model.DeliveryFailed,
			Error:  appErrors.NewPlanRestricted(pl.Name, string(d.Channel)).Error(),
		})
	}
	if d.To == "" {
		return s.closeDispatch(ctx, d, model.DeliveryPending, model.DispatchUpdate{
			Status: model.DeliveryFailed,
			Error:  fmt.Sprintf("customer has no %s address", d.Channel),
		})
	}

	if err := s.Ledger.Begin(ctx, d.CustomerID, d.Channel, s.now()); err != nil {
		var blocked *appErrors.CooldownBlockedError
		if errors.As(err, &blocked) {
			log.WithField("remaining", blocked.Remaining).Info("skipped by cooldown")
			return s.closeDispatch(ctx, d, model.DeliveryPending, model.DispatchUpdate{
				Status: model.DeliverySkippedCooldown,
				Error:  err.Error(),
			})
		}
		return fmt.Errorf("cooldown ledger: %w", err)
	}

	ok, err := s.DispatchRepo.Advance(ctx, d.ID, model.DeliveryPending, model.DispatchUpdate{Status: model.DeliverySending})
	if err != nil || !ok {
		if ferr := s.Ledger.Finish(ctx, d.CustomerID, d.Channel, false, s.now()); ferr != nil {
			log.WithError(ferr).Warn("release cooldown lock")
		}
		return err
	}

	content := c.Content[d.Channel]
	res := s.Sender.Dispatch(ctx, d.Channel, d.To, channel.Rendered{
		Subject: RenderTemplate(content.Subject, d.Vars),
		Body:    RenderTemplate(content.Body, d.Vars),
	})

	upd := model.DispatchUpdate{Status: res.Status, ProviderRef: res.ProviderRef}
	if res.OK() {
		at := s.now()
		upd.SentAt = &at
	} else if res.Err != nil {
		upd.Error = res.Err.Error()
		log.WithError(res.Err).Warn("dispatch failed")
	}
	_, err = s.DispatchRepo.Advance(ctx, d.ID, model.DeliverySending, upd)
	if ferr := s.Ledger.Finish(ctx, d.CustomerID, d.Channel, res.OK(), s.now()); ferr != nil {
		log.WithError(ferr).Warn("record cooldown")
	}
	return err
}

func (s *CampaignService) closeDispatch(ctx context.Context, d *model.RecipientDispatch, from model.DeliveryStatus, upd model.DispatchUpdate) error {
	_, err := s.DispatchRepo.Advance(ctx, d.ID, from, upd)
	return err
}

// settle decides what the campaign becomes once a firing pass is over. Nothing changes
// while any dispatch of the cycle is still pending or the campaign left active.
func (s *CampaignService) settle(ctx context.Context, fired *model.Campaign, lk *firingLock, firedAt time.Time, recipients int) (*FiringSummary, error) {
	summary := &FiringSummary{
		CampaignID: fired.ID,
		Cycle:      fired.Cycle,
		Recipients: recipients,
		FiredAt:    firedAt,
	}
	stats, err := s.DispatchRepo.Stats(ctx, fired.ID, fired.Cycle)
	if err != nil {
		return nil, err
	}
	summary.Sent = stats[string(model.DeliverySent)]
	summary.Failed = stats[string(model.DeliveryFailed)]
	summary.Skipped = stats[string(model.DeliverySkippedCooldown)]
	summary.Pending = stats[string(model.DeliveryPending)] + stats[string(model.DeliverySending)]

	c, err := s.CampaignRepo.GetByID(ctx, fired.ID)
	if appErrors.IsNotFound(err) {
		return summary, nil
	}
	if err != nil {
		return nil, err
	}
	summary.Status = c.Status
	if c.Status != model.StatusActive || summary.Pending > 0 {
		return summary, nil
	}

	anchor := firedAt
	if fired.NextFireAt != nil {
		anchor = *fired.NextFireAt
	}

	var (
		to   model.CampaignStatus
		kind string
	)
	next, recurring := schedule.Next(c.Schedule.Recurrence, anchor)
	switch {
	case lk.sendNow.Load():
		to, kind = model.StatusSent, "campaign_sent"
	case recipients == 0:
		// an exhausted recipient set ends a recurring campaign too
		to, kind = model.StatusCompleted, "campaign_completed"
	case recurring:
		ok, err := s.CampaignRepo.AdvanceCycle(ctx, c.ID, c.Cycle, next)
		if err != nil {
			return nil, err
		}
		if ok {
			s.log().WithFields(logrus.Fields{"campaign_id": c.ID, "next_fire_at": next}).Info("cycle finished")
			s.notify(ctx, c.StoreID, "campaign_cycle_finished", summary)
		}
		return summary, nil
	default:
		to, kind = model.StatusCompleted, "campaign_completed"
	}

	ok, err := s.CampaignRepo.UpdateStatus(ctx, c.ID, model.StatusActive, to)
	if err != nil {
		return nil, err
	}
	if ok {
		lk.sendNow.Store(false)
		summary.Status = to
		s.log().WithFields(logrus.Fields{
			"campaign_id": c.ID,
			"status":      to,
			"sent":        summary.Sent,
			"failed":      summary.Failed,
			"skipped":     summary.Skipped,
		}).Info("campaign finished")
		s.notify(ctx, c.StoreID, kind, summary)
	}
	return summary, nil
}

// SweepDue fires every due campaign once and waits for the firings to finish. Campaigns
// already firing are skipped.
func (s *CampaignService) SweepDue(ctx context.Context, limit int) ([]*FiringSummary, error) {
	due, err := s.CampaignRepo.ListDue(ctx, s.now(), limit)
	if err != nil {
		return nil, err
	}

	results := make([]*FiringSummary, len(due))
	var g errgroup.Group
	for i, c := range due {
		g.Go(func() error {
			sum, err := s.Fire(ctx, c.ID)
			if errors.Is(err, ErrFiringInProgress) {
				return nil
			}
			if err != nil {
				s.log().WithError(err).WithField("campaign_id", c.ID).Warn("firing failed, will retry on next sweep")
				return nil
			}
			results[i] = sum
			return nil
		})
	}
	_ = g.Wait()

	out := results[:0]
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, nil
}
