package service

import (
	"context"
	"time"

	"github.com/unclebandit/cartrecovery-backend/internal/logger"
	"github.com/unclebandit/cartrecovery-backend/internal/model"
	"github.com/unclebandit/cartrecovery-backend/internal/queue"
)

// Scheduler sweeps for due campaigns on a fixed interval.
type Scheduler struct {
	Campaigns *CampaignService
	Interval  time.Duration
	BatchSize int
}

// NewScheduler
func NewScheduler(campaigns *CampaignService, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{Campaigns: campaigns, Interval: interval, BatchSize: 100}
}

// Start sweeps once immediately and then on every tick until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	log := logger.WithModule("scheduler")
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		summaries, err := s.Campaigns.SweepDue(ctx, s.BatchSize)
		if err != nil {
			log.WithError(err).Warn("sweep failed")
		} else if len(summaries) > 0 {
			log.WithField("fired", len(summaries)).Info("sweep finished")
		}

		select {
		case <-ctx.Done():
			s.Campaigns.Wait()
			return
		case <-ticker.C:
		}
	}
}

// CartSignalHandler consumes cart_abandoned messages from the queue.
func CartSignalHandler(campaigns *CampaignService) func(payload any) error {
	log := logger.WithModule("cart-signals")
	return func(payload any) error {
		var cart model.AbandonedCart
		if err := queue.Decode(payload, &cart); err != nil {
			log.WithError(err).Warn("dropping malformed cart signal")
			return nil
		}
		c, err := campaigns.TriggerFromCart(context.Background(), cart)
		if err != nil {
			return err
		}
		if c != nil {
			log.WithField("campaign_id", c.ID).Info("recovery campaign scheduled")
		}
		return nil
	}
}
