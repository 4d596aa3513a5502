package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/cartrecovery-backend/internal/app"
	"github.com/unclebandit/cartrecovery-backend/internal/config"
	"github.com/unclebandit/cartrecovery-backend/internal/model"
	"github.com/unclebandit/cartrecovery-backend/internal/queue"
)

func TestWorker(t *testing.T) {
	t.Setenv("STORAGE", "memory")
	t.Setenv("AUTOMATION_ENABLED", "true")
	t.Setenv("AUTOMATION_DELAY_HOURS", "0")
	t.Setenv("SWEEP_INTERVAL", "20ms")
	cfg, err := config.Load("does-not-exist.env")
	require.NoError(t, err)

	a, err := app.Build(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, a) }()

	// the subscription is registered before the scheduler starts
	require.Eventually(t, func() bool {
		return a.Queue.Publish(queue.TopicCartAbandoned, model.AbandonedCart{
			StoreID:     "store-1",
			CustomerID:  "cust-1",
			Email:       "cust1@example.com",
			Total:       25,
			AbandonedAt: time.Now().Add(-time.Hour),
		}) == nil
	}, time.Second, 10*time.Millisecond)

	// the automated campaign is created and fired by the next sweep
	require.Eventually(t, func() bool {
		list, _, err := a.Campaigns.ListCampaigns(context.Background(), "store-1", 1, 10, "", "")
		return err == nil && len(list) == 1 && list[0].Status == model.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	left, err := a.Campaigns.CooldownRemaining(context.Background(), "cust-1", model.ChannelEmail)
	require.NoError(t, err)
	assert.Greater(t, left, time.Duration(0))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}
