package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unclebandit/cartrecovery-backend/internal/channel"
	"github.com/unclebandit/cartrecovery-backend/internal/cooldown"
	"github.com/unclebandit/cartrecovery-backend/internal/model"
	"github.com/unclebandit/cartrecovery-backend/internal/plan"
	"github.com/unclebandit/cartrecovery-backend/internal/queue"
	"github.com/unclebandit/cartrecovery-backend/internal/repository"
	"github.com/unclebandit/cartrecovery-backend/internal/service"
	"github.com/unclebandit/cartrecovery-backend/internal/storedata"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// scriptedAdapter records every send and fails the addresses in fail.
type scriptedAdapter struct {
	mu     sync.Mutex
	sent   []string
	fail   map[string]bool
	onSend func(n int)
}

func (a *scriptedAdapter) Send(_ context.Context, to string, _ channel.Rendered) (string, error) {
	a.mu.Lock()
	a.sent = append(a.sent, to)
	n := len(a.sent)
	hook := a.onSend
	failing := a.fail[to]
	a.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if failing {
		return "", errors.New("mailbox unavailable")
	}
	return "ref-" + to, nil
}

func (a *scriptedAdapter) sends() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sent...)
}

// flakyCarts fails every lookup while down is set.
type flakyCarts struct {
	inner storedata.Provider
	down  atomic.Bool
}

func (f *flakyCarts) AbandonedCarts(ctx context.Context, storeID string, q model.CartFilter) ([]model.AbandonedCart, int, error) {
	if f.down.Load() {
		return nil, 0, errors.New("store api unavailable")
	}
	return f.inner.AbandonedCarts(ctx, storeID, q)
}

type harness struct {
	svc        *service.CampaignService
	campaigns  *repository.MemoryCampaignRepository
	dispatches *repository.MemoryDispatchRepository
	carts      *repository.MemoryCartRepository
	inbox      *repository.MemoryNotificationRepository
	provider   *flakyCarts
	ledger     *cooldown.MemoryLedger
	email      *scriptedAdapter
	sms        *scriptedAdapter
	clock      *clock
}

func newHarness(t *testing.T, customers int) *harness {
	t.Helper()
	h := &harness{
		campaigns:  repository.NewMemoryCampaignRepository(),
		dispatches: repository.NewMemoryDispatchRepository(),
		carts:      repository.NewMemoryCartRepository(),
		inbox:      repository.NewMemoryNotificationRepository(),
		ledger:     cooldown.NewMemoryLedger(cooldown.DefaultWindow),
		email:      &scriptedAdapter{fail: map[string]bool{}},
		sms:        &scriptedAdapter{fail: map[string]bool{}},
		clock:      &clock{t: t0},
	}
	h.campaigns.OnDelete = func(id string) { _ = h.dispatches.DeleteByCampaign(context.Background(), id) }
	h.provider = &flakyCarts{inner: &storedata.RepositoryProvider{Repo: h.carts}}

	for i := 1; i <= customers; i++ {
		require.NoError(t, h.carts.Upsert(context.Background(), &model.AbandonedCart{
			StoreID:      "store-1",
			CustomerID:   fmt.Sprintf("cust-%d", i),
			CustomerName: fmt.Sprintf("Customer %d", i),
			Email:        fmt.Sprintf("c%d@example.com", i),
			Phone:        fmt.Sprintf("+25470000000%d", i),
			Items:        []model.CartItem{{Name: "Sneakers", Quantity: 1, Price: 40}},
			Total:        40,
			Currency:     "USD",
			CheckoutURL:  fmt.Sprintf("https://shop.example.com/checkout/%d", i),
			StoreName:    "Example Shop",
			AbandonedAt:  t0.Add(-time.Duration(i) * time.Hour),
		}))
	}

	d := channel.NewDispatcher(time.Second)
	d.Register(model.ChannelEmail, h.email)
	d.Register(model.ChannelSMS, h.sms)

	q := queue.NewInMemoryQueue()
	t.Cleanup(func() { _ = q.Close() })

	h.svc = &service.CampaignService{
		CampaignRepo: h.campaigns,
		DispatchRepo: h.dispatches,
		CartRepo:     h.carts,
		Carts:        h.provider,
		Ledger:       h.ledger,
		Sender:       d,
		Plans:        plan.Static{Default: "pro"},
		Notifier:     &service.NotificationService{Repo: h.inbox, Queue: q, Now: h.clock.Now},
		Concurrency:  4,
		Now:          h.clock.Now,
	}
	t.Cleanup(h.svc.Wait)
	return h
}

func emailContent() map[model.Channel]model.ChannelContent {
	return map[model.Channel]model.ChannelContent{
		model.ChannelEmail: {Subject: "{{store_name}} misses you", Body: "Hi {{first_name}}, finish here: {{checkout_link}}"},
		model.ChannelSMS:   {Body: "Your {cart_items} are waiting: {checkout_link}"},
	}
}

func (h *harness) create(t *testing.T, mutate func(in *service.CreateCampaignInput)) *model.Campaign {
	t.Helper()
	in := service.CreateCampaignInput{
		StoreID:  "store-1",
		Name:     "Win them back",
		Audience: model.TargetAudience{Mode: model.AudienceAbandonedCarts},
		Channels: []model.Channel{model.ChannelEmail},
		Content:  emailContent(),
		Schedule: model.Schedule{Mode: model.ScheduleImmediate},
	}
	if mutate != nil {
		mutate(&in)
	}
	c, err := h.svc.CreateCampaign(context.Background(), in)
	require.NoError(t, err)
	return c
}

func (h *harness) status(t *testing.T, id string) model.CampaignStatus {
	t.Helper()
	c, err := h.campaigns.GetByID(context.Background(), id)
	require.NoError(t, err)
	return c.Status
}

// dispatchStatuses maps customer id to the delivery status on ch for the given cycle.
func (h *harness) dispatchStatuses(t *testing.T, id string, cycle int, ch model.Channel) map[string]model.DeliveryStatus {
	t.Helper()
	list, err := h.dispatches.ListByCampaign(context.Background(), id, cycle)
	require.NoError(t, err)
	out := map[string]model.DeliveryStatus{}
	for _, d := range list {
		if d.Channel == ch {
			out[d.CustomerID] = d.Status
		}
	}
	return out
}
