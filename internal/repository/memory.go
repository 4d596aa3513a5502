package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/cartrecovery-backend/internal/errors"
	"github.com/unclebandit/cartrecovery-backend/internal/model"
)

// The Memory* repositories back STORAGE=memory and the service tests. They hand out
// copies, so callers never share state with the store.

type MemoryCampaignRepository struct {
	mu        sync.RWMutex
	campaigns map[string]*model.Campaign
	// OnDelete, when set, runs after a campaign is removed; the server wires it to the
	// dispatch store to mirror ON DELETE CASCADE.
	OnDelete func(id string)
}

func NewMemoryCampaignRepository() *MemoryCampaignRepository {
	return &MemoryCampaignRepository{campaigns: make(map[string]*model.Campaign)}
}

func (r *MemoryCampaignRepository) Create(_ context.Context, c *model.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns[c.ID] = c.Clone()
	return nil
}

func (r *MemoryCampaignRepository) GetByID(_ context.Context, id string) (*model.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return c.Clone(), nil
}

func (r *MemoryCampaignRepository) Update(_ context.Context, c *model.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.campaigns[c.ID]
	if !ok {
		return appErrors.NewCampaignNotFound(c.ID)
	}
	if stored.Status.IsTerminal() {
		return appErrors.NewConflict(c.ID, string(stored.Status), "update")
	}
	in := c.Clone()
	stored.Name = in.Name
	stored.Audience = in.Audience
	stored.Channels = in.Channels
	stored.Content = in.Content
	stored.Schedule = in.Schedule
	stored.NextFireAt = in.NextFireAt
	stored.UpdatedAt = in.UpdatedAt
	return nil
}

func (r *MemoryCampaignRepository) UpdateStatus(_ context.Context, id string, from, to model.CampaignStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok || c.Status != from {
		return false, nil
	}
	c.Status = to
	c.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *MemoryCampaignRepository) AdvanceCycle(_ context.Context, id string, fromCycle int, next time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok || c.Cycle != fromCycle || c.Status != model.StatusActive {
		return false, nil
	}
	c.Cycle++
	c.NextFireAt = &next
	c.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *MemoryCampaignRepository) MarkFired(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.campaigns[id]; ok {
		c.LastFiredAt = &at
	}
	return nil
}

func (r *MemoryCampaignRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	delete(r.campaigns, id)
	hook := r.OnDelete
	r.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	return nil
}

func (r *MemoryCampaignRepository) ListCampaigns(_ context.Context, f CampaignFilter) ([]*model.Campaign, int, error) {
	r.mu.RLock()
	var filtered []*model.Campaign
	for _, c := range r.campaigns {
		if f.StoreID != "" && c.StoreID != f.StoreID {
			continue
		}
		if f.Status != "" && string(c.Status) != f.Status {
			continue
		}
		if f.Channel != "" && !hasChannel(c.Channels, model.Channel(f.Channel)) {
			continue
		}
		filtered = append(filtered, c.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(filtered, func(i, j int) bool {
		if !filtered[i].CreatedAt.Equal(filtered[j].CreatedAt) {
			return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
		}
		return filtered[i].ID > filtered[j].ID
	})
	total := len(filtered)
	return page(filtered, f.Offset, f.Limit), total, nil
}

func (r *MemoryCampaignRepository) ListDue(_ context.Context, now time.Time, limit int) ([]*model.Campaign, error) {
	r.mu.RLock()
	var due []*model.Campaign
	for _, c := range r.campaigns {
		if c.Due(now) {
			due = append(due, c.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(due, func(i, j int) bool { return due[i].NextFireAt.Before(*due[j].NextFireAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func hasChannel(list []model.Channel, ch model.Channel) bool {
	for _, c := range list {
		if c == ch {
			return true
		}
	}
	return false
}

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset > len(items) {
		return []T{}
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return append([]T{}, items[offset:end]...)
}

type MemoryDispatchRepository struct {
	mu    sync.RWMutex
	seq   int64
	byID  map[string]*model.RecipientDispatch
	order map[string]int64
}

func NewMemoryDispatchRepository() *MemoryDispatchRepository {
	return &MemoryDispatchRepository{
		byID:  make(map[string]*model.RecipientDispatch),
		order: make(map[string]int64),
	}
}

func copyDispatch(d *model.RecipientDispatch) *model.RecipientDispatch {
	out := *d
	if d.Vars != nil {
		out.Vars = make(map[string]string, len(d.Vars))
		for k, v := range d.Vars {
			out.Vars[k] = v
		}
	}
	if d.SentAt != nil {
		t := *d.SentAt
		out.SentAt = &t
	}
	return &out
}

func (r *MemoryDispatchRepository) CreatePending(_ context.Context, d *model.RecipientDispatch) (*model.RecipientDispatch, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.byID {
		if existing.CampaignID == d.CampaignID && existing.Cycle == d.Cycle &&
			existing.CustomerID == d.CustomerID && existing.Channel == d.Channel {
			return copyDispatch(existing), false, nil
		}
	}
	stored := copyDispatch(d)
	stored.Status = model.DeliveryPending
	stored.UpdatedAt = stored.CreatedAt
	r.seq++
	r.byID[stored.ID] = stored
	r.order[stored.ID] = r.seq
	return copyDispatch(stored), true, nil
}

// sorted must be called with r.mu held.
func (r *MemoryDispatchRepository) sorted(match func(*model.RecipientDispatch) bool) []*model.RecipientDispatch {
	list := []*model.RecipientDispatch{}
	for _, d := range r.byID {
		if match(d) {
			list = append(list, copyDispatch(d))
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Cycle != list[j].Cycle {
			return list[i].Cycle > list[j].Cycle
		}
		return r.order[list[i].ID] < r.order[list[j].ID]
	})
	return list
}

func (r *MemoryDispatchRepository) ListByCampaign(_ context.Context, campaignID string, cycle int) ([]*model.RecipientDispatch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sorted(func(d *model.RecipientDispatch) bool {
		return d.CampaignID == campaignID && d.Cycle == cycle
	}), nil
}

func (r *MemoryDispatchRepository) ListPage(_ context.Context, campaignID string, offset, limit int) ([]*model.RecipientDispatch, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.sorted(func(d *model.RecipientDispatch) bool { return d.CampaignID == campaignID })
	return page(all, offset, limit), len(all), nil
}

func (r *MemoryDispatchRepository) Advance(_ context.Context, id string, from model.DeliveryStatus, upd model.DispatchUpdate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byID[id]
	if !ok || d.Status != from {
		return false, nil
	}
	d.Status = upd.Status
	if upd.ProviderRef != "" {
		d.ProviderRef = upd.ProviderRef
	}
	d.Error = upd.Error
	if upd.SentAt != nil {
		t := *upd.SentAt
		d.SentAt = &t
	}
	d.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *MemoryDispatchRepository) GetByProviderRef(_ context.Context, ref string) (*model.RecipientDispatch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.byID {
		if ref != "" && d.ProviderRef == ref {
			return copyDispatch(d), nil
		}
	}
	return nil, nil
}

func (r *MemoryDispatchRepository) SetProviderStatus(_ context.Context, id, providerStatus string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.byID[id]; ok {
		d.ProviderStatus = providerStatus
		d.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (r *MemoryDispatchRepository) Stats(_ context.Context, campaignID string, cycle int) (map[string]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := newStats()
	for _, d := range r.byID {
		if d.CampaignID == campaignID && d.Cycle == cycle {
			stats[string(d.Status)]++
			stats["total"]++
		}
	}
	return stats, nil
}

func (r *MemoryDispatchRepository) DeleteByCampaign(_ context.Context, campaignID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, d := range r.byID {
		if d.CampaignID == campaignID {
			delete(r.byID, id)
			delete(r.order, id)
		}
	}
	return nil
}

type MemoryNotificationRepository struct {
	mu    sync.RWMutex
	items []*model.NotificationEvent
}

func NewMemoryNotificationRepository() *MemoryNotificationRepository {
	return &MemoryNotificationRepository{}
}

func (r *MemoryNotificationRepository) Insert(_ context.Context, n *model.NotificationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.items {
		if existing.ID == n.ID {
			return nil
		}
	}
	cp := *n
	r.items = append(r.items, &cp)
	return nil
}

func (r *MemoryNotificationRepository) ListByScope(_ context.Context, scope string, offset, limit int) ([]*model.NotificationEvent, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var list []*model.NotificationEvent
	// newest first
	for i := len(r.items) - 1; i >= 0; i-- {
		if r.items[i].Scope == scope {
			cp := *r.items[i]
			list = append(list, &cp)
		}
	}
	return page(list, offset, limit), len(list), nil
}

func (r *MemoryNotificationRepository) MarkRead(_ context.Context, scope string, ids []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := toSet(ids)
	var changed []string
	for _, n := range r.items {
		if n.Scope == scope && want[n.ID] && !n.Read {
			n.Read = true
			changed = append(changed, n.ID)
		}
	}
	return changed, nil
}

func (r *MemoryNotificationRepository) Delete(_ context.Context, scope string, ids []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := toSet(ids)
	var removed []string
	kept := r.items[:0]
	for _, n := range r.items {
		if n.Scope == scope && want[n.ID] {
			removed = append(removed, n.ID)
			continue
		}
		kept = append(kept, n)
	}
	r.items = kept
	return removed, nil
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

type MemoryCartRepository struct {
	mu    sync.RWMutex
	carts map[string]map[string]model.AbandonedCart
}

func NewMemoryCartRepository() *MemoryCartRepository {
	return &MemoryCartRepository{carts: make(map[string]map[string]model.AbandonedCart)}
}

func (r *MemoryCartRepository) Upsert(_ context.Context, c *model.AbandonedCart) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	store := r.carts[c.StoreID]
	if store == nil {
		store = make(map[string]model.AbandonedCart)
		r.carts[c.StoreID] = store
	}
	cp := *c
	cp.Items = append([]model.CartItem(nil), c.Items...)
	store[c.CustomerID] = cp
	return nil
}

func (r *MemoryCartRepository) Get(_ context.Context, storeID, customerID string) (*model.AbandonedCart, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.carts[storeID][customerID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r *MemoryCartRepository) List(_ context.Context, storeID string, f model.CartFilter) ([]model.AbandonedCart, int, error) {
	r.mu.RLock()
	var list []model.AbandonedCart
	for _, c := range r.carts[storeID] {
		if f.Matches(c) {
			list = append(list, c)
		}
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if !list[i].AbandonedAt.Equal(list[j].AbandonedAt) {
			return list[i].AbandonedAt.After(list[j].AbandonedAt)
		}
		return list[i].CustomerID < list[j].CustomerID
	})
	return page(list, f.Offset, f.Limit), len(list), nil
}

var (
	_ CampaignRepositoryInterface     = (*MemoryCampaignRepository)(nil)
	_ DispatchRepositoryInterface     = (*MemoryDispatchRepository)(nil)
	_ NotificationRepositoryInterface = (*MemoryNotificationRepository)(nil)
	_ CartRepositoryInterface         = (*MemoryCartRepository)(nil)
)
