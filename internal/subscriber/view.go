package subscriber

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/unclebandit/cartrecovery-backend/internal/model"
)

// Item is one notification as the client shows it.
type Item struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Read      bool            `json:"read"`
	CreatedAt time.Time       `json:"created_at"`
}

// View is the client's local notification list, newest first.
type View struct {
	mu        sync.Mutex
	items     []Item
	seen      map[string]struct{}
	seenOrder []string
	window    int
	testSeen  bool
}

func NewView(window int) *View {
	if window <= 0 {
		window = 1000
	}
	return &View{seen: make(map[string]struct{}), window: window}
}

// Apply folds ev into the view and reports whether anything visible changed. A new event
// whose id was already seen is ignored even if the item has since been deleted.
func (v *View) Apply(ev model.NotificationEvent) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch ev.Type {
	case model.EventConnectionTest:
		if v.testSeen {
			return false
		}
		v.testSeen = true
		return true
	case model.EventRead:
		return v.markRead(ev.TargetIDs)
	case model.EventDelete:
		return v.remove(ev.TargetIDs)
	}

	if !v.remember(ev.ID) {
		return false
	}
	v.insert(Item{ID: ev.ID, Kind: ev.Kind, Payload: ev.Payload, Read: ev.Read, CreatedAt: ev.CreatedAt})
	return true
}

// Reconcile merges a polled first page (newest first) into the view. Local items inside the
// page's time range that the server no longer returns are dropped.
func (v *View) Reconcile(page []model.NotificationEvent) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(page) == 0 {
		return
	}
	oldest := page[len(page)-1].CreatedAt
	present := make(map[string]model.NotificationEvent, len(page))
	for _, ev := range page {
		present[ev.ID] = ev
	}

	kept := v.items[:0]
	for _, it := range v.items {
		ev, ok := present[it.ID]
		if !ok && !it.CreatedAt.Before(oldest) {
			continue
		}
		if ok && ev.Read {
			it.Read = true
		}
		kept = append(kept, it)
	}
	v.items = kept

	for _, ev := range page {
		if v.remember(ev.ID) {
			v.insert(Item{ID: ev.ID, Kind: ev.Kind, Payload: ev.Payload, Read: ev.Read, CreatedAt: ev.CreatedAt})
		}
	}
}

// remember records id and reports whether it was new. Must be called with v.mu held.
func (v *View) remember(id string) bool {
	if _, dup := v.seen[id]; dup {
		return false
	}
	v.seen[id] = struct{}{}
	v.seenOrder = append(v.seenOrder, id)
	if len(v.seenOrder) > v.window {
		delete(v.seen, v.seenOrder[0])
		v.seenOrder = v.seenOrder[1:]
	}
	return true
}

func (v *View) insert(it Item) {
	i := 0
	for i < len(v.items) && v.items[i].CreatedAt.After(it.CreatedAt) {
		i++
	}
	v.items = append(v.items, Item{})
	copy(v.items[i+1:], v.items[i:])
	v.items[i] = it
}

func (v *View) markRead(ids []string) bool {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	changed := false
	for i := range v.items {
		if want[v.items[i].ID] && !v.items[i].Read {
			v.items[i].Read = true
			changed = true
		}
	}
	return changed
}

func (v *View) remove(ids []string) bool {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	kept := v.items[:0]
	for _, it := range v.items {
		if !want[it.ID] {
			kept = append(kept, it)
		}
	}
	changed := len(kept) != len(v.items)
	v.items = kept
	return changed
}

func (v *View) Items() []Item {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Item(nil), v.items...)
}

func (v *View) Unread() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, it := range v.items {
		if !it.Read {
			n++
		}
	}
	return n
}

// TestReceived reports whether the connection test has been seen.
func (v *View) TestReceived() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.testSeen
}
