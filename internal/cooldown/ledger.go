package cooldown

import (
	"context"
	"sync"
	"time"

	appErrors "github.com/unclebandit/cartrecovery-backend/internal/errors"
	"github.com/unclebandit/cartrecovery-backend/internal/model"
)

// DefaultWindow is how long a channel stays blocked after a successful send.
const DefaultWindow = 24 * time.Hour

// pruneEvery is how many Begin/Finish calls pass between sweeps of expired entries.
const pruneEvery = 1024

// Ledger is the admission control for sends. Begin and Finish bracket one attempt: Begin
// atomically checks the window and marks the key as sending, Finish clears the mark and,
// on success only, starts a new cooldown.
type Ledger interface {
	MayDispatch(ctx context.Context, customerID string, ch model.Channel, now time.Time) (bool, error)
	RecordDispatch(ctx context.Context, customerID string, ch model.Channel, at time.Time) error
	Remaining(ctx context.Context, customerID string, ch model.Channel, now time.Time) (time.Duration, error)
	Begin(ctx context.Context, customerID string, ch model.Channel, now time.Time) error
	Finish(ctx context.Context, customerID string, ch model.Channel, success bool, at time.Time) error
}

// remaining is max(0, window - (now - last)).
func remaining(window time.Duration, last, now time.Time) time.Duration {
	if last.IsZero() {
		return 0
	}
	left := window - now.Sub(last)
	if left < 0 {
		return 0
	}
	return left
}

type key struct {
	customerID string
	channel    model.Channel
}

type entry struct {
	lastSent time.Time
	sending  bool
}

// MemoryLedger keeps cooldowns in process memory.
type MemoryLedger struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[key]*entry
	ops     int
}

func NewMemoryLedger(window time.Duration) *MemoryLedger {
	if window <= 0 {
		window = DefaultWindow
	}
	return &MemoryLedger{window: window, entries: make(map[key]*entry)}
}

func (l *MemoryLedger) MayDispatch(_ context.Context, customerID string, ch model.Channel, now time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[key{customerID, ch}]
	if e == nil {
		return true, nil
	}
	return !e.sending && remaining(l.window, e.lastSent, now) == 0, nil
}

func (l *MemoryLedger) RecordDispatch(_ context.Context, customerID string, ch model.Channel, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entry(customerID, ch).lastSent = at
	return nil
}

func (l *MemoryLedger) Remaining(_ context.Context, customerID string, ch model.Channel, now time.Time) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[key{customerID, ch}]
	if e == nil {
		return 0, nil
	}
	return remaining(l.window, e.lastSent, now), nil
}

func (l *MemoryLedger) Begin(_ context.Context, customerID string, ch model.Channel, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entry(customerID, ch)
	if e.sending {
		return appErrors.NewCooldownBlocked(customerID, string(ch), remaining(l.window, e.lastSent, now), true)
	}
	if left := remaining(l.window, e.lastSent, now); left > 0 {
		return appErrors.NewCooldownBlocked(customerID, string(ch), left, false)
	}
	e.sending = true
	l.tick(now)
	return nil
}

func (l *MemoryLedger) Finish(_ context.Context, customerID string, ch model.Channel, success bool, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key{customerID, ch}
	e := l.entry(customerID, ch)
	e.sending = false
	if success {
		e.lastSent = at
	} else if e.lastSent.IsZero() {
		delete(l.entries, k)
	}
	l.tick(at)
	return nil
}

// Prune drops entries that are neither sending nor inside their window and returns how
// many it removed.
func (l *MemoryLedger) Prune(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.prune(now)
}

// Len reports how many keys the ledger currently tracks.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// tick must be called with l.mu held.
func (l *MemoryLedger) tick(now time.Time) {
	l.ops++
	if l.ops >= pruneEvery {
		l.ops = 0
		l.prune(now)
	}
}

// prune must be called with l.mu held.
func (l *MemoryLedger) prune(now time.Time) int {
	n := 0
	for k, e := range l.entries {
		if !e.sending && remaining(l.window, e.lastSent, now) == 0 {
			delete(l.entries, k)
			n++
		}
	}
	return n
}

// entry must be called with l.mu held.
func (l *MemoryLedger) entry(customerID string, ch model.Channel) *entry {
	k := key{customerID, ch}
	e := l.entries[k]
	if e == nil {
		e = &entry{}
		l.entries[k] = e
	}
	return e
}

var _ Ledger = (*MemoryLedger)(nil)
