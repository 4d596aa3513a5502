package broadcast

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/cartrecovery-backend/internal/model"
	"github.com/unclebandit/cartrecovery-backend/internal/queue"
)

type recorder struct {
	mu     sync.Mutex
	events []model.NotificationEvent
}

func (r *recorder) Deliver(ev model.NotificationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) ofType(t model.EventType) []model.NotificationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.NotificationEvent
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newEvent(id string, t model.EventType, scope string) model.NotificationEvent {
	return model.NotificationEvent{ID: id, Type: t, Scope: scope}
}

func TestDuplicateNewEventDeliveredOnce(t *testing.T) {
	h := NewHub(Options{})
	rec := &recorder{}
	h.Attach("store:1", "sess-1", rec)

	h.Publish(newEvent("n1", model.EventNew, "store:1"))
	h.Publish(newEvent("n1", model.EventNew, "store:1"))
	h.flush()

	assert.Len(t, rec.ofType(model.EventNew), 1)
}

func TestEventsStayInTheirScope(t *testing.T) {
	h := NewHub(Options{})
	a, b := &recorder{}, &recorder{}
	h.Attach("store:1", "a", a)
	h.Attach("store:2", "b", b)

	assert.Equal(t, 1, h.Publish(newEvent("n1", model.EventNew, "store:1")))
	h.flush()
	assert.Len(t, a.ofType(model.EventNew), 1)
	assert.Empty(t, b.ofType(model.EventNew))
}

func TestConnectionTestOncePerSession(t *testing.T) {
	h := NewHub(Options{})
	first := &recorder{}
	s := h.Attach("store:1", "sess-1", first)
	h.flush()
	assert.Len(t, first.ofType(model.EventConnectionTest), 1)

	h.Detach(s, first)
	second := &recorder{}
	h.Attach("store:1", "sess-1", second)
	h.flush()
	assert.Empty(t, second.ofType(model.EventConnectionTest))

	// a fresh session gets its own
	other := &recorder{}
	h.Attach("store:1", "sess-2", other)
	h.flush()
	assert.Len(t, other.ofType(model.EventConnectionTest), 1)
}

func TestReconnectReplaysOnlyUnseen(t *testing.T) {
	h := NewHub(Options{ReplayWindow: 10})
	first := &recorder{}
	s := h.Attach("store:1", "sess-1", first)
	h.Publish(newEvent("n1", model.EventNew, "store:1"))
	h.flush()
	h.Detach(s, first)

	// published while the client was away
	h.Publish(newEvent("n2", model.EventNew, "store:1"))

	second := &recorder{}
	h.Attach("store:1", "sess-1", second)
	h.flush()
	got := second.ofType(model.EventNew)
	require.Len(t, got, 1)
	assert.Equal(t, "n2", got[0].ID)
}

func TestReadAndDeleteBypassDedup(t *testing.T) {
	h := NewHub(Options{})
	rec := &recorder{}
	h.Attach("store:1", "sess-1", rec)

	read := model.NotificationEvent{ID: "r1", Type: model.EventRead, Scope: "store:1", TargetIDs: []string{"n1"}}
	h.Publish(read)
	h.Publish(read)
	del := model.NotificationEvent{ID: "d1", Type: model.EventDelete, Scope: "store:1", TargetIDs: []string{"n1"}}
	h.Publish(del)
	h.Publish(del)
	h.flush()

	assert.Len(t, rec.ofType(model.EventRead), 2)
	assert.Len(t, rec.ofType(model.EventDelete), 2)
}

func TestDedupWindowIsBounded(t *testing.T) {
	h := NewHub(Options{DedupWindow: 2, ReplayWindow: -1})
	rec := &recorder{}
	h.Attach("store:1", "sess-1", rec)

	for _, id := range []string{"a", "b", "c"} {
		h.Publish(newEvent(id, model.EventNew, "store:1"))
	}
	// "a" fell out of the window
	h.Publish(newEvent("a", model.EventNew, "store:1"))
	h.Publish(newEvent("c", model.EventNew, "store:1"))
	h.flush()
	assert.Len(t, rec.ofType(model.EventNew), 4)
}

func TestStaleDetachKeepsNewerSink(t *testing.T) {
	h := NewHub(Options{})
	old, fresh := &recorder{}, &recorder{}
	s := h.Attach("store:1", "sess-1", old)
	h.Attach("store:1", "sess-1", fresh)
	h.Detach(s, old)

	h.Publish(newEvent("n1", model.EventNew, "store:1"))
	h.flush()
	assert.Len(t, fresh.ofType(model.EventNew), 1)
	assert.Empty(t, old.ofType(model.EventNew))
}

func TestReapIdleSessions(t *testing.T) {
	h := NewHub(Options{IdleTTL: time.Minute})
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return clock }

	rec := &recorder{}
	s := h.Attach("store:1", "sess-1", rec)
	h.Attach("store:1", "sess-2", &recorder{})
	h.Detach(s, rec)

	clock = clock.Add(2 * time.Minute)
	assert.Equal(t, 1, h.Reap())
	assert.Equal(t, 1, h.Sessions())

	// a reaped session starts over, connection test included
	again := &recorder{}
	h.Attach("store:1", "sess-1", again)
	h.flush()
	assert.Len(t, again.ofType(model.EventConnectionTest), 1)
}

func TestRelayFromQueue(t *testing.T) {
	h := NewHub(Options{})
	q := queue.NewInMemoryQueue()
	require.NoError(t, StartRelay(q, h))

	rec := &recorder{}
	h.Attach("store:1", "sess-1", rec)
	require.NoError(t, q.Publish(queue.TopicNotificationEvents, newEvent("n1", model.EventNew, "store:1")))
	require.NoError(t, q.Close())
	h.flush()

	assert.Len(t, rec.ofType(model.EventNew), 1)
}

// stuckSink blocks every write until it is closed, like a client that stopped reading.
type stuckSink struct {
	closed chan struct{}
	once   sync.Once
}

func newStuckSink() *stuckSink {
	return &stuckSink{closed: make(chan struct{})}
}

func (s *stuckSink) Deliver(model.NotificationEvent) error {
	<-s.closed
	return errors.New("connection closed")
}

func (s *stuckSink) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func TestSlowSessionDoesNotStallRoom(t *testing.T) {
	h := NewHub(Options{SendBuffer: 4, ReplayWindow: -1})
	stuck := newStuckSink()
	slow := h.Attach("store:1", "slow", stuck)
	healthy := &recorder{}
	hs := h.Attach("store:1", "healthy", healthy)

	published := make(chan struct{})
	go func() {
		defer close(published)
		for i := 0; i < 50; i++ {
			h.Publish(newEvent(fmt.Sprintf("n%d", i), model.EventNew, "store:1"))
			hs.flush()
		}
	}()
	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a stuck session")
	}

	assert.Len(t, healthy.ofType(model.EventNew), 50)

	// the stuck connection is dropped and closed, the session stays resumable
	select {
	case <-stuck.closed:
	case <-time.After(time.Second):
		t.Fatal("stuck sink was not closed")
	}
	_, detached := slow.idleSince()
	assert.True(t, detached)

	// events it never received are offered again on reconnect
	back := &recorder{}
	h.Attach("store:1", "slow", back)
	h.Publish(newEvent("n49", model.EventNew, "store:1"))
	h.flush()
	assert.Len(t, back.ofType(model.EventNew), 1)
}
