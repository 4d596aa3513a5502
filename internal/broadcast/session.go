package broadcast

import (
	"io"
	"sync"
	"time"

	"github.com/unclebandit/cartrecovery-backend/internal/logger"
	"github.com/unclebandit/cartrecovery-backend/internal/model"
)

// Sink is where a session's events end up, typically one websocket connection. Sinks are
// compared by identity on detach, so implementations should be pointer types. A sink that
// also implements io.Closer is closed when it falls too far behind.
type Sink interface {
	Deliver(ev model.NotificationEvent) error
}

// outItem is either an event or a barrier closed once everything queued before it is written.
type outItem struct {
	ev      model.NotificationEvent
	barrier chan struct{}
}

// outbox decouples a session from its sink: events are queued and written by one goroutine.
type outbox struct {
	sink Sink
	ch   chan outItem
	done chan struct{}
}

// Session is one subscriber identity. It outlives individual connections: a client that
// reconnects with the same session id gets the same seen-set back.
type Session struct {
	ID    string
	scope string
	now   func() time.Time

	mu            sync.Mutex
	window        int
	buffer        int
	seen          map[string]struct{}
	seenOrder     []string
	testDelivered bool
	out           *outbox
	lastActive    time.Time
}

func newSession(id, scope string, window, buffer int, now func() time.Time) *Session {
	return &Session{
		ID:         id,
		scope:      scope,
		now:        now,
		window:     window,
		buffer:     buffer,
		seen:       make(map[string]struct{}),
		lastActive: now(),
	}
}

func (s *Session) Scope() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope
}

// admit decides whether ev should reach the client. Must be called with s.mu held.
func (s *Session) admit(ev model.NotificationEvent) bool {
	switch ev.Type {
	case model.EventConnectionTest:
		if s.testDelivered {
			return false
		}
		s.testDelivered = true
		return true
	case model.EventRead, model.EventDelete:
		return true
	}

	if _, dup := s.seen[ev.ID]; dup {
		return false
	}
	s.seen[ev.ID] = struct{}{}
	s.seenOrder = append(s.seenOrder, ev.ID)
	if s.window > 0 && len(s.seenOrder) > s.window {
		evict := s.seenOrder[0]
		s.seenOrder = s.seenOrder[1:]
		delete(s.seen, evict)
	}
	return true
}

// forget undoes admit for an event that never reached the client. Must be called with
// s.mu held.
func (s *Session) forget(ev model.NotificationEvent) {
	switch ev.Type {
	case model.EventConnectionTest:
		s.testDelivered = false
	case model.EventRead, model.EventDelete:
	default:
		delete(s.seen, ev.ID)
	}
}

// deliver filters ev through the session and queues it for the attached sink. It never
// blocks on the sink: a session whose queue is full is detached and its sink closed, and
// the client catches up through replay when it reconnects.
func (s *Session) deliver(ev model.NotificationEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return false
	}
	if !s.admit(ev) {
		return false
	}
	select {
	case s.out.ch <- outItem{ev: ev}:
		return true
	default:
	}

	s.forget(ev)
	logger.WithModule("broadcast").WithFields(map[string]interface{}{
		"session": s.ID,
		"queued":  s.buffer,
	}).Warn("subscriber too slow, dropping connection")
	s.drop(s.out)
	return false
}

// drop detaches o and closes its sink. Must be called with s.mu held.
func (s *Session) drop(o *outbox) {
	if s.out != o {
		return
	}
	s.out = nil
	s.lastActive = s.now()
	s.stop(o)
	if c, ok := o.sink.(io.Closer); ok {
		// Close may wait for a stuck write to time out
		go func() { _ = c.Close() }()
	}
}

// stop ends o's writer and un-sees whatever it had not written yet. Must be called with
// s.mu held.
func (s *Session) stop(o *outbox) {
	close(o.done)
	for {
		select {
		case it := <-o.ch:
			if it.barrier != nil {
				close(it.barrier)
				continue
			}
			s.forget(it.ev)
		default:
			return
		}
	}
}

func (s *Session) write(o *outbox) {
	for {
		select {
		case <-o.done:
			return
		case it := <-o.ch:
			if it.barrier != nil {
				close(it.barrier)
				continue
			}
			if err := o.sink.Deliver(it.ev); err != nil {
				s.mu.Lock()
				s.forget(it.ev)
				s.drop(o)
				s.mu.Unlock()
				return
			}
		}
	}
}

func (s *Session) attach(sink Sink, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out != nil {
		s.stop(s.out)
	}
	o := &outbox{sink: sink, ch: make(chan outItem, s.buffer), done: make(chan struct{})}
	s.out = o
	s.lastActive = now
	go s.write(o)
}

// detach clears sink only if it is still the current one, so a stale connection closing
// late does not unhook its replacement.
func (s *Session) detach(sink Sink, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil || s.out.sink != sink {
		return false
	}
	s.stop(s.out)
	s.out = nil
	s.lastActive = now
	return true
}

// flush waits until everything queued so far has been written or dropped.
func (s *Session) flush() {
	s.mu.Lock()
	o := s.out
	s.mu.Unlock()
	if o == nil {
		return
	}
	b := make(chan struct{})
	select {
	case o.ch <- outItem{barrier: b}:
	case <-o.done:
		return
	}
	select {
	case <-b:
	case <-o.done:
	}
}

func (s *Session) idleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive, s.out == nil
}
