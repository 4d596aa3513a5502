package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/cartrecovery-backend/internal/logger"
	"github.com/unclebandit/cartrecovery-backend/internal/model"
)

// Options tunes a Hub. Zero values fall back to defaults.
type Options struct {
	DedupWindow  int           // seen ids remembered per session
	ReplayWindow int           // recent events kept per room for reattaching sessions
	IdleTTL      time.Duration // how long a detached session is kept for resumption
	SendBuffer   int           // events queued per connection before it is dropped as too slow
}

type room struct {
	scope    string
	sessions map[string]*Session
	recent   []model.NotificationEvent
}

// Hub fans notification events out to the sessions joined to each scope.
type Hub struct {
	opts Options
	now  func() time.Time

	mu       sync.Mutex
	rooms    map[string]*room
	sessions map[string]*Session
}

func NewHub(opts Options) *Hub {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 512
	}
	if opts.ReplayWindow < 0 {
		opts.ReplayWindow = 0
	} else if opts.ReplayWindow == 0 {
		opts.ReplayWindow = 50
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 10 * time.Minute
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	// a reattaching session gets the replay plus a connection test in one go
	if opts.SendBuffer < opts.ReplayWindow+1 {
		opts.SendBuffer = opts.ReplayWindow + 1
	}
	return &Hub{
		opts:     opts,
		now:      time.Now,
		rooms:    make(map[string]*room),
		sessions: make(map[string]*Session),
	}
}

// room must be called with h.mu held.
func (h *Hub) room(scope string) *room {
	r, ok := h.rooms[scope]
	if !ok {
		r = &room{scope: scope, sessions: make(map[string]*Session)}
		h.rooms[scope] = r
	}
	return r
}

// Join registers sessionID in scope, resuming the session if it is known. An empty
// sessionID starts a new session. Nothing is delivered until Connect.
func (h *Hub) Join(scope, sessionID string) *Session {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[sessionID]
	if !ok {
		s = newSession(sessionID, scope, h.opts.DedupWindow, h.opts.SendBuffer, func() time.Time { return h.now() })
		h.sessions[sessionID] = s
	} else if prev := s.Scope(); prev != scope {
		if r := h.rooms[prev]; r != nil {
			delete(r.sessions, sessionID)
		}
		s.mu.Lock()
		s.scope = scope
		s.mu.Unlock()
	}
	h.room(scope).sessions[sessionID] = s

	logger.WithModule("broadcast").WithFields(map[string]interface{}{
		"scope":   scope,
		"session": sessionID,
		"resumed": ok,
	}).Debug("session joined")
	return s
}

// Connect attaches sink to s, replays the room's recent events through the session's
// de-duplication and then offers a connection test.
func (h *Hub) Connect(s *Session, sink Sink) {
	now := h.now()
	scope := s.Scope()

	h.mu.Lock()
	replay := append([]model.NotificationEvent(nil), h.room(scope).recent...)
	h.mu.Unlock()

	s.attach(sink, now)
	for _, ev := range replay {
		s.deliver(ev)
	}
	s.deliver(model.NotificationEvent{
		ID:        uuid.NewString(),
		Type:      model.EventConnectionTest,
		Scope:     scope,
		CreatedAt: now.UTC(),
	})
}

// Attach is Join followed by Connect.
func (h *Hub) Attach(scope, sessionID string, sink Sink) *Session {
	s := h.Join(scope, sessionID)
	h.Connect(s, sink)
	return s
}

// Detach unhooks sink from its session. The session stays resumable until reaped.
func (h *Hub) Detach(s *Session, sink Sink) {
	s.detach(sink, h.now())
}

// Publish queues ev for every attached session in its scope and returns how many
// sessions accepted it. It does not wait for the sessions' connections.
func (h *Hub) Publish(ev model.NotificationEvent) int {
	h.mu.Lock()
	r := h.room(ev.Scope)
	if ev.Type != model.EventConnectionTest && h.opts.ReplayWindow > 0 {
		r.recent = append(r.recent, ev)
		if len(r.recent) > h.opts.ReplayWindow {
			r.recent = r.recent[len(r.recent)-h.opts.ReplayWindow:]
		}
	}
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	delivered := 0
	for _, s := range targets {
		if s.deliver(ev) {
			delivered++
		}
	}
	return delivered
}

// Reap drops sessions that have been detached for longer than the idle TTL.
func (h *Hub) Reap() int {
	cutoff := h.now().Add(-h.opts.IdleTTL)
	h.mu.Lock()
	defer h.mu.Unlock()

	reaped := 0
	for id, s := range h.sessions {
		since, detached := s.idleSince()
		if !detached || since.After(cutoff) {
			continue
		}
		delete(h.sessions, id)
		if r := h.rooms[s.Scope()]; r != nil {
			delete(r.sessions, id)
			if len(r.sessions) == 0 && len(r.recent) == 0 {
				delete(h.rooms, r.scope)
			}
		}
		reaped++
	}
	return reaped
}

// Run reaps idle sessions every interval until ctx is done.
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := h.Reap(); n > 0 {
				logger.WithModule("broadcast").WithField("sessions", n).Debug("reaped idle sessions")
			}
		}
	}
}

// flush waits for every attached session to write what it has queued.
func (h *Hub) flush() {
	h.mu.Lock()
	all := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.mu.Unlock()
	for _, s := range all {
		s.flush()
	}
}

// Sessions reports the number of known sessions, attached or not.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}
