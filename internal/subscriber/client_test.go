package subscriber

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/cartrecovery-backend/internal/broadcast"
	"github.com/unclebandit/cartrecovery-backend/internal/model"
)

type fakeStream struct {
	events chan model.NotificationEvent
	once   sync.Once
}

func newFakeStream(evs ...model.NotificationEvent) *fakeStream {
	s := &fakeStream{events: make(chan model.NotificationEvent, len(evs))}
	for _, ev := range evs {
		s.events <- ev
	}
	return s
}

func (s *fakeStream) Recv() (model.NotificationEvent, error) {
	ev, ok := <-s.events
	if !ok {
		return model.NotificationEvent{}, io.EOF
	}
	return ev, nil
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.events) })
	return nil
}

// fakeDialer fails the first failN dials, then hands out stream.
type fakeDialer struct {
	mu       sync.Mutex
	failN    int
	calls    int
	sessions []string
	stream   *fakeStream
}

func (d *fakeDialer) Dial(_ context.Context, _, sessionID string) (Stream, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.sessions = append(d.sessions, sessionID)
	if d.calls <= d.failN {
		return nil, "", errors.New("connection refused")
	}
	return d.stream, "sess-1", nil
}

type fakePoller struct {
	mu    sync.Mutex
	polls int
	page  []model.NotificationEvent
}

func (p *fakePoller) Poll(context.Context, string) ([]model.NotificationEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
	return p.page, nil
}

func (p *fakePoller) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls
}

type transitions struct {
	mu  sync.Mutex
	seq []ConnState
}

func (tr *transitions) record(_, to ConnState) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.seq = append(tr.seq, to)
}

func (tr *transitions) has(s ConnState) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, x := range tr.seq {
		if x == s {
			return true
		}
	}
	return false
}

func fastOptions() Options {
	return Options{
		InitialBackoff:     time.Millisecond,
		MaxBackoff:         2 * time.Millisecond,
		Jitter:             -1,
		FailuresBeforePoll: 3,
		PollInterval:       5 * time.Millisecond,
		UpgradeInterval:    40 * time.Millisecond,
	}
}

func TestClientDegradesToPollingThenUpgrades(t *testing.T) {
	stream := newFakeStream(newEvent("pushed", time.Minute))
	dialer := &fakeDialer{failN: 3, stream: stream}
	poller := &fakePoller{page: []model.NotificationEvent{newEvent("polled", 0)}}

	c := NewClient("store-1", dialer, poller, fastOptions())
	tr := &transitions{}
	c.OnTransition = tr.record

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.State() == Connected }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(c.View.Items()) == 2 }, time.Second, time.Millisecond)

	assert.True(t, tr.has(DegradedPolling))
	assert.GreaterOrEqual(t, poller.count(), 1)
	assert.Equal(t, []string{"pushed", "polled"}, ids(c.View.Items()))
	assert.Equal(t, "sess-1", c.SessionID())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
	assert.Equal(t, Disconnected, c.State())
}

func TestClientResumesSession(t *testing.T) {
	first := newFakeStream(newEvent("a", 0))
	dialer := &fakeDialer{stream: first}
	c := NewClient("store-1", dialer, nil, fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(c.View.Items()) == 1 }, time.Second, time.Millisecond)

	dialer.mu.Lock()
	dialer.stream = newFakeStream()
	dialer.mu.Unlock()
	_ = first.Close()

	require.Eventually(t, func() bool {
		dialer.mu.Lock()
		defer dialer.mu.Unlock()
		return len(dialer.sessions) >= 2
	}, time.Second, time.Millisecond)

	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	assert.Equal(t, "", dialer.sessions[0])
	assert.Equal(t, "sess-1", dialer.sessions[1])
}

// hangupDialer accepts every dial and hands out a stream that is already closed.
type hangupDialer struct {
	mu    sync.Mutex
	calls int
}

func (d *hangupDialer) Dial(context.Context, string, string) (Stream, string, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	s := newFakeStream()
	_ = s.Close()
	return s, "sess-1", nil
}

func (d *hangupDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func TestClientBacksOffWhenStreamDropsRightAway(t *testing.T) {
	dialer := &hangupDialer{}
	c := NewClient("store-1", dialer, nil, Options{
		InitialBackoff:     20 * time.Millisecond,
		MaxBackoff:         40 * time.Millisecond,
		Jitter:             -1,
		FailuresBeforePoll: 100,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := c.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// 20ms then 30ms then 40ms waits allow about six dials in 200ms
	assert.GreaterOrEqual(t, dialer.count(), 2)
	assert.LessOrEqual(t, dialer.count(), 10)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	c := NewClient("s", &fakeDialer{}, nil, Options{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond, Jitter: -1})

	var waits []time.Duration
	for i := 0; i < 5; i++ {
		waits = append(waits, c.bo.NextBackOff())
	}
	assert.Equal(t, 100*time.Millisecond, waits[0])
	assert.Equal(t, 150*time.Millisecond, waits[1])
	assert.Equal(t, 300*time.Millisecond, waits[4])
}

func TestWSDialerAgainstHub(t *testing.T) {
	hub := broadcast.NewHub(broadcast.Options{})
	srv := httptest.NewServer(broadcast.Handler(hub))
	defer srv.Close()

	c := NewClient("store-1", WSDialer{BaseURL: srv.URL}, nil, fastOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.View.TestReceived() }, 2*time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, c.SessionID())

	hub.Publish(newEvent("n1", 0))
	require.Eventually(t, func() bool { return len(c.View.Items()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestHTTPPoller(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/notifications", r.URL.Path)
		assert.Equal(t, "store-1", r.URL.Query().Get("scope"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"id":"n1","type":"new","scope":"store-1","read":false,"created_at":"2026-05-01T12:00:00Z"}],"pagination":{"page":1}}`))
	}))
	defer srv.Close()

	page, err := HTTPPoller{BaseURL: srv.URL}.Poll(context.Background(), "store-1")
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "n1", page[0].ID)
}
