package subscriber

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/cartrecovery-backend/internal/logger"
	"github.com/unclebandit/cartrecovery-backend/internal/model"
)

// Stream is a live push connection.
type Stream interface {
	Recv() (model.NotificationEvent, error)
	Close() error
}

// Dialer opens a push stream for scope. An empty sessionID asks the server for a new
// session; the returned id is the one to resume with next time.
type Dialer interface {
	Dial(ctx context.Context, scope, sessionID string) (Stream, string, error)
}

// Poller fetches the newest page of notifications for scope.
type Poller interface {
	Poll(ctx context.Context, scope string) ([]model.NotificationEvent, error)
}

// Options tune reconnection. Zero values fall back to the defaults below; a negative
// Jitter disables randomization.
type Options struct {
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	Jitter             float64
	FailuresBeforePoll int
	PollInterval       time.Duration
	UpgradeInterval    time.Duration

	// HealthyAfter is how long a stream must stay up before the failure count and the
	// backoff start over.
	HealthyAfter time.Duration
}

func (o Options) withDefaults() Options {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	switch {
	case o.Jitter == 0:
		o.Jitter = 0.5
	case o.Jitter < 0:
		o.Jitter = 0
	}
	if o.FailuresBeforePoll <= 0 {
		o.FailuresBeforePoll = 5
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 15 * time.Second
	}
	if o.UpgradeInterval <= 0 {
		o.UpgradeInterval = time.Minute
	}
	if o.HealthyAfter <= 0 {
		o.HealthyAfter = 10 * time.Second
	}
	return o
}

// Client keeps a View in sync with the server, over the push stream when it can and by
// polling when the stream keeps failing.
type Client struct {
	Scope  string
	Dialer Dialer
	Poller Poller
	View   *View

	// OnTransition, when set, is called after every state change.
	OnTransition func(from, to ConnState)

	opts Options
	log  *logrus.Entry

	mu        sync.Mutex
	state     ConnState
	sessionID string
	failures  int
	bo        *backoff.ExponentialBackOff
}

func NewClient(scope string, d Dialer, p Poller, opts Options) *Client {
	opts = opts.withDefaults()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.InitialBackoff
	bo.MaxInterval = opts.MaxBackoff
	bo.RandomizationFactor = opts.Jitter
	return &Client{
		Scope:  scope,
		Dialer: d,
		Poller: p,
		View:   NewView(0),
		opts:   opts,
		log:    logger.WithModule("subscriber").WithField("scope", scope),
		bo:     bo,
	}
}

func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) transition(to ConnState) error {
	c.mu.Lock()
	from := c.state
	if !CanTransition(from, to) {
		c.mu.Unlock()
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	c.state = to
	if to == DegradedPolling {
		c.log.WithField("failures", c.failures).Warn("push unavailable, falling back to polling")
	}
	hook := c.OnTransition
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Debug("state change")
	if hook != nil {
		hook(from, to)
	}
	return nil
}

// Run drives the state machine until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			if c.State() != Disconnected {
				_ = c.transition(Disconnected)
			}
			return err
		}

		var err error
		switch c.State() {
		case Disconnected:
			err = c.transition(Connecting)
		case Connecting:
			err = c.connect(ctx)
		case DegradedPolling:
			err = c.poll(ctx)
		default:
			err = fmt.Errorf("unexpected state %s", c.State())
		}
		if err != nil && ctx.Err() == nil {
			return err
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	stream, sid, err := c.Dialer.Dial(ctx, c.Scope, c.SessionID())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.mu.Lock()
		c.failures++
		failures := c.failures
		wait := c.bo.NextBackOff()
		c.mu.Unlock()

		c.log.WithError(err).WithField("failures", failures).Info("dial failed")
		if failures >= c.opts.FailuresBeforePoll {
			return c.transition(DegradedPolling)
		}
		if err := c.transition(Disconnected); err != nil {
			return err
		}
		return sleep(ctx, wait)
	}

	c.mu.Lock()
	c.sessionID = sid
	c.mu.Unlock()
	if err := c.transition(Connected); err != nil {
		_ = stream.Close()
		return err
	}
	connectedAt := time.Now()
	c.receive(ctx, stream)
	if err := c.transition(Disconnected); err != nil || ctx.Err() != nil {
		return err
	}

	// A stream that drops soon after the dial counts as a failed attempt, so a server
	// that accepts and then hangs up is redialed with backoff.
	c.mu.Lock()
	if time.Since(connectedAt) >= c.opts.HealthyAfter {
		c.failures = 0
		c.bo.Reset()
	} else {
		c.failures++
	}
	wait := c.bo.NextBackOff()
	c.mu.Unlock()
	return sleep(ctx, wait)
}

func (c *Client) receive(ctx context.Context, stream Stream) {
	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stop()
	defer stream.Close()

	for {
		ev, err := stream.Recv()
		if err != nil {
			if ctx.Err() == nil {
				c.log.WithError(err).Info("stream closed")
			}
			return
		}
		c.View.Apply(ev)
	}
}

// poll refreshes the view every PollInterval and leaves for Connecting once
// UpgradeInterval has passed.
func (c *Client) poll(ctx context.Context) error {
	upgrade := time.NewTimer(c.opts.UpgradeInterval)
	defer upgrade.Stop()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	c.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.pollOnce(ctx)
		case <-upgrade.C:
			return c.transition(Connecting)
		}
	}
}

func (c *Client) pollOnce(ctx context.Context) {
	if c.Poller == nil {
		return
	}
	page, err := c.Poller.Poll(ctx, c.Scope)
	if err != nil {
		if ctx.Err() == nil {
			c.log.WithError(err).Warn("poll failed")
		}
		return
	}
	c.View.Reconcile(page)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
