package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	appErrors "github.com/unclebandit/cartrecovery-backend/internal/errors"
	"github.com/unclebandit/cartrecovery-backend/internal/logger"
	"github.com/unclebandit/cartrecovery-backend/internal/model"
)

// DefaultTimeout bounds one provider call.
const DefaultTimeout = 10 * time.Second

// Rendered is a message whose placeholders have already been substituted.
type Rendered struct {
	Subject string
	Body    string
}

// Adapter sends one message through a provider and returns the provider's reference.
type Adapter interface {
	Send(ctx context.Context, to string, msg Rendered) (string, error)
}

// AdapterFunc lets a plain function act as an Adapter.
type AdapterFunc func(ctx context.Context, to string, msg Rendered) (string, error)

func (f AdapterFunc) Send(ctx context.Context, to string, msg Rendered) (string, error) {
	return f(ctx, to, msg)
}

// Result is the outcome of one dispatch. Status is always DeliverySent or DeliveryFailed.
type Result struct {
	Status      model.DeliveryStatus
	ProviderRef string
	Err         error
}

func (r Result) OK() bool { return r.Status == model.DeliverySent }

// Dispatcher routes rendered messages to the adapter registered for their channel.
type Dispatcher struct {
	mu       sync.RWMutex
	adapters map[model.Channel]Adapter
	timeout  time.Duration
}

func NewDispatcher(timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{adapters: make(map[model.Channel]Adapter), timeout: timeout}
}

// Register installs a for ch, replacing any previous adapter.
func (d *Dispatcher) Register(ch model.Channel, a Adapter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adapters[ch] = a
}

func (d *Dispatcher) adapter(ch model.Channel) Adapter {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.adapters[ch]
}

type sendOutcome struct {
	ref string
	err error
}

// Dispatch sends msg to to over ch. Provider errors, timeouts and panics all come back as a
// failed Result wrapping a ProviderError; Dispatch itself never fails.
func (d *Dispatcher) Dispatch(ctx context.Context, ch model.Channel, to string, msg Rendered) Result {
	log := logger.WithModule("dispatch").WithField("channel", ch)

	a := d.adapter(ch)
	if a == nil {
		return failed(ch, fmt.Errorf("no adapter registered"))
	}
	if to == "" {
		return failed(ch, fmt.Errorf("recipient has no %s address", ch))
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan sendOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- sendOutcome{err: fmt.Errorf("adapter panic: %v", r)}
			}
		}()
		ref, err := a.Send(ctx, to, msg)
		done <- sendOutcome{ref: ref, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			log.WithError(out.err).Warn("send failed")
			return failed(ch, out.err)
		}
		return Result{Status: model.DeliverySent, ProviderRef: out.ref}
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s", d.timeout)
		}
		log.WithError(err).Warn("send abandoned")
		return failed(ch, err)
	}
}

func failed(ch model.Channel, err error) Result {
	return Result{Status: model.DeliveryFailed, Err: appErrors.NewProvider(string(ch), err)}
}
