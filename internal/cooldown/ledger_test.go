package cooldown

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/cartrecovery-backend/internal/errors"
	"github.com/unclebandit/cartrecovery-backend/internal/model"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// ledgerContract runs the same behaviour checks against any Ledger implementation.
func ledgerContract(t *testing.T, newLedger func() Ledger) {
	ctx := context.Background()

	t.Run("fresh key may dispatch", func(t *testing.T) {
		l := newLedger()
		ok, err := l.MayDispatch(ctx, "c1", model.ChannelEmail, t0)
		require.NoError(t, err)
		assert.True(t, ok)

		left, err := l.Remaining(ctx, "c1", model.ChannelEmail, t0)
		require.NoError(t, err)
		assert.Zero(t, left)
	})

	t.Run("window after recorded send", func(t *testing.T) {
		l := newLedger()
		require.NoError(t, l.RecordDispatch(ctx, "c1", model.ChannelSMS, t0))

		ok, err := l.MayDispatch(ctx, "c1", model.ChannelSMS, t0.Add(23*time.Hour))
		require.NoError(t, err)
		assert.False(t, ok)

		left, err := l.Remaining(ctx, "c1", model.ChannelSMS, t0.Add(23*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, time.Hour, left)

		ok, err = l.MayDispatch(ctx, "c1", model.ChannelSMS, t0.Add(24*time.Hour))
		require.NoError(t, err)
		assert.True(t, ok)

		// other channels and customers are independent
		ok, err = l.MayDispatch(ctx, "c1", model.ChannelEmail, t0.Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = l.MayDispatch(ctx, "c2", model.ChannelSMS, t0.Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("begin then successful finish starts cooldown", func(t *testing.T) {
		l := newLedger()
		require.NoError(t, l.Begin(ctx, "c1", model.ChannelEmail, t0))
		require.NoError(t, l.Finish(ctx, "c1", model.ChannelEmail, true, t0))

		err := l.Begin(ctx, "c1", model.ChannelEmail, t0.Add(time.Hour))
		var blocked *appErrors.CooldownBlockedError
		require.ErrorAs(t, err, &blocked)
		assert.False(t, blocked.InFlight)
		assert.Equal(t, 23*time.Hour, blocked.Remaining)
	})

	t.Run("failed send does not start cooldown", func(t *testing.T) {
		l := newLedger()
		require.NoError(t, l.Begin(ctx, "c1", model.ChannelWhatsApp, t0))
		require.NoError(t, l.Finish(ctx, "c1", model.ChannelWhatsApp, false, t0))

		require.NoError(t, l.Begin(ctx, "c1", model.ChannelWhatsApp, t0.Add(time.Minute)))
	})

	t.Run("second begin while sending is in flight", func(t *testing.T) {
		l := newLedger()
		require.NoError(t, l.Begin(ctx, "c1", model.ChannelSMS, t0))

		err := l.Begin(ctx, "c1", model.ChannelSMS, t0)
		var blocked *appErrors.CooldownBlockedError
		require.ErrorAs(t, err, &blocked)
		assert.True(t, blocked.InFlight)

		ok, err := l.MayDispatch(ctx, "c1", model.ChannelSMS, t0)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("concurrent begins admit exactly one", func(t *testing.T) {
		l := newLedger()
		var admitted int32
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if l.Begin(ctx, "c9", model.ChannelEmail, t0) == nil {
					atomic.AddInt32(&admitted, 1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), admitted)
	})

	t.Run("at most one success per 24h", func(t *testing.T) {
		l := newLedger()
		var sent []time.Time
		// a trigger every 30 minutes for three days
		for at := t0; at.Before(t0.Add(72 * time.Hour)); at = at.Add(30 * time.Minute) {
			if l.Begin(ctx, "c1", model.ChannelEmail, at) != nil {
				continue
			}
			require.NoError(t, l.Finish(ctx, "c1", model.ChannelEmail, true, at))
			sent = append(sent, at)
		}
		require.Len(t, sent, 3)
		for i := 1; i < len(sent); i++ {
			assert.GreaterOrEqual(t, sent[i].Sub(sent[i-1]), DefaultWindow)
		}
	})
}

func TestMemoryLedger(t *testing.T) {
	ledgerContract(t, func() Ledger { return NewMemoryLedger(DefaultWindow) })
}

func TestRemaining(t *testing.T) {
	assert.Zero(t, remaining(time.Hour, time.Time{}, t0))
	assert.Equal(t, 30*time.Minute, remaining(time.Hour, t0, t0.Add(30*time.Minute)))
	assert.Zero(t, remaining(time.Hour, t0, t0.Add(2*time.Hour)))
}

func TestMemoryLedgerCustomWindow(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(time.Hour)
	require.NoError(t, l.RecordDispatch(ctx, "c1", model.ChannelEmail, t0))

	ok, err := l.MayDispatch(ctx, "c1", model.ChannelEmail, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLedgerDropsExpiredEntries(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(time.Hour)

	require.NoError(t, l.Begin(ctx, "c1", model.ChannelEmail, t0))
	require.NoError(t, l.Finish(ctx, "c1", model.ChannelEmail, true, t0))
	require.NoError(t, l.Begin(ctx, "c2", model.ChannelEmail, t0))
	require.NoError(t, l.Begin(ctx, "c3", model.ChannelSMS, t0))
	require.NoError(t, l.Finish(ctx, "c3", model.ChannelSMS, false, t0))
	// a failed attempt with no earlier send leaves nothing behind
	assert.Equal(t, 2, l.Len())

	assert.Zero(t, l.Prune(t0.Add(30*time.Minute)))
	// c1's window is over; c2 is still sending
	assert.Equal(t, 1, l.Prune(t0.Add(2*time.Hour)))
	assert.Equal(t, 1, l.Len())

	left, err := l.Remaining(ctx, "c1", model.ChannelEmail, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestMemoryLedgerPrunesAsItGoes(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(time.Minute)
	for i := 0; i < 3*pruneEvery; i++ {
		at := t0.Add(time.Duration(i) * time.Minute)
		id := fmt.Sprintf("c%d", i)
		require.NoError(t, l.Begin(ctx, id, model.ChannelEmail, at))
		require.NoError(t, l.Finish(ctx, id, model.ChannelEmail, true, at))
	}
	assert.Less(t, l.Len(), pruneEvery+1)
}
