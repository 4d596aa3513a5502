package subscriber

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/cartrecovery-backend/internal/model"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newEvent(id string, at time.Duration) model.NotificationEvent {
	return model.NotificationEvent{ID: id, Type: model.EventNew, Scope: "store-1", Kind: "campaign_completed", CreatedAt: t0.Add(at)}
}

func ids(items []Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(Disconnected, Connecting))
	assert.True(t, CanTransition(Connecting, DegradedPolling))
	assert.True(t, CanTransition(DegradedPolling, Connecting))
	assert.False(t, CanTransition(Disconnected, Connected))
	assert.False(t, CanTransition(Connected, DegradedPolling))
	assert.Equal(t, "degraded_polling", DegradedPolling.String())
}

func TestViewDedupAndOrdering(t *testing.T) {
	v := NewView(0)
	assert.True(t, v.Apply(newEvent("a", 0)))
	assert.True(t, v.Apply(newEvent("b", time.Minute)))
	assert.False(t, v.Apply(newEvent("a", 0)))

	assert.Equal(t, []string{"b", "a"}, ids(v.Items()))
	assert.Equal(t, 2, v.Unread())
}

func TestViewReadAndDelete(t *testing.T) {
	v := NewView(0)
	v.Apply(newEvent("a", 0))
	v.Apply(newEvent("b", time.Minute))

	assert.True(t, v.Apply(model.NotificationEvent{ID: "r1", Type: model.EventRead, TargetIDs: []string{"a"}}))
	assert.False(t, v.Apply(model.NotificationEvent{ID: "r2", Type: model.EventRead, TargetIDs: []string{"a"}}))
	assert.Equal(t, 1, v.Unread())

	assert.True(t, v.Apply(model.NotificationEvent{ID: "d1", Type: model.EventDelete, TargetIDs: []string{"b"}}))
	assert.Equal(t, []string{"a"}, ids(v.Items()))

	// a replayed copy of a deleted notification stays gone
	assert.False(t, v.Apply(newEvent("b", time.Minute)))
	assert.Equal(t, []string{"a"}, ids(v.Items()))
}

func TestViewConnectionTestOnce(t *testing.T) {
	v := NewView(0)
	assert.False(t, v.TestReceived())
	assert.True(t, v.Apply(model.NotificationEvent{ID: "t1", Type: model.EventConnectionTest}))
	assert.False(t, v.Apply(model.NotificationEvent{ID: "t2", Type: model.EventConnectionTest}))
	assert.True(t, v.TestReceived())
	assert.Empty(t, v.Items())
}

func TestViewReconcile(t *testing.T) {
	v := NewView(0)
	v.Apply(newEvent("old", -time.Hour))
	v.Apply(newEvent("a", 0))
	v.Apply(newEvent("gone", time.Minute))

	read := newEvent("a", 0)
	read.Read = true
	v.Reconcile([]model.NotificationEvent{newEvent("c", 2*time.Minute), read})

	items := v.Items()
	require.Equal(t, []string{"c", "a", "old"}, ids(items))
	assert.True(t, items[1].Read)
}
