package queue

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishWithoutSubscribers(t *testing.T) {
	q := NewInMemoryQueue()
	defer q.Close()
	err := q.Publish("nobody", 1)
	assert.ErrorIs(t, err, ErrNoSubscribers)
}

func TestInMemoryQueueKeepsOrderPerSubscriber(t *testing.T) {
	q := NewInMemoryQueue()

	var mu sync.Mutex
	var got []int
	require.NoError(t, q.Subscribe("numbers", func(payload any) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, payload.(int))
		return nil
	}))

	for i := 0; i < 50; i++ {
		require.NoError(t, q.Publish("numbers", i))
	}
	require.NoError(t, q.Close())

	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestInMemoryQueueRetries(t *testing.T) {
	q := NewInMemoryQueue()
	q.RetryDelay = time.Millisecond

	attempts := 0
	require.NoError(t, q.Subscribe("flaky", func(any) error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	}))
	require.NoError(t, q.Publish("flaky", "x"))
	require.NoError(t, q.Close())
	assert.Equal(t, 3, attempts)
}

func TestInMemoryQueueGivesUp(t *testing.T) {
	q := NewInMemoryQueue()
	q.RetryDelay = time.Millisecond
	q.MaxRetries = 2

	attempts := 0
	require.NoError(t, q.Subscribe("broken", func(any) error {
		attempts++
		return errors.New("always")
	}))
	require.NoError(t, q.Publish("broken", "x"))
	require.NoError(t, q.Close())
	assert.Equal(t, 3, attempts)
}

func TestDecode(t *testing.T) {
	type event struct {
		ID string `json:"id"`
	}
	var fromValue, fromJSON event
	require.NoError(t, Decode(event{ID: "a"}, &fromValue))
	require.NoError(t, Decode(json.RawMessage(`{"id":"b"}`), &fromJSON))
	assert.Equal(t, "a", fromValue.ID)
	assert.Equal(t, "b", fromJSON.ID)

	assert.Error(t, Decode([]byte("not json"), &fromJSON))
}
