package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/unclebandit/cartrecovery-backend/internal/logger"
)

// Topics.
const (
	TopicNotificationEvents = "notification_events"
	TopicCartAbandoned      = "cart_abandoned"
)

var ErrNoSubscribers = errors.New("no subscribers")

// Queue interface
type Queue interface {
	Publish(topic string, payload any) error
	Subscribe(topic string, handler func(payload any) error) error
}

// Decode converts a delivered payload into dst. In-process queues deliver the published
// value itself, brokers deliver its JSON encoding; handlers call Decode and accept both.
func Decode(payload any, dst any) error {
	var raw []byte
	switch p := payload.(type) {
	case []byte:
		raw = p
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		raw = b
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// JobPayload wraps a message payload with retry info
type JobPayload struct {
	Topic      string
	Payload    any
	RetryCount int
	MaxRetries int
}

type subscriber struct {
	handler func(payload any) error
	jobs    chan JobPayload
}

// InMemoryQueue delivers in process. Each subscriber gets its own ordered stream and
// failed jobs are retried with a growing delay before the next job is taken.
type InMemoryQueue struct {
	MaxRetries int
	RetryDelay time.Duration

	mu       sync.Mutex
	handlers map[string][]*subscriber
	closed   bool
	wg       sync.WaitGroup
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		MaxRetries: 3,
		RetryDelay: 500 * time.Millisecond,
		handlers:   make(map[string][]*subscriber),
	}
}

// Publish hands payload to every subscriber of topic.
func (q *InMemoryQueue) Publish(topic string, payload any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("queue closed")
	}

	subs := q.handlers[topic]
	if len(subs) == 0 {
		return fmt.Errorf("topic %s: %w", topic, ErrNoSubscribers)
	}
	for _, s := range subs {
		s.jobs <- JobPayload{Topic: topic, Payload: payload, MaxRetries: q.MaxRetries}
	}
	return nil
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(handler func(payload any) error, job JobPayload) {
	log := logger.WithModule("queue").WithField("topic", job.Topic)
	for {
		err := handler(job.Payload)
		if err == nil {
			return // ACK
		}

		job.RetryCount++
		if job.RetryCount > job.MaxRetries {
			log.WithError(err).Errorf("job permanently failed after %d attempts", job.RetryCount)
			return // No requeue
		}
		log.WithError(err).Warnf("job failed (attempt %d/%d)", job.RetryCount, job.MaxRetries)

		time.Sleep(time.Duration(job.RetryCount) * q.RetryDelay)
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler func(payload any) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("queue closed")
	}

	s := &subscriber{handler: handler, jobs: make(chan JobPayload, 1024)}
	q.handlers[topic] = append(q.handlers[topic], s)

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for job := range s.jobs {
			q.processJob(s.handler, job)
		}
	}()
	return nil
}

// Close stops accepting jobs and waits for queued ones to drain.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, subs := range q.handlers {
		for _, s := range subs {
			close(s.jobs)
		}
	}
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}

var _ Queue = (*InMemoryQueue)(nil)
