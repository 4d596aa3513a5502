package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/streadway/amqp"

	"github.com/unclebandit/cartrecovery-backend/internal/logger"
)

type rabbitSubscription struct {
	topic   string
	handler func(payload any) error
}

// RabbitMQQueue publishes topics as routing keys on a topic exchange. Topics listed as
// broadcast get one exclusive queue per process so every instance sees every message;
// other topics share a durable queue and are consumed by one instance each.
type RabbitMQQueue struct {
	url       string
	exchange  string
	broadcast map[string]bool

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
	subs    []rabbitSubscription
	closing bool

	ctx    context.Context
	cancel context.CancelFunc
}

func NewRabbitMQQueue(url, exchange string, broadcastTopics ...string) *RabbitMQQueue {
	ctx, cancel := context.WithCancel(context.Background())
	b := make(map[string]bool, len(broadcastTopics))
	for _, t := range broadcastTopics {
		b[t] = true
	}
	return &RabbitMQQueue{url: url, exchange: exchange, broadcast: b, ctx: ctx, cancel: cancel}
}

// Connect dials the broker, retrying with exponential backoff until ctx ends.
func (q *RabbitMQQueue) Connect(ctx context.Context) error {
	log := logger.WithModule("queue")
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := q.dial(); err != nil {
			log.WithError(err).Warn("rabbitmq connect failed")
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(time.Minute))
	if err != nil {
		return fmt.Errorf("connect rabbitmq: %w", err)
	}
	log.WithField("exchange", q.exchange).Info("connected to rabbitmq")
	return nil
}

func (q *RabbitMQQueue) dial() error {
	conn, err := amqp.Dial(q.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	err = ch.ExchangeDeclare(
		q.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	q.mu.Lock()
	q.conn, q.channel = conn, ch
	subs := append([]rabbitSubscription(nil), q.subs...)
	q.mu.Unlock()

	for _, s := range subs {
		if err := q.consume(s); err != nil {
			return err
		}
	}
	go q.watch(conn)
	return nil
}

func (q *RabbitMQQueue) watch(conn *amqp.Connection) {
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	select {
	case err := <-notifyClose:
		q.mu.RLock()
		closing := q.closing
		q.mu.RUnlock()
		if closing {
			return
		}
		logger.WithModule("queue").WithField("reason", err).Warn("rabbitmq connection lost, reconnecting")
		if err := q.Connect(q.ctx); err != nil {
			logger.WithModule("queue").WithError(err).Error("rabbitmq reconnect gave up")
		}
	case <-q.ctx.Done():
	}
}

func (q *RabbitMQQueue) Publish(topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	q.mu.RLock()
	ch := q.channel
	q.mu.RUnlock()
	if ch == nil {
		return fmt.Errorf("rabbitmq not connected")
	}
	return ch.Publish(q.exchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// Subscribe registers handler and, when connected, starts consuming. Subscriptions survive
// reconnects. Handlers receive the raw JSON body; use Decode.
func (q *RabbitMQQueue) Subscribe(topic string, handler func(payload any) error) error {
	s := rabbitSubscription{topic: topic, handler: handler}
	q.mu.Lock()
	q.subs = append(q.subs, s)
	connected := q.channel != nil
	q.mu.Unlock()
	if !connected {
		return nil
	}
	return q.consume(s)
}

func (q *RabbitMQQueue) consume(s rabbitSubscription) error {
	q.mu.RLock()
	ch := q.channel
	q.mu.RUnlock()

	name, durable, exclusive, autoDelete := q.exchange+"."+s.topic, true, false, false
	if q.broadcast[s.topic] {
		name, durable, exclusive, autoDelete = "", false, true, true
	}
	queue, err := ch.QueueDeclare(name, durable, autoDelete, exclusive, false, nil)
	if err != nil {
		return fmt.Errorf("queue declare %s: %w", s.topic, err)
	}
	if err := ch.QueueBind(queue.Name, s.topic, q.exchange, false, nil); err != nil {
		return fmt.Errorf("queue bind %s: %w", s.topic, err)
	}
	deliveries, err := ch.Consume(queue.Name, "", false, exclusive, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", s.topic, err)
	}

	go func() {
		log := logger.WithModule("queue").WithField("topic", s.topic)
		for d := range deliveries {
			if err := s.handler(json.RawMessage(d.Body)); err != nil {
				// one redelivery, then drop
				log.WithError(err).WithField("redelivered", d.Redelivered).Warn("handler failed")
				_ = d.Nack(false, !d.Redelivered)
				continue
			}
			_ = d.Ack(false)
		}
	}()
	return nil
}

func (q *RabbitMQQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closing {
		return nil
	}
	q.closing = true
	q.cancel()
	if q.channel != nil {
		_ = q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

var _ Queue = (*RabbitMQQueue)(nil)
