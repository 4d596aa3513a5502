package broadcast

import (
	"github.com/unclebandit/cartrecovery-backend/internal/model"
	"github.com/unclebandit/cartrecovery-backend/internal/queue"
)

// StartRelay feeds notification events published on the queue into h. With a broker
// behind the queue, every instance relays every event to its own sessions.
func StartRelay(q queue.Queue, h *Hub) error {
	return q.Subscribe(queue.TopicNotificationEvents, func(payload any) error {
		var ev model.NotificationEvent
		if err := queue.Decode(payload, &ev); err != nil {
			// malformed events are not retried
			return nil
		}
		h.Publish(ev)
		return nil
	})
}
