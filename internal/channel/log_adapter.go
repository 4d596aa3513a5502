package channel

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"github.com/unclebandit/cartrecovery-backend/internal/logger"
	"github.com/unclebandit/cartrecovery-backend/internal/model"
)

// LogAdapter is the development sender: it logs the message and succeeds with
// probability SuccessRate.
type LogAdapter struct {
	Channel     model.Channel
	SuccessRate float64

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewLogAdapter(ch model.Channel, successRate float64, seed int64) *LogAdapter {
	return &LogAdapter{Channel: ch, SuccessRate: successRate, rnd: rand.New(rand.NewSource(seed))}
}

func (a *LogAdapter) roll() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rnd.Float64()
}

func (a *LogAdapter) Send(ctx context.Context, to string, msg Rendered) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if a.roll() >= a.SuccessRate {
		return "", fmt.Errorf("mock sending failed")
	}
	ref := "mock-" + uuid.NewString()
	logger.WithModule("dispatch").WithFields(map[string]interface{}{
		"channel":      a.Channel,
		"to":           to,
		"subject":      msg.Subject,
		"provider_ref": ref,
	}).Info(msg.Body)
	return ref, nil
}
