package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/cartrecovery-backend/internal/logger"
	"github.com/unclebandit/cartrecovery-backend/internal/model"
	"github.com/unclebandit/cartrecovery-backend/internal/queue"
	"github.com/unclebandit/cartrecovery-backend/internal/repository"
)

// Notifier records a notification for a scope and fans it out to live subscribers.
type Notifier interface {
	Notify(ctx context.Context, scope, kind string, payload any) (*model.NotificationEvent, error)
}

// NotificationService owns the per-scope inbox. Every change is stored first and then
// published on the notification topic, where the broadcaster picks it up.
type NotificationService struct {
	Repo  repository.NotificationRepositoryInterface
	Queue queue.Queue
	Now   func() time.Time
}

var _ Notifier = (*NotificationService)(nil)

func (s *NotificationService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *NotificationService) Notify(ctx context.Context, scope, kind string, payload any) (*model.NotificationEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode notification payload: %w", err)
	}
	ev := &model.NotificationEvent{
		ID:        uuid.NewString(),
		Type:      model.EventNew,
		Scope:     scope,
		Kind:      kind,
		Payload:   raw,
		CreatedAt: s.now(),
	}
	if err := s.Repo.Insert(ctx, ev); err != nil {
		return nil, err
	}
	s.publish(*ev)
	return ev, nil
}

// List returns one page of the scope's inbox, newest first.
func (s *NotificationService) List(ctx context.Context, scope string, page, pageSize int) ([]*model.NotificationEvent, map[string]int, error) {
	page, pageSize = normalizePage(page, pageSize)
	events, total, err := s.Repo.ListByScope(ctx, scope, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, nil, err
	}
	return events, pagination(page, pageSize, total), nil
}

// MarkRead flags ids as read and emits one read event for the ones that changed.
func (s *NotificationService) MarkRead(ctx context.Context, scope string, ids []string) ([]string, error) {
	changed, err := s.Repo.MarkRead(ctx, scope, ids)
	if err != nil {
		return nil, err
	}
	s.emitTargets(scope, model.EventRead, changed)
	return changed, nil
}

// Delete removes ids and emits one delete event for the ones that existed.
func (s *NotificationService) Delete(ctx context.Context, scope string, ids []string) ([]string, error) {
	removed, err := s.Repo.Delete(ctx, scope, ids)
	if err != nil {
		return nil, err
	}
	s.emitTargets(scope, model.EventDelete, removed)
	return removed, nil
}

func (s *NotificationService) emitTargets(scope string, typ model.EventType, ids []string) {
	if len(ids) == 0 {
		return
	}
	s.publish(model.NotificationEvent{
		ID:        uuid.NewString(),
		Type:      typ,
		Scope:     scope,
		TargetIDs: ids,
		CreatedAt: s.now(),
	})
}

// publish is best effort: the inbox row is already stored and polling clients will see it.
func (s *NotificationService) publish(ev model.NotificationEvent) {
	if s.Queue == nil {
		return
	}
	err := s.Queue.Publish(queue.TopicNotificationEvents, ev)
	if err != nil && !errors.Is(err, queue.ErrNoSubscribers) {
		logger.WithModule("notifications").WithError(err).WithField("event_id", ev.ID).Warn("publish failed")
	}
}
