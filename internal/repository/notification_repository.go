package repository

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/unclebandit/cartrecovery-backend/internal/model"
)

// NotificationRepositoryInterface stores the per-scope inbox that backs the REST fallback.
type NotificationRepositoryInterface interface {
	Insert(ctx context.Context, n *model.NotificationEvent) error
	ListByScope(ctx context.Context, scope string, offset, limit int) ([]*model.NotificationEvent, int, error)
	// MarkRead and Delete return the ids that actually changed.
	MarkRead(ctx context.Context, scope string, ids []string) ([]string, error)
	Delete(ctx context.Context, scope string, ids []string) ([]string, error)
}

type NotificationRepository struct {
	DB *sql.DB
}

func (r *NotificationRepository) Insert(ctx context.Context, n *model.NotificationEvent) error {
	var payload interface{}
	if len(n.Payload) > 0 {
		payload = []byte(n.Payload)
	}
	_, err := r.DB.ExecContext(ctx, `
        INSERT INTO notifications (id, scope, kind, payload, read, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (id) DO NOTHING`,
		n.ID, n.Scope, n.Kind, payload, n.Read, n.CreatedAt)
	return err
}

func (r *NotificationRepository) ListByScope(ctx context.Context, scope string, offset, limit int) ([]*model.NotificationEvent, int, error) {
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE scope=$1`, scope).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.DB.QueryContext(ctx, `
        SELECT id, scope, kind, payload, read, created_at FROM notifications
        WHERE scope=$1
        ORDER BY created_at DESC, id DESC
        LIMIT $2 OFFSET $3`, scope, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	list := []*model.NotificationEvent{}
	for rows.Next() {
		n := &model.NotificationEvent{Type: model.EventNew}
		var payload []byte
		if err := rows.Scan(&n.ID, &n.Scope, &n.Kind, &payload, &n.Read, &n.CreatedAt); err != nil {
			return nil, 0, err
		}
		n.Payload = payload
		list = append(list, n)
	}
	return list, total, rows.Err()
}

func (r *NotificationRepository) MarkRead(ctx context.Context, scope string, ids []string) ([]string, error) {
	return r.collectIDs(ctx, `
        UPDATE notifications SET read=TRUE
        WHERE scope=$1 AND id::text = ANY($2) AND read=FALSE
        RETURNING id`, scope, pq.Array(ids))
}

func (r *NotificationRepository) Delete(ctx context.Context, scope string, ids []string) ([]string, error) {
	return r.collectIDs(ctx, `
        DELETE FROM notifications
        WHERE scope=$1 AND id::text = ANY($2)
        RETURNING id`, scope, pq.Array(ids))
}

func (r *NotificationRepository) collectIDs(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var _ NotificationRepositoryInterface = (*NotificationRepository)(nil)
