package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/unclebandit/cartrecovery-backend/internal/model"
)

type DispatchRepositoryInterface interface {
	// CreatePending inserts d unless a row for the same campaign, cycle, customer and channel
	// already exists; either way the stored row is returned and created says which.
	CreatePending(ctx context.Context, d *model.RecipientDispatch) (stored *model.RecipientDispatch, created bool, err error)
	ListByCampaign(ctx context.Context, campaignID string, cycle int) ([]*model.RecipientDispatch, error)
	ListPage(ctx context.Context, campaignID string, offset, limit int) ([]*model.RecipientDispatch, int, error)
	// Advance applies upd only while the row is still in status from.
	Advance(ctx context.Context, id string, from model.DeliveryStatus, upd model.DispatchUpdate) (bool, error)
	GetByProviderRef(ctx context.Context, ref string) (*model.RecipientDispatch, error)
	SetProviderStatus(ctx context.Context, id, providerStatus string) error
	Stats(ctx context.Context, campaignID string, cycle int) (map[string]int, error)
	DeleteByCampaign(ctx context.Context, campaignID string) error
}

type DispatchRepository struct {
	DB *sql.DB
}

const dispatchColumns = `id, campaign_id, cycle, customer_id, channel, recipient, vars, status, provider_ref, provider_status, last_error, sent_at, created_at, updated_at`

func scanDispatch(row rowScanner) (*model.RecipientDispatch, error) {
	var (
		d      model.RecipientDispatch
		vars   []byte
		sentAt sql.NullTime
	)
	err := row.Scan(&d.ID, &d.CampaignID, &d.Cycle, &d.CustomerID, &d.Channel, &d.To, &vars, &d.Status,
		&d.ProviderRef, &d.ProviderStatus, &d.Error, &sentAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &d.Vars); err != nil {
			return nil, fmt.Errorf("decode vars: %w", err)
		}
	}
	if sentAt.Valid {
		t := sentAt.Time.UTC()
		d.SentAt = &t
	}
	return &d, nil
}

func (r *DispatchRepository) CreatePending(ctx context.Context, d *model.RecipientDispatch) (*model.RecipientDispatch, bool, error) {
	vars, err := json.Marshal(d.Vars)
	if err != nil {
		return nil, false, err
	}
	// the unique key makes a replayed firing a no-op
	row := r.DB.QueryRowContext(ctx, `
        INSERT INTO recipient_dispatches (id, campaign_id, cycle, customer_id, channel, recipient, vars, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
        ON CONFLICT (campaign_id, cycle, customer_id, channel) DO NOTHING
        RETURNING `+dispatchColumns,
		d.ID, d.CampaignID, d.Cycle, d.CustomerID, d.Channel, d.To, vars, model.DeliveryPending, d.CreatedAt)
	stored, err := scanDispatch(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	row = r.DB.QueryRowContext(ctx, `
        SELECT `+dispatchColumns+` FROM recipient_dispatches
        WHERE campaign_id=$1 AND cycle=$2 AND customer_id=$3 AND channel=$4`,
		d.CampaignID, d.Cycle, d.CustomerID, d.Channel)
	stored, err = scanDispatch(row)
	return stored, false, err
}

func (r *DispatchRepository) ListByCampaign(ctx context.Context, campaignID string, cycle int) ([]*model.RecipientDispatch, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT `+dispatchColumns+` FROM recipient_dispatches
        WHERE campaign_id=$1 AND cycle=$2
        ORDER BY created_at, customer_id, channel`, campaignID, cycle)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDispatches(rows)
}

func (r *DispatchRepository) ListPage(ctx context.Context, campaignID string, offset, limit int) ([]*model.RecipientDispatch, int, error) {
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM recipient_dispatches WHERE campaign_id=$1`, campaignID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.DB.QueryContext(ctx, `
        SELECT `+dispatchColumns+` FROM recipient_dispatches
        WHERE campaign_id=$1
        ORDER BY cycle DESC, created_at, customer_id, channel
        LIMIT $2 OFFSET $3`, campaignID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	list, err := collectDispatches(rows)
	return list, total, err
}

func collectDispatches(rows *sql.Rows) ([]*model.RecipientDispatch, error) {
	list := []*model.RecipientDispatch{}
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, d)
	}
	return list, rows.Err()
}

func (r *DispatchRepository) Advance(ctx context.Context, id string, from model.DeliveryStatus, upd model.DispatchUpdate) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE recipient_dispatches
        SET status=$1,
            provider_ref=COALESCE(NULLIF($2, ''), provider_ref),
            last_error=$3,
            sent_at=COALESCE($4, sent_at),
            updated_at=NOW()
        WHERE id=$5 AND status=$6`,
		upd.Status, upd.ProviderRef, upd.Error, upd.SentAt, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *DispatchRepository) GetByProviderRef(ctx context.Context, ref string) (*model.RecipientDispatch, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+dispatchColumns+` FROM recipient_dispatches WHERE provider_ref=$1 LIMIT 1`, ref)
	d, err := scanDispatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

func (r *DispatchRepository) SetProviderStatus(ctx context.Context, id, providerStatus string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE recipient_dispatches SET provider_status=$1, updated_at=NOW() WHERE id=$2`, providerStatus, id)
	return err
}

func (r *DispatchRepository) Stats(ctx context.Context, campaignID string, cycle int) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT status, COUNT(*) FROM recipient_dispatches
        WHERE campaign_id=$1 AND cycle=$2
        GROUP BY status`, campaignID, cycle)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := newStats()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
		stats["total"] += count
	}
	return stats, rows.Err()
}

func newStats() map[string]int {
	return map[string]int{
		"total":                               0,
		string(model.DeliveryPending):         0,
		string(model.DeliverySending):         0,
		string(model.DeliverySent):            0,
		string(model.DeliveryFailed):          0,
		string(model.DeliverySkippedCooldown): 0,
	}
}

func (r *DispatchRepository) DeleteByCampaign(ctx context.Context, campaignID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM recipient_dispatches WHERE campaign_id=$1`, campaignID)
	return err
}

var _ DispatchRepositoryInterface = (*DispatchRepository)(nil)
