package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/cartrecovery-backend/internal/errors"
	"github.com/unclebandit/cartrecovery-backend/internal/model"
)

// CampaignFilter selects campaigns for listing. Empty fields do not filter.
type CampaignFilter struct {
	StoreID string
	Status  string
	Channel string
	Offset  int
	Limit   int
}

type CampaignRepositoryInterface interface {
	Create(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id string) (*model.Campaign, error)
	// Update writes the editable fields of c. Status, cycle and fire history are only
	// changed through the compare-and-set methods below.
	Update(ctx context.Context, c *model.Campaign) error
	// UpdateStatus moves id from one status to another and reports whether it did.
	UpdateStatus(ctx context.Context, id string, from, to model.CampaignStatus) (bool, error)
	// AdvanceCycle bumps an active campaign from fromCycle to the next cycle firing at next.
	AdvanceCycle(ctx context.Context, id string, fromCycle int, next time.Time) (bool, error)
	MarkFired(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
	ListCampaigns(ctx context.Context, f CampaignFilter) ([]*model.Campaign, int, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Campaign, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, store_id, created_by, name, audience, channels, content, schedule, status, cycle, next_fire_at, last_fired_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var (
		c                           model.Campaign
		audience, content, schedule []byte
		channels                    pq.StringArray
		nextFire, lastFired         sql.NullTime
	)
	err := row.Scan(&c.ID, &c.StoreID, &c.CreatedBy, &c.Name, &audience, &channels, &content, &schedule,
		&c.Status, &c.Cycle, &nextFire, &lastFired, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(audience, &c.Audience); err != nil {
		return nil, fmt.Errorf("decode audience: %w", err)
	}
	if err := json.Unmarshal(content, &c.Content); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	if err := json.Unmarshal(schedule, &c.Schedule); err != nil {
		return nil, fmt.Errorf("decode schedule: %w", err)
	}
	for _, ch := range channels {
		c.Channels = append(c.Channels, model.Channel(ch))
	}
	if nextFire.Valid {
		t := nextFire.Time.UTC()
		c.NextFireAt = &t
	}
	if lastFired.Valid {
		t := lastFired.Time.UTC()
		c.LastFiredAt = &t
	}
	return &c, nil
}

func campaignJSON(c *model.Campaign) (audience, content, schedule []byte, channels pq.StringArray, err error) {
	if audience, err = json.Marshal(c.Audience); err != nil {
		return
	}
	if content, err = json.Marshal(c.Content); err != nil {
		return
	}
	if schedule, err = json.Marshal(c.Schedule); err != nil {
		return
	}
	for _, ch := range c.Channels {
		channels = append(channels, string(ch))
	}
	return
}

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	audience, content, schedule, channels, err := campaignJSON(c)
	if err != nil {
		return err
	}
	query := `
        INSERT INTO campaigns (id, store_id, created_by, name, audience, channels, content, schedule, status, cycle, next_fire_at, last_fired_at, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
    `
	_, err = r.DB.ExecContext(ctx, query, c.ID, c.StoreID, c.CreatedBy, c.Name, audience, channels, content, schedule,
		c.Status, c.Cycle, c.NextFireAt, c.LastFiredAt, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*model.Campaign, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return c, err
}

func (r *CampaignRepository) Update(ctx context.Context, c *model.Campaign) error {
	audience, content, schedule, channels, err := campaignJSON(c)
	if err != nil {
		return err
	}
	query := `
        UPDATE campaigns
        SET name=$1, audience=$2, channels=$3, content=$4, schedule=$5, next_fire_at=$6, updated_at=$7
        WHERE id=$8 AND status IN ('scheduled', 'active', 'paused')
    `
	res, err := r.DB.ExecContext(ctx, query, c.Name, audience, channels, content, schedule,
		c.NextFireAt, c.UpdatedAt, c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	current, err := r.GetByID(ctx, c.ID)
	if err != nil {
		return err
	}
	return appErrors.NewConflict(c.ID, string(current.Status), "update")
}

func (r *CampaignRepository) UpdateStatus(ctx context.Context, id string, from, to model.CampaignStatus) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE campaigns SET status=$1, updated_at=NOW() WHERE id=$2 AND status=$3`, to, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *CampaignRepository) AdvanceCycle(ctx context.Context, id string, fromCycle int, next time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE campaigns SET cycle=cycle+1, next_fire_at=$1, updated_at=NOW()
        WHERE id=$2 AND cycle=$3 AND status=$4`,
		next, id, fromCycle, model.StatusActive)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *CampaignRepository) MarkFired(ctx context.Context, id string, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE campaigns SET last_fired_at=$1, updated_at=NOW() WHERE id=$2`, at, id)
	return err
}

// Delete removes the campaign; its dispatches go with it through ON DELETE CASCADE.
func (r *CampaignRepository) Delete(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM campaigns WHERE id=$1`, id)
	return err
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, f CampaignFilter) ([]*model.Campaign, int, error) {
	where := ` WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if f.StoreID != "" {
		where += fmt.Sprintf(" AND store_id=$%d", argPos)
		args = append(args, f.StoreID)
		argPos++
	}
	if f.Status != "" {
		where += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, f.Status)
		argPos++
	}
	if f.Channel != "" {
		where += fmt.Sprintf(" AND $%d = ANY(channels)", argPos)
		args = append(args, f.Channel)
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, total, rows.Err()
}

func (r *CampaignRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Campaign, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT `+campaignColumns+` FROM campaigns
        WHERE status IN ($1, $2) AND next_fire_at <= $3
        ORDER BY next_fire_at
        LIMIT $4`,
		model.StatusScheduled, model.StatusActive, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []*model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, c)
	}
	return due, rows.Err()
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
