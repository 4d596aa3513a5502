package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/unclebandit/cartrecovery-backend/internal/model"
)

// CartRepositoryInterface is the store data the campaign engine reads recipients from.
type CartRepositoryInterface interface {
	Upsert(ctx context.Context, c *model.AbandonedCart) error
	Get(ctx context.Context, storeID, customerID string) (*model.AbandonedCart, error)
	List(ctx context.Context, storeID string, f model.CartFilter) ([]model.AbandonedCart, int, error)
}

type CartRepository struct {
	DB *sql.DB
}

const cartColumns = `store_id, customer_id, customer_name, email, phone, whatsapp, items, total, currency, checkout_url, store_name, abandoned_at`

func scanCart(row rowScanner) (model.AbandonedCart, error) {
	var c model.AbandonedCart
	var items []byte
	err := row.Scan(&c.StoreID, &c.CustomerID, &c.CustomerName, &c.Email, &c.Phone, &c.WhatsApp, &items,
		&c.Total, &c.Currency, &c.CheckoutURL, &c.StoreName, &c.AbandonedAt)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(items, &c.Items); err != nil {
		return c, fmt.Errorf("decode items: %w", err)
	}
	return c, nil
}

func (r *CartRepository) Upsert(ctx context.Context, c *model.AbandonedCart) error {
	items, err := json.Marshal(c.Items)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `
        INSERT INTO abandoned_carts (`+cartColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        ON CONFLICT (store_id, customer_id) DO UPDATE SET
            customer_name=EXCLUDED.customer_name, email=EXCLUDED.email, phone=EXCLUDED.phone,
            whatsapp=EXCLUDED.whatsapp, items=EXCLUDED.items, total=EXCLUDED.total,
            currency=EXCLUDED.currency, checkout_url=EXCLUDED.checkout_url,
            store_name=EXCLUDED.store_name, abandoned_at=EXCLUDED.abandoned_at`,
		c.StoreID, c.CustomerID, c.CustomerName, c.Email, c.Phone, c.WhatsApp, items,
		c.Total, c.Currency, c.CheckoutURL, c.StoreName, c.AbandonedAt)
	return err
}

func (r *CartRepository) Get(ctx context.Context, storeID, customerID string) (*model.AbandonedCart, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+cartColumns+` FROM abandoned_carts WHERE store_id=$1 AND customer_id=$2`, storeID, customerID)
	c, err := scanCart(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CartRepository) List(ctx context.Context, storeID string, f model.CartFilter) ([]model.AbandonedCart, int, error) {
	where := ` WHERE store_id=$1`
	args := []interface{}{storeID}
	argPos := 2

	if len(f.CustomerIDs) > 0 {
		where += fmt.Sprintf(" AND customer_id = ANY($%d)", argPos)
		args = append(args, pq.Array(f.CustomerIDs))
		argPos++
	}
	if f.MinTotal != nil {
		where += fmt.Sprintf(" AND total >= $%d", argPos)
		args = append(args, *f.MinTotal)
		argPos++
	}
	if f.MaxTotal != nil {
		where += fmt.Sprintf(" AND total <= $%d", argPos)
		args = append(args, *f.MaxTotal)
		argPos++
	}
	if f.AbandonedAfter != nil {
		where += fmt.Sprintf(" AND abandoned_at >= $%d", argPos)
		args = append(args, *f.AbandonedAfter)
		argPos++
	}
	if f.AbandonedBefore != nil {
		where += fmt.Sprintf(" AND abandoned_at <= $%d", argPos)
		args = append(args, *f.AbandonedBefore)
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM abandoned_carts`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + cartColumns + ` FROM abandoned_carts` + where + ` ORDER BY abandoned_at DESC, customer_id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argPos, argPos+1)
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	carts := []model.AbandonedCart{}
	for rows.Next() {
		c, err := scanCart(rows)
		if err != nil {
			return nil, 0, err
		}
		carts = append(carts, c)
	}
	return carts, total, rows.Err()
}

var _ CartRepositoryInterface = (*CartRepository)(nil)
