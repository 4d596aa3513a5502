package storedata

import (
	"context"

	"github.com/unclebandit/cartrecovery-backend/internal/model"
	"github.com/unclebandit/cartrecovery-backend/internal/repository"
)

// Provider is the read side of store data the campaign engine resolves recipients from.
type Provider interface {
	AbandonedCarts(ctx context.Context, storeID string, f model.CartFilter) ([]model.AbandonedCart, int, error)
}

// RepositoryProvider reads carts from the local abandoned_carts table.
type RepositoryProvider struct {
	Repo repository.CartRepositoryInterface
}

func (p *RepositoryProvider) AbandonedCarts(ctx context.Context, storeID string, f model.CartFilter) ([]model.AbandonedCart, int, error) {
	return p.Repo.List(ctx, storeID, f)
}
