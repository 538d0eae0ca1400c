package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrItemUnavailable = errors.New("item unavailable")

// Service is a read-only view of the movie catalog. Catalog management
// belongs to another subsystem; this service only answers price and
// availability lookups.
type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// PriceOf returns the current price in cents, or ErrItemUnavailable if the
// movie does not exist or is not purchasable.
func (s *Service) PriceOf(ctx context.Context, movieID uuid.UUID) (int64, error) {
	var (
		price     int64
		available bool
	)
	err := s.pool.QueryRow(ctx, `
		SELECT price_cents, available FROM movies WHERE id = $1`, movieID,
	).Scan(&price, &available)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrItemUnavailable
	}
	if err != nil {
		return 0, fmt.Errorf("query movie: %w", err)
	}
	if !available {
		return 0, ErrItemUnavailable
	}
	return price, nil
}
