package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"moviegate/internal/catalog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrAlreadyOwned    = errors.New("movie already owned")
	ErrItemUnavailable = errors.New("movie unavailable")
	ErrNotInCart       = errors.New("movie not in cart")
)

type Item struct {
	MovieID uuid.UUID `json:"movie_id"`
	AddedAt time.Time `json:"added_at"`
}

// Service holds per-user candidate line items before checkout. No price is
// pinned here; pricing happens when the ledger creates the order.
type Service struct {
	pool    *pgxpool.Pool
	catalog *catalog.Service
	grants  AccessChecker
}

// AccessChecker answers whether a user already owns a movie.
type AccessChecker interface {
	HasAccess(ctx context.Context, userID, movieID uuid.UUID) (bool, error)
}

func NewService(pool *pgxpool.Pool, cat *catalog.Service, grants AccessChecker) *Service {
	return &Service{pool: pool, catalog: cat, grants: grants}
}

// Add puts a movie into the user's cart. Adding twice is a no-op. Movies
// the user already owns or that the catalog cannot sell are rejected.
func (s *Service) Add(ctx context.Context, userID, movieID uuid.UUID) error {
	owned, err := s.grants.HasAccess(ctx, userID, movieID)
	if err != nil {
		return fmt.Errorf("check ownership: %w", err)
	}
	if owned {
		return ErrAlreadyOwned
	}

	if _, err := s.catalog.PriceOf(ctx, movieID); err != nil {
		if errors.Is(err, catalog.ErrItemUnavailable) {
			return ErrItemUnavailable
		}
		return fmt.Errorf("catalog lookup: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO cart_items (user_id, movie_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, movie_id) DO NOTHING`,
		userID, movieID,
	)
	if err != nil {
		return fmt.Errorf("insert cart item: %w", err)
	}
	return nil
}

func (s *Service) Remove(ctx context.Context, userID, movieID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM cart_items WHERE user_id = $1 AND movie_id = $2`,
		userID, movieID,
	)
	if err != nil {
		return fmt.Errorf("delete cart item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotInCart
	}
	return nil
}

// List returns the cart in the order items were added.
func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]Item, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT movie_id, added_at
		FROM cart_items
		WHERE user_id = $1
		ORDER BY added_at`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query cart: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.MovieID, &item.AddedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Service) Clear(ctx context.Context, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM cart_items WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}
