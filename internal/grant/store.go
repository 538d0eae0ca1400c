package grant

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store records which user owns which purchased movie. The streaming
// subsystem consults HasAccess to authorize playback.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Grant upserts an access grant. A grant that already exists is left
// untouched, so re-purchase and duplicate reconciliation are no-ops.
// Every grant carries the order that paid for it.
func (s *Store) Grant(ctx context.Context, userID, movieID, orderID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO access_grants (user_id, movie_id, source_order_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, movie_id) DO NOTHING`,
		userID, movieID, orderID,
	)
	if err != nil {
		return fmt.Errorf("insert grant: %w", err)
	}
	return nil
}

func (s *Store) HasAccess(ctx context.Context, userID, movieID uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM access_grants WHERE user_id = $1 AND movie_id = $2
		)`,
		userID, movieID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query grant: %w", err)
	}
	return exists, nil
}

// Revoke removes a grant. Used only by the reversal path.
func (s *Store) Revoke(ctx context.Context, userID, movieID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM access_grants WHERE user_id = $1 AND movie_id = $2`,
		userID, movieID,
	)
	if err != nil {
		return fmt.Errorf("delete grant: %w", err)
	}
	return nil
}
