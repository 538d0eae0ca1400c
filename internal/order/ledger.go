package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StatusListener receives order status changes after they are committed.
// The websocket hub implements it.
type StatusListener interface {
	BroadcastOrderUpdate(orderID string, status string)
}

// Ledger is the durable record of orders and the only writer of order
// status. All cross-instance coordination happens through its guarded
// updates; nothing here holds locks beyond a single transaction.
type Ledger struct {
	pool     *pgxpool.Pool
	listener StatusListener
	logger   *slog.Logger
}

func NewLedger(pool *pgxpool.Pool, listener StatusListener, logger *slog.Logger) *Ledger {
	return &Ledger{pool: pool, listener: listener, logger: logger}
}

// Checkout converts the user's cart into a pending order. Prices are pinned
// here against the current catalog, and the cart is cleared in the same
// transaction. The checkout token makes retries idempotent: a second call
// with the same token returns the order created by the first.
func (l *Ledger) Checkout(ctx context.Context, userID uuid.UUID, token string) (*Order, error) {
	if existing, err := l.byToken(ctx, token); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrOrderNotFound) {
		return nil, err
	}

	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var unpaid bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM orders
			WHERE user_id = $1 AND status IN ($2, $3)
		)`,
		userID, StatusPendingPayment, StatusPaymentProcessing,
	).Scan(&unpaid)
	if err != nil {
		return nil, fmt.Errorf("check unpaid orders: %w", err)
	}
	if unpaid {
		return nil, ErrUnpaidOrder
	}

	rows, err := tx.Query(ctx, `
		SELECT ci.movie_id,
		       m.price_cents,
		       m.available,
		       g.movie_id IS NOT NULL AS owned
		FROM cart_items ci
		LEFT JOIN movies m ON m.id = ci.movie_id
		LEFT JOIN access_grants g
		       ON g.user_id = ci.user_id AND g.movie_id = ci.movie_id
		WHERE ci.user_id = $1
		ORDER BY ci.added_at`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}

	var (
		items []LineItem
		total int64
	)
	for rows.Next() {
		var (
			movieID   uuid.UUID
			price     *int64
			available *bool
			owned     bool
		)
		if err := rows.Scan(&movieID, &price, &available, &owned); err != nil {
			rows.Close()
			return nil, err
		}
		if owned {
			rows.Close()
			return nil, ErrAlreadyOwned
		}
		if price == nil || available == nil || !*available {
			rows.Close()
			return nil, ErrPriceUnavailable
		}
		items = append(items, LineItem{MovieID: movieID, PriceCents: *price})
		total += *price
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrEmptyCart
	}

	now := time.Now().UTC()
	o := &Order{
		ID:            uuid.New(),
		UserID:        userID,
		Status:        StatusPendingPayment,
		TotalCents:    total,
		CheckoutToken: token,
		Items:         items,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (id, user_id, status, total_cents, checkout_token, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		o.ID, o.UserID, o.Status, o.TotalCents, token, now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Lost the race against a concurrent retry with the same token.
			return l.byToken(ctx, token)
		}
		return nil, fmt.Errorf("insert order: %w", err)
	}

	for _, item := range items {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items (order_id, movie_id, price_cents)
			VALUES ($1, $2, $3)`,
			o.ID, item.MovieID, item.PriceCents,
		)
		if err != nil {
			return nil, fmt.Errorf("insert order item: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM cart_items WHERE user_id = $1`, userID); err != nil {
		return nil, fmt.Errorf("clear cart: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return o, nil
}

// Transition applies a single guarded status change. The fromStatus check
// is the optimistic lock: if two reconciliation attempts race, exactly one
// UPDATE matches and the other caller sees ErrInvalidTransition.
func (l *Ledger) Transition(ctx context.Context, orderID uuid.UUID, from, to Status) (*Order, error) {
	if !from.CanTransitionTo(to) {
		return nil, ErrInvalidTransition
	}

	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	applied, err := l.transitionTx(ctx, tx, orderID, from, to)
	if err != nil {
		return nil, err
	}
	if !applied {
		var current Status
		err := tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("read order status: %w", err)
		}
		return nil, ErrInvalidTransition
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	l.broadcast(orderID, to)
	return l.Get(ctx, orderID)
}

// ApplyEvent records a provider event in the inbox and applies its
// transition in one transaction. Duplicate event ids are no-ops; a guarded
// update that finds the order already settled distinguishes benign
// re-confirmation from a conflicting stale outcome, which is flagged for
// manual review instead of being applied.
func (l *Ledger) ApplyEvent(ctx context.Context, eventID, eventType string, orderID uuid.UUID, from, to Status) (ApplyResult, *Order, error) {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, nil, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO webhook_inbox (event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType,
	)
	if err != nil {
		return 0, nil, fmt.Errorf("insert inbox: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ApplyDuplicate, nil, nil
	}

	applied, err := l.transitionTx(ctx, tx, orderID, from, to)
	if err != nil {
		return 0, nil, err
	}

	if !applied {
		var current Status
		err := tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&current)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			if err := l.flagTx(ctx, tx, eventID, orderID, "unknown order"); err != nil {
				return 0, nil, err
			}
			if err := tx.Commit(ctx); err != nil {
				return 0, nil, err
			}
			return ApplyConflict, nil, nil
		case err != nil:
			return 0, nil, fmt.Errorf("read order status: %w", err)
		}

		if current == to {
			// Same outcome delivered under a fresh event id. Keep the inbox
			// record, execute nothing.
			if err := tx.Commit(ctx); err != nil {
				return 0, nil, err
			}
			o, err := l.Get(ctx, orderID)
			return ApplyAlreadyDone, o, err
		}

		reason := fmt.Sprintf("stale %s event, order already %s", to, current)
		if err := l.flagTx(ctx, tx, eventID, orderID, reason); err != nil {
			return 0, nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return 0, nil, err
		}
		o, err := l.Get(ctx, orderID)
		return ApplyConflict, o, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, nil, err
	}

	l.broadcast(orderID, to)
	o, err := l.Get(ctx, orderID)
	return ApplyApplied, o, err
}

// transitionTx runs the guarded update and audit log insert. Returns false
// when the fromStatus guard did not match.
func (l *Ledger) transitionTx(ctx context.Context, tx pgx.Tx, orderID uuid.UUID, from, to Status) (bool, error) {
	// Entering paid raises the grants flag; a reversal clears it so the
	// sweep never re-grants a refunded order.
	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = $3,
		    grants_pending = (grants_pending OR $4) AND NOT $5,
		    updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		orderID, from, to, to == StatusPaid, to == StatusReversed,
	)
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO order_status_log (order_id, from_status, to_status)
		VALUES ($1, $2, $3)`,
		orderID, from, to,
	)
	if err != nil {
		return false, fmt.Errorf("insert status log: %w", err)
	}
	return true, nil
}

// FlagEvent records a verified event that cannot be reconciled at all, for
// example one whose order reference does not parse. The inbox row makes the
// flag idempotent and lets the webhook handler acknowledge the delivery so
// the provider stops retrying something that can never succeed.
func (l *Ledger) FlagEvent(ctx context.Context, eventID, eventType, reason string) error {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO webhook_inbox (event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType,
	)
	if err != nil {
		return fmt.Errorf("insert inbox: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO flagged_events (event_id, order_id, reason)
		VALUES ($1, NULL, $2)`,
		eventID, reason,
	)
	if err != nil {
		return fmt.Errorf("insert flagged event: %w", err)
	}
	return tx.Commit(ctx)
}

func (l *Ledger) flagTx(ctx context.Context, tx pgx.Tx, eventID string, orderID uuid.UUID, reason string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO flagged_events (event_id, order_id, reason)
		VALUES ($1, $2, $3)`,
		eventID, orderID, reason,
	)
	if err != nil {
		return fmt.Errorf("insert flagged event: %w", err)
	}
	return nil
}

func (l *Ledger) Get(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	return l.getWhere(ctx, `WHERE id = $1`, orderID)
}

// GetForUser loads an order only if the given user owns it.
func (l *Ledger) GetForUser(ctx context.Context, userID, orderID uuid.UUID) (*Order, error) {
	return l.getWhere(ctx, `WHERE id = $1 AND user_id = $2`, orderID, userID)
}

func (l *Ledger) byToken(ctx context.Context, token string) (*Order, error) {
	return l.getWhere(ctx, `WHERE checkout_token = $1`, token)
}

func (l *Ledger) getWhere(ctx context.Context, where string, args ...any) (*Order, error) {
	var o Order
	err := l.pool.QueryRow(ctx, `
		SELECT id, user_id, status, total_cents, checkout_token, provider_ref,
		       grants_pending, created_at, updated_at
		FROM orders `+where, args...,
	).Scan(
		&o.ID, &o.UserID, &o.Status, &o.TotalCents, &o.CheckoutToken,
		&o.ProviderRef, &o.GrantsPending, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}

	if err := l.loadItems(ctx, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (l *Ledger) loadItems(ctx context.Context, o *Order) error {
	rows, err := l.pool.Query(ctx, `
		SELECT movie_id, price_cents
		FROM order_items
		WHERE order_id = $1
		ORDER BY movie_id`, o.ID,
	)
	if err != nil {
		return fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item LineItem
		if err := rows.Scan(&item.MovieID, &item.PriceCents); err != nil {
			return err
		}
		o.Items = append(o.Items, item)
	}
	return rows.Err()
}

// ListByUser returns the user's orders, newest first, optionally filtered
// by status.
func (l *Ledger) ListByUser(ctx context.Context, userID uuid.UUID, status Status) ([]Order, error) {
	query := `
		SELECT id, user_id, status, total_cents, checkout_token, provider_ref,
		       grants_pending, created_at, updated_at
		FROM orders
		WHERE user_id = $1`
	args := []any{userID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var result []Order
	for rows.Next() {
		var o Order
		err := rows.Scan(
			&o.ID, &o.UserID, &o.Status, &o.TotalCents, &o.CheckoutToken,
			&o.ProviderRef, &o.GrantsPending, &o.CreatedAt, &o.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range result {
		if err := l.loadItems(ctx, &result[i]); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// AttachIntent records a provider payment intent and pins the provider
// reference on the order. Historical intents accumulate; the latest one is
// the active intent for a non-terminal order.
func (l *Ledger) AttachIntent(ctx context.Context, orderID, intentID uuid.UUID, providerRef, redirectURL string, amountCents int64) error {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO payment_intents (id, order_id, amount_cents, provider_ref, redirect_url)
		VALUES ($1, $2, $3, $4, $5)`,
		intentID, orderID, amountCents, providerRef, redirectURL,
	)
	if err != nil {
		return fmt.Errorf("insert payment intent: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE orders SET provider_ref = $2, updated_at = NOW() WHERE id = $1`,
		orderID, providerRef,
	)
	if err != nil {
		return fmt.Errorf("set provider ref: %w", err)
	}

	return tx.Commit(ctx)
}

// MirrorIntentStatus copies the provider's outcome onto the latest intent
// row. Best-effort bookkeeping; the order status is the source of truth.
func (l *Ledger) MirrorIntentStatus(ctx context.Context, orderID uuid.UUID, status string) error {
	_, err := l.pool.Exec(ctx, `
		UPDATE payment_intents
		SET status = $2, updated_at = NOW()
		WHERE id = (
			SELECT id FROM payment_intents
			WHERE order_id = $1
			ORDER BY created_at DESC
			LIMIT 1
		)`,
		orderID, status,
	)
	if err != nil {
		return fmt.Errorf("mirror intent status: %w", err)
	}
	return nil
}

// LatestRedirectURL returns the provider-hosted payment page for the most
// recent intent, for idempotent checkout retries.
func (l *Ledger) LatestRedirectURL(ctx context.Context, orderID uuid.UUID) (string, error) {
	var url string
	err := l.pool.QueryRow(ctx, `
		SELECT redirect_url FROM payment_intents
		WHERE order_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, orderID,
	).Scan(&url)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest redirect url: %w", err)
	}
	return url, nil
}

func (l *Ledger) MarkGrantsWritten(ctx context.Context, orderID uuid.UUID) error {
	_, err := l.pool.Exec(ctx, `
		UPDATE orders SET grants_pending = FALSE, updated_at = NOW() WHERE id = $1`,
		orderID,
	)
	if err != nil {
		return fmt.Errorf("mark grants written: %w", err)
	}
	return nil
}

// ListGrantsPending returns paid orders whose access grants have not been
// confirmed yet, oldest first, for the background sweep.
func (l *Ledger) ListGrantsPending(ctx context.Context, limit int) ([]Order, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT id, user_id, status, total_cents, checkout_token, provider_ref,
		       grants_pending, created_at, updated_at
		FROM orders
		WHERE grants_pending AND status = $1
		ORDER BY updated_at
		LIMIT $2`, StatusPaid, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query grants pending: %w", err)
	}
	defer rows.Close()

	var result []Order
	for rows.Next() {
		var o Order
		err := rows.Scan(
			&o.ID, &o.UserID, &o.Status, &o.TotalCents, &o.CheckoutToken,
			&o.ProviderRef, &o.GrantsPending, &o.CreatedAt, &o.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range result {
		if err := l.loadItems(ctx, &result[i]); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (l *Ledger) broadcast(orderID uuid.UUID, status Status) {
	if l.listener != nil {
		l.listener.BroadcastOrderUpdate(orderID.String(), string(status))
	}
}
