package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"moviegate/internal/contracts"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Notifier hands messages to the external email component through the
// notification outbox. Enqueue is durable but fire-and-forget from the
// caller's perspective: delivery is the dispatcher's problem, and a
// notification failure never affects order state.
type Notifier struct {
	pool *pgxpool.Pool
}

func NewNotifier(pool *pgxpool.Pool) *Notifier {
	return &Notifier{pool: pool}
}

func (n *Notifier) Enqueue(ctx context.Context, userID uuid.UUID, template string, payload map[string]string) error {
	evt := contracts.NotificationEvent{
		EventID:   uuid.New().String(),
		UserID:    userID.String(),
		Template:  template,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	_, err = n.pool.Exec(ctx, `
		INSERT INTO notification_outbox (event_id, event_type, payload)
		VALUES ($1, $2, $3)`,
		evt.EventID, template, body,
	)
	if err != nil {
		return fmt.Errorf("insert notification outbox: %w", err)
	}
	return nil
}
