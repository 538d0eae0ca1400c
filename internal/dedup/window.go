package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "payevent:"

// Window is a bounded-retention set of recently processed provider event
// ids, shared across instances through Redis. It is a fast path only: the
// webhook inbox in Postgres remains the authoritative dedup, so Redis
// errors degrade to "not seen" rather than blocking reconciliation.
type Window struct {
	client *redis.Client
	ttl    time.Duration
}

func NewWindow(client *redis.Client, ttl time.Duration) *Window {
	return &Window{client: client, ttl: ttl}
}

func (w *Window) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := w.client.Exists(ctx, keyPrefix+eventID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Mark records the event id for the retention window. Called after the
// event is durably recorded, so a crash in between only costs one extra
// inbox lookup on redelivery.
func (w *Window) Mark(ctx context.Context, eventID string) error {
	return w.client.Set(ctx, keyPrefix+eventID, 1, w.ttl).Err()
}
