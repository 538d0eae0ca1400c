package reconcile

import (
	"context"

	"moviegate/internal/gateway"
	"moviegate/internal/order"

	"github.com/google/uuid"
)

// Ledger is the slice of the order ledger the engine drives. The concrete
// implementation is order.Ledger; tests substitute an in-memory fake.
type Ledger interface {
	Checkout(ctx context.Context, userID uuid.UUID, token string) (*order.Order, error)
	Get(ctx context.Context, orderID uuid.UUID) (*order.Order, error)
	GetForUser(ctx context.Context, userID, orderID uuid.UUID) (*order.Order, error)
	Transition(ctx context.Context, orderID uuid.UUID, from, to order.Status) (*order.Order, error)
	ApplyEvent(ctx context.Context, eventID, eventType string, orderID uuid.UUID, from, to order.Status) (order.ApplyResult, *order.Order, error)
	FlagEvent(ctx context.Context, eventID, eventType, reason string) error
	AttachIntent(ctx context.Context, orderID, intentID uuid.UUID, providerRef, redirectURL string, amountCents int64) error
	MirrorIntentStatus(ctx context.Context, orderID uuid.UUID, status string) error
	LatestRedirectURL(ctx context.Context, orderID uuid.UUID) (string, error)
	MarkGrantsWritten(ctx context.Context, orderID uuid.UUID) error
	ListGrantsPending(ctx context.Context, limit int) ([]order.Order, error)
}

// Grants is the access grant store. Grant must be an idempotent upsert.
type Grants interface {
	Grant(ctx context.Context, userID, movieID, orderID uuid.UUID) error
	Revoke(ctx context.Context, userID, movieID uuid.UUID) error
}

// Gateway creates provider intents and issues reversal requests.
type Gateway interface {
	CreateIntent(ctx context.Context, o *order.Order) (*gateway.Intent, error)
	Reverse(ctx context.Context, orderID uuid.UUID, providerRef string) error
}

// Notifier enqueues a message for the external email component.
type Notifier interface {
	Enqueue(ctx context.Context, userID uuid.UUID, template string, payload map[string]string) error
}

// DedupWindow is the bounded set of recently seen provider event ids.
// Best-effort: errors must not stop reconciliation.
type DedupWindow interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}
