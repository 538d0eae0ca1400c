package order

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPendingPayment    Status = "pending_payment"
	StatusPaymentProcessing Status = "payment_processing"
	StatusPaid              Status = "paid"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
	StatusReversed          Status = "reversed"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrEmptyCart         = errors.New("cart is empty")
	ErrPriceUnavailable  = errors.New("price unavailable")
	ErrAlreadyOwned      = errors.New("item already owned")
	ErrUnpaidOrder       = errors.New("unpaid order exists")
)

// transitions is the full forward-only state diagram. Anything not listed
// here is rejected before touching the database.
var transitions = map[Status][]Status{
	StatusPendingPayment:    {StatusPaymentProcessing, StatusFailed, StatusCancelled},
	StatusPaymentProcessing: {StatusPaid, StatusFailed},
	StatusPaid:              {StatusReversed},
}

func (s Status) CanTransitionTo(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible. Paid is not
// terminal in this sense: an explicit reversal may still move it.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

func (s Status) Valid() bool {
	switch s {
	case StatusPendingPayment, StatusPaymentProcessing, StatusPaid,
		StatusFailed, StatusCancelled, StatusReversed:
		return true
	}
	return false
}

// LineItem is a cart item with its price pinned at checkout time.
type LineItem struct {
	MovieID    uuid.UUID `json:"movie_id"`
	PriceCents int64     `json:"price_cents"`
}

type Order struct {
	ID            uuid.UUID  `json:"id"`
	UserID        uuid.UUID  `json:"user_id"`
	Status        Status     `json:"status"`
	TotalCents    int64      `json:"total_cents"`
	CheckoutToken string     `json:"-"`
	ProviderRef   string     `json:"-"`
	GrantsPending bool       `json:"-"`
	Items         []LineItem `json:"items"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ApplyResult describes what a deduplicated event application did.
type ApplyResult int

const (
	// ApplyApplied: the event was new and the transition happened.
	ApplyApplied ApplyResult = iota
	// ApplyDuplicate: the provider event id was already in the inbox.
	ApplyDuplicate
	// ApplyAlreadyDone: a different event already moved the order to the
	// target status; re-confirmation, nothing to execute.
	ApplyAlreadyDone
	// ApplyConflict: the order settled in a conflicting state (e.g. a stale
	// FAILED arriving after PAID). Recorded for manual review, not applied.
	ApplyConflict
)
