package contracts

import "time"

// PaymentOutcome is the provider's definitive verdict for an order,
// normalized from the raw webhook payload.
type PaymentOutcome string

const (
	PaymentSucceeded PaymentOutcome = "succeeded"
	PaymentFailed    PaymentOutcome = "failed"
	PaymentReversed  PaymentOutcome = "reversed"
)

// PaymentEvent is an inbound provider notification after signature
// verification. EventID is the provider's event id and is the dedup key.
type PaymentEvent struct {
	EventID    string         `json:"event_id"`
	OrderID    string         `json:"order_id"`
	Outcome    PaymentOutcome `json:"outcome"`
	ReceivedAt time.Time      `json:"received_at"`
}

// NotificationEvent is published to the notifications exchange for the
// external email consumer. Fire-and-forget from the order's point of view.
type NotificationEvent struct {
	EventID   string            `json:"event_id"`
	UserID    string            `json:"user_id"`
	Template  string            `json:"template"`
	Payload   map[string]string `json:"payload,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

const (
	TemplateOrderPaid     = "order.paid"
	TemplatePaymentFailed = "order.payment_failed"
	TemplateOrderReversed = "order.reversed"
)
