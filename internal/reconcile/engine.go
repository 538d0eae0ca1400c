package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"moviegate/internal/contracts"
	"moviegate/internal/order"

	"github.com/google/uuid"
)

// Engine owns the order lifecycle. It consumes normalized provider events,
// applies guarded transitions through the ledger, and emits access grants
// and notifications. It keeps no state of its own: the ledger's fromStatus
// guard and the webhook inbox are the only synchronization, which makes
// every operation here safe to run concurrently on any instance.
type Engine struct {
	ledger   Ledger
	grants   Grants
	gateway  Gateway
	notifier Notifier
	dedup    DedupWindow
	logger   *slog.Logger
}

func New(ledger Ledger, grants Grants, gw Gateway, notifier Notifier, dedup DedupWindow, logger *slog.Logger) *Engine {
	return &Engine{
		ledger:   ledger,
		grants:   grants,
		gateway:  gw,
		notifier: notifier,
		dedup:    dedup,
		logger:   logger,
	}
}

// Checkout pins the cart into an order and starts payment with the
// provider. Retrying with the same token returns the same order; if payment
// was already started, the stored redirect URL is returned again.
func (e *Engine) Checkout(ctx context.Context, userID uuid.UUID, token string) (*order.Order, string, error) {
	o, err := e.ledger.Checkout(ctx, userID, token)
	if err != nil {
		return nil, "", err
	}

	if o.Status != order.StatusPendingPayment {
		url, err := e.ledger.LatestRedirectURL(ctx, o.ID)
		if err != nil {
			e.logger.Warn("redirect url lookup failed", "order_id", o.ID, "err", err)
			url = ""
		}
		return o, url, nil
	}

	return e.startPayment(ctx, o)
}

func (e *Engine) startPayment(ctx context.Context, o *order.Order) (*order.Order, string, error) {
	intent, err := e.gateway.CreateIntent(ctx, o)
	if err != nil {
		failed, terr := e.ledger.Transition(ctx, o.ID, order.StatusPendingPayment, order.StatusFailed)
		if terr != nil {
			if errors.Is(terr, order.ErrInvalidTransition) {
				// Someone else already moved the order (e.g. a cancel racing
				// the intent call). Their outcome stands.
				if cur, gerr := e.ledger.Get(ctx, o.ID); gerr == nil {
					return cur, "", err
				}
				return o, "", err
			}
			return nil, "", terr
		}
		e.notify(ctx, failed.UserID, contracts.TemplatePaymentFailed, map[string]string{
			"order_id": o.ID.String(),
		})
		return failed, "", err
	}

	if err := e.ledger.AttachIntent(ctx, o.ID, intent.ID, intent.ProviderRef, intent.RedirectURL, intent.AmountCents); err != nil {
		return nil, "", err
	}

	updated, err := e.ledger.Transition(ctx, o.ID, order.StatusPendingPayment, order.StatusPaymentProcessing)
	if err != nil {
		if errors.Is(err, order.ErrInvalidTransition) {
			cur, gerr := e.ledger.Get(ctx, o.ID)
			if gerr != nil {
				return nil, "", gerr
			}
			return cur, intent.RedirectURL, nil
		}
		return nil, "", err
	}

	return updated, intent.RedirectURL, nil
}

// HandleEvent reconciles one provider event. Duplicates (by provider event
// id) and lost transition races are benign no-ops; a stale outcome for an
// already-settled order is flagged, never applied. An error return means
// the event was not durably recorded and the provider should redeliver.
func (e *Engine) HandleEvent(ctx context.Context, evt contracts.PaymentEvent) error {
	if seen, err := e.dedup.Seen(ctx, evt.EventID); err != nil {
		e.logger.Warn("dedup window unavailable, falling through to inbox", "err", err)
	} else if seen {
		e.logger.Info("duplicate provider event ignored", "event_id", evt.EventID)
		return nil
	}

	eventType := "payment." + string(evt.Outcome)

	orderID, err := uuid.Parse(evt.OrderID)
	if err != nil {
		// Signed by the provider yet unreconcilable; redelivery can never
		// fix it, so flag it durably and acknowledge.
		e.logger.Error("provider event carries unparseable order ref",
			"event_id", evt.EventID, "order_ref", evt.OrderID)
		if ferr := e.ledger.FlagEvent(ctx, evt.EventID, eventType,
			fmt.Sprintf("unparseable order id %q", evt.OrderID)); ferr != nil {
			return ferr
		}
		if err := e.dedup.Mark(ctx, evt.EventID); err != nil {
			e.logger.Warn("dedup mark failed", "event_id", evt.EventID, "err", err)
		}
		return nil
	}

	var res order.ApplyResult
	var o *order.Order

	switch evt.Outcome {
	case contracts.PaymentSucceeded:
		res, o, err = e.ledger.ApplyEvent(ctx, evt.EventID, eventType, orderID,
			order.StatusPaymentProcessing, order.StatusPaid)
		if err != nil {
			return err
		}
		if res == order.ApplyApplied {
			e.mirrorIntent(ctx, orderID, "succeeded")
			e.fulfill(ctx, o)
		}

	case contracts.PaymentFailed:
		res, o, err = e.ledger.ApplyEvent(ctx, evt.EventID, eventType, orderID,
			order.StatusPaymentProcessing, order.StatusFailed)
		if err != nil {
			return err
		}
		if res == order.ApplyApplied {
			e.mirrorIntent(ctx, orderID, "failed")
			e.notify(ctx, o.UserID, contracts.TemplatePaymentFailed, map[string]string{
				"order_id": o.ID.String(),
			})
		}

	case contracts.PaymentReversed:
		res, o, err = e.ledger.ApplyEvent(ctx, evt.EventID, eventType, orderID,
			order.StatusPaid, order.StatusReversed)
		if err != nil {
			return err
		}
		if res == order.ApplyApplied {
			e.mirrorIntent(ctx, orderID, "reversed")
			e.revokeGrants(ctx, o)
			e.notify(ctx, o.UserID, contracts.TemplateOrderReversed, map[string]string{
				"order_id": o.ID.String(),
			})
		}

	default:
		return fmt.Errorf("unknown payment outcome %q", evt.Outcome)
	}

	switch res {
	case order.ApplyDuplicate:
		e.logger.Info("provider event already processed", "event_id", evt.EventID)
	case order.ApplyAlreadyDone:
		e.logger.Info("order already settled with same outcome",
			"event_id", evt.EventID, "order_id", evt.OrderID, "outcome", evt.Outcome)
	case order.ApplyConflict:
		e.logger.Warn("stale provider event flagged for review",
			"event_id", evt.EventID, "order_id", evt.OrderID, "outcome", evt.Outcome)
	}

	if err := e.dedup.Mark(ctx, evt.EventID); err != nil {
		e.logger.Warn("dedup mark failed", "event_id", evt.EventID, "err", err)
	}
	return nil
}

// Cancel aborts an order the user has not paid for yet. Only
// pending_payment orders can be cancelled; once the provider is involved
// the system waits for its definitive outcome.
func (e *Engine) Cancel(ctx context.Context, userID, orderID uuid.UUID) (*order.Order, error) {
	o, err := e.ledger.GetForUser(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	return e.ledger.Transition(ctx, o.ID, order.StatusPendingPayment, order.StatusCancelled)
}

// Reverse asks the provider to reverse a paid order. The REVERSED webhook
// completes the transition and revokes access; this call only initiates.
func (e *Engine) Reverse(ctx context.Context, orderID uuid.UUID) error {
	o, err := e.ledger.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != order.StatusPaid {
		return order.ErrInvalidTransition
	}
	if err := e.gateway.Reverse(ctx, orderID, o.ProviderRef); err != nil {
		return err
	}
	e.logger.Info("reversal requested", "order_id", orderID)
	return nil
}

// fulfill writes access grants for every line item, clears the pending
// flag, then enqueues the purchase notification. Re-entrant: grants are
// upserts and the flag is cleared only after all of them landed, so the
// sweep can rerun this until it sticks. The notification comes last so
// sweep reruns do not enqueue it again.
func (e *Engine) fulfill(ctx context.Context, o *order.Order) {
	for _, item := range o.Items {
		if err := e.grants.Grant(ctx, o.UserID, item.MovieID, o.ID); err != nil {
			e.logger.Error("grant write failed, sweep will retry",
				"order_id", o.ID, "movie_id", item.MovieID, "err", err)
			return
		}
	}

	if err := e.ledger.MarkGrantsWritten(ctx, o.ID); err != nil {
		e.logger.Error("mark grants written failed, sweep will retry",
			"order_id", o.ID, "err", err)
		return
	}

	e.notify(ctx, o.UserID, contracts.TemplateOrderPaid, map[string]string{
		"order_id":    o.ID.String(),
		"total_cents": strconv.FormatInt(o.TotalCents, 10),
	})
}

func (e *Engine) revokeGrants(ctx context.Context, o *order.Order) {
	for _, item := range o.Items {
		if err := e.grants.Revoke(ctx, o.UserID, item.MovieID); err != nil {
			e.logger.Error("grant revoke failed",
				"order_id", o.ID, "movie_id", item.MovieID, "err", err)
		}
	}
}

func (e *Engine) notify(ctx context.Context, userID uuid.UUID, template string, payload map[string]string) {
	if err := e.notifier.Enqueue(ctx, userID, template, payload); err != nil {
		// Fire-and-forget: a notification failure never affects the order.
		e.logger.Warn("notification enqueue failed",
			"user_id", userID, "template", template, "err", err)
	}
}

func (e *Engine) mirrorIntent(ctx context.Context, orderID uuid.UUID, status string) {
	if err := e.ledger.MirrorIntentStatus(ctx, orderID, status); err != nil {
		e.logger.Warn("mirror intent status failed", "order_id", orderID, "err", err)
	}
}

// RunSweeper periodically repairs paid orders whose grants did not land.
// Blocks until ctx is cancelled.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration, batch int, alertAfter time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.SweepGrants(ctx, batch, alertAfter)
		}
	}
}

// SweepGrants runs one repair pass.
func (e *Engine) SweepGrants(ctx context.Context, batch int, alertAfter time.Duration) {
	orders, err := e.ledger.ListGrantsPending(ctx, batch)
	if err != nil {
		e.logger.Error("list grants pending failed", "err", err)
		return
	}

	for i := range orders {
		o := &orders[i]
		if alertAfter > 0 && time.Since(o.UpdatedAt) > alertAfter {
			e.logger.Error("access grants unresolved past alert threshold",
				"order_id", o.ID, "pending_for", time.Since(o.UpdatedAt).String())
		}
		e.fulfill(ctx, o)
	}
}
