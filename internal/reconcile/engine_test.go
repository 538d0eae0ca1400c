package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"moviegate/internal/contracts"
	"moviegate/internal/gateway"
	"moviegate/internal/order"

	"github.com/google/uuid"
)

type fakeLedger struct {
	mu            sync.Mutex
	orders        map[uuid.UUID]*order.Order
	inbox         map[string]bool
	flags         []string
	redirects     map[uuid.UUID]string
	intentStatus  map[uuid.UUID]string
	checkoutOrder *order.Order
	checkoutErr   error
	markGrantsErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		orders:       make(map[uuid.UUID]*order.Order),
		inbox:        make(map[string]bool),
		redirects:    make(map[uuid.UUID]string),
		intentStatus: make(map[uuid.UUID]string),
	}
}

func (f *fakeLedger) put(o *order.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *o
	f.orders[o.ID] = &cp
}

func (f *fakeLedger) status(id uuid.UUID) order.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders[id].Status
}

func (f *fakeLedger) pending(id uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders[id].GrantsPending
}

func (f *fakeLedger) Checkout(ctx context.Context, userID uuid.UUID, token string) (*order.Order, error) {
	if f.checkoutErr != nil {
		return nil, f.checkoutErr
	}
	return f.checkoutOrder, nil
}

func (f *fakeLedger) Get(ctx context.Context, orderID uuid.UUID) (*order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (f *fakeLedger) GetForUser(ctx context.Context, userID, orderID uuid.UUID) (*order.Order, error) {
	o, err := f.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, order.ErrOrderNotFound
	}
	return o, nil
}

func (f *fakeLedger) Transition(ctx context.Context, orderID uuid.UUID, from, to order.Status) (*order.Order, error) {
	if !from.CanTransitionTo(to) {
		return nil, order.ErrInvalidTransition
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	if o.Status != from {
		return nil, order.ErrInvalidTransition
	}
	o.Status = to
	o.GrantsPending = (o.GrantsPending || to == order.StatusPaid) && to != order.StatusReversed
	o.UpdatedAt = time.Now()
	cp := *o
	return &cp, nil
}

func (f *fakeLedger) ApplyEvent(ctx context.Context, eventID, eventType string, orderID uuid.UUID, from, to order.Status) (order.ApplyResult, *order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inbox[eventID] {
		return order.ApplyDuplicate, nil, nil
	}
	f.inbox[eventID] = true

	o, ok := f.orders[orderID]
	if !ok {
		f.flags = append(f.flags, "unknown order")
		return order.ApplyConflict, nil, nil
	}

	if o.Status == from {
		o.Status = to
		o.GrantsPending = (o.GrantsPending || to == order.StatusPaid) && to != order.StatusReversed
		o.UpdatedAt = time.Now()
		cp := *o
		return order.ApplyApplied, &cp, nil
	}
	if o.Status == to {
		cp := *o
		return order.ApplyAlreadyDone, &cp, nil
	}
	f.flags = append(f.flags, fmt.Sprintf("stale %s event, order already %s", to, o.Status))
	cp := *o
	return order.ApplyConflict, &cp, nil
}

func (f *fakeLedger) AttachIntent(ctx context.Context, orderID, intentID uuid.UUID, providerRef, redirectURL string, amountCents int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[orderID]; ok {
		o.ProviderRef = providerRef
	}
	f.redirects[orderID] = redirectURL
	return nil
}

func (f *fakeLedger) MirrorIntentStatus(ctx context.Context, orderID uuid.UUID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intentStatus[orderID] = status
	return nil
}

func (f *fakeLedger) LatestRedirectURL(ctx context.Context, orderID uuid.UUID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.redirects[orderID], nil
}

func (f *fakeLedger) MarkGrantsWritten(ctx context.Context, orderID uuid.UUID) error {
	if f.markGrantsErr != nil {
		return f.markGrantsErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[orderID]; ok {
		o.GrantsPending = false
	}
	return nil
}

func (f *fakeLedger) ListGrantsPending(ctx context.Context, limit int) ([]order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []order.Order
	for _, o := range f.orders {
		if o.GrantsPending && o.Status == order.StatusPaid {
			out = append(out, *o)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeLedger) FlagEvent(ctx context.Context, eventID, eventType, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inbox[eventID] {
		return nil
	}
	f.inbox[eventID] = true
	f.flags = append(f.flags, reason)
	return nil
}

type fakeGrants struct {
	mu       sync.Mutex
	grants   map[string]uuid.UUID
	grantErr error
}

func newFakeGrants() *fakeGrants {
	return &fakeGrants{grants: make(map[string]uuid.UUID)}
}

func grantKey(userID, movieID uuid.UUID) string {
	return userID.String() + "|" + movieID.String()
}

func (f *fakeGrants) Grant(ctx context.Context, userID, movieID, orderID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.grantErr != nil {
		return f.grantErr
	}
	if _, exists := f.grants[grantKey(userID, movieID)]; !exists {
		f.grants[grantKey(userID, movieID)] = orderID
	}
	return nil
}

func (f *fakeGrants) Revoke(ctx context.Context, userID, movieID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.grants, grantKey(userID, movieID))
	return nil
}

func (f *fakeGrants) has(userID, movieID uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.grants[grantKey(userID, movieID)]
	return ok
}

func (f *fakeGrants) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.grants)
}

type fakeGateway struct {
	mu            sync.Mutex
	intent        *gateway.Intent
	intentErr     error
	intentCalls   int
	reverseCalls  int
	reverseErr    error
	reversedOrder uuid.UUID
}

func (f *fakeGateway) CreateIntent(ctx context.Context, o *order.Order) (*gateway.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intentCalls++
	if f.intentErr != nil {
		return nil, f.intentErr
	}
	return f.intent, nil
}

func (f *fakeGateway) Reverse(ctx context.Context, orderID uuid.UUID, providerRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverseCalls++
	f.reversedOrder = orderID
	return f.reverseErr
}

type fakeNotifier struct {
	mu        sync.Mutex
	templates []string
}

func (f *fakeNotifier) Enqueue(ctx context.Context, userID uuid.UUID, template string, payload map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.templates = append(f.templates, template)
	return nil
}

func (f *fakeNotifier) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.templates...)
}

type fakeDedup struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func newFakeDedup() *fakeDedup {
	return &fakeDedup{seen: make(map[string]bool)}
}

func (f *fakeDedup) Seen(ctx context.Context, eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	return f.seen[eventID], nil
}

func (f *fakeDedup) Mark(ctx context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.seen[eventID] = true
	return nil
}

type fixture struct {
	engine   *Engine
	ledger   *fakeLedger
	grants   *fakeGrants
	gateway  *fakeGateway
	notifier *fakeNotifier
	dedup    *fakeDedup
}

func newFixture() *fixture {
	f := &fixture{
		ledger:   newFakeLedger(),
		grants:   newFakeGrants(),
		gateway:  &fakeGateway{},
		notifier: &fakeNotifier{},
		dedup:    newFakeDedup(),
	}
	f.engine = New(f.ledger, f.grants, f.gateway, f.notifier, f.dedup,
		slog.New(slog.DiscardHandler))
	return f
}

func processingOrder(items int) *order.Order {
	o := &order.Order{
		ID:     uuid.New(),
		UserID: uuid.New(),
		Status: order.StatusPaymentProcessing,
	}
	for i := 0; i < items; i++ {
		o.Items = append(o.Items, order.LineItem{MovieID: uuid.New(), PriceCents: 999})
		o.TotalCents += 999
	}
	return o
}

func successEvent(o *order.Order, eventID string) contracts.PaymentEvent {
	return contracts.PaymentEvent{
		EventID: eventID,
		OrderID: o.ID.String(),
		Outcome: contracts.PaymentSucceeded,
	}
}

func TestHandleEvent_SucceededGrantsAccess(t *testing.T) {
	f := newFixture()
	o := processingOrder(2)
	f.ledger.put(o)

	if err := f.engine.HandleEvent(context.Background(), successEvent(o, "evt-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := f.ledger.status(o.ID); got != order.StatusPaid {
		t.Errorf("status = %s, want paid", got)
	}
	for _, item := range o.Items {
		if !f.grants.has(o.UserID, item.MovieID) {
			t.Errorf("missing grant for %s", item.MovieID)
		}
	}
	if f.ledger.pending(o.ID) {
		t.Error("grants still pending after successful fulfillment")
	}
	if got := f.notifier.sent(); len(got) != 1 || got[0] != contracts.TemplateOrderPaid {
		t.Errorf("notifications = %v", got)
	}
	if !f.dedup.seen["evt-1"] {
		t.Error("event not marked in dedup window")
	}
}

func TestHandleEvent_DuplicateEventID(t *testing.T) {
	f := newFixture()
	o := processingOrder(1)
	f.ledger.put(o)
	evt := successEvent(o, "evt-dup")

	for i := 0; i < 3; i++ {
		if err := f.engine.HandleEvent(context.Background(), evt); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	if got := f.grants.count(); got != 1 {
		t.Errorf("grants = %d, want exactly 1", got)
	}
	if got := f.notifier.sent(); len(got) != 1 {
		t.Errorf("notifications = %v, want exactly 1", got)
	}
}

func TestHandleEvent_DuplicateSurvivesDedupOutage(t *testing.T) {
	f := newFixture()
	f.dedup.err = errors.New("redis down")
	o := processingOrder(1)
	f.ledger.put(o)
	evt := successEvent(o, "evt-outage")

	// With Redis gone the durable inbox is the only dedup; it must hold.
	for i := 0; i < 2; i++ {
		if err := f.engine.HandleEvent(context.Background(), evt); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	if got := f.grants.count(); got != 1 {
		t.Errorf("grants = %d, want exactly 1", got)
	}
}

func TestHandleEvent_RepeatSuccessFreshEventID(t *testing.T) {
	f := newFixture()
	o := processingOrder(1)
	f.ledger.put(o)

	if err := f.engine.HandleEvent(context.Background(), successEvent(o, "evt-a")); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.HandleEvent(context.Background(), successEvent(o, "evt-b")); err != nil {
		t.Fatal(err)
	}

	if got := f.ledger.status(o.ID); got != order.StatusPaid {
		t.Errorf("status = %s", got)
	}
	if got := f.grants.count(); got != 1 {
		t.Errorf("grants = %d, want 1", got)
	}
	if got := f.notifier.sent(); len(got) != 1 {
		t.Errorf("notifications = %v, want 1", got)
	}
}

func TestHandleEvent_StaleFailedAfterPaid(t *testing.T) {
	f := newFixture()
	o := processingOrder(1)
	f.ledger.put(o)

	if err := f.engine.HandleEvent(context.Background(), successEvent(o, "evt-ok")); err != nil {
		t.Fatal(err)
	}

	stale := contracts.PaymentEvent{
		EventID: "evt-stale",
		OrderID: o.ID.String(),
		Outcome: contracts.PaymentFailed,
	}
	if err := f.engine.HandleEvent(context.Background(), stale); err != nil {
		t.Fatalf("stale event returned error: %v", err)
	}

	if got := f.ledger.status(o.ID); got != order.StatusPaid {
		t.Errorf("paid order downgraded to %s", got)
	}
	if !f.grants.has(o.UserID, o.Items[0].MovieID) {
		t.Error("access lost after stale failed event")
	}
	if len(f.ledger.flags) != 1 {
		t.Errorf("flags = %v, want one manual-review flag", f.ledger.flags)
	}
}

func TestHandleEvent_FailedNotifies(t *testing.T) {
	f := newFixture()
	o := processingOrder(1)
	f.ledger.put(o)

	evt := contracts.PaymentEvent{
		EventID: "evt-f",
		OrderID: o.ID.String(),
		Outcome: contracts.PaymentFailed,
	}
	if err := f.engine.HandleEvent(context.Background(), evt); err != nil {
		t.Fatal(err)
	}

	if got := f.ledger.status(o.ID); got != order.StatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
	if f.grants.count() != 0 {
		t.Error("failed order produced grants")
	}
	if got := f.notifier.sent(); len(got) != 1 || got[0] != contracts.TemplatePaymentFailed {
		t.Errorf("notifications = %v", got)
	}
}

func TestHandleEvent_ReversedRevokesAccess(t *testing.T) {
	f := newFixture()
	o := processingOrder(2)
	f.ledger.put(o)

	if err := f.engine.HandleEvent(context.Background(), successEvent(o, "evt-pay")); err != nil {
		t.Fatal(err)
	}
	if f.grants.count() != 2 {
		t.Fatalf("setup: grants = %d", f.grants.count())
	}

	rev := contracts.PaymentEvent{
		EventID: "evt-rev",
		OrderID: o.ID.String(),
		Outcome: contracts.PaymentReversed,
	}
	if err := f.engine.HandleEvent(context.Background(), rev); err != nil {
		t.Fatal(err)
	}

	if got := f.ledger.status(o.ID); got != order.StatusReversed {
		t.Errorf("status = %s, want reversed", got)
	}
	if f.grants.count() != 0 {
		t.Errorf("grants = %d after reversal, want 0", f.grants.count())
	}
	if got := f.notifier.sent(); len(got) != 2 || got[1] != contracts.TemplateOrderReversed {
		t.Errorf("notifications = %v", got)
	}
}

func TestSweepGrants_RepairsPendingOrder(t *testing.T) {
	f := newFixture()
	o := processingOrder(1)
	f.ledger.put(o)
	f.grants.grantErr = errors.New("grant store down")

	if err := f.engine.HandleEvent(context.Background(), successEvent(o, "evt-g")); err != nil {
		t.Fatal(err)
	}

	// Paid but unfulfilled: grants may trail payment, never the reverse.
	if got := f.ledger.status(o.ID); got != order.StatusPaid {
		t.Fatalf("status = %s", got)
	}
	if !f.ledger.pending(o.ID) {
		t.Fatal("grants_pending not set after grant failure")
	}
	if f.grants.count() != 0 {
		t.Fatalf("grants = %d", f.grants.count())
	}

	f.grants.grantErr = nil
	f.engine.SweepGrants(context.Background(), 10, 0)

	if !f.grants.has(o.UserID, o.Items[0].MovieID) {
		t.Error("sweep did not repair the grant")
	}
	if f.ledger.pending(o.ID) {
		t.Error("sweep did not clear grants_pending")
	}
}

func TestHandleEvent_ReversalDuringPendingGrants(t *testing.T) {
	f := newFixture()
	o := processingOrder(1)
	f.ledger.put(o)
	f.grants.grantErr = errors.New("grant store down")

	if err := f.engine.HandleEvent(context.Background(), successEvent(o, "evt-s")); err != nil {
		t.Fatal(err)
	}
	if !f.ledger.pending(o.ID) {
		t.Fatal("setup: grants_pending not set")
	}

	rev := contracts.PaymentEvent{
		EventID: "evt-r",
		OrderID: o.ID.String(),
		Outcome: contracts.PaymentReversed,
	}
	if err := f.engine.HandleEvent(context.Background(), rev); err != nil {
		t.Fatal(err)
	}
	if got := f.ledger.status(o.ID); got != order.StatusReversed {
		t.Fatalf("status = %s, want reversed", got)
	}
	if f.ledger.pending(o.ID) {
		t.Error("grants_pending survived the reversal")
	}

	// The grant store comes back; the sweep must not touch the refunded order.
	f.grants.grantErr = nil
	f.engine.SweepGrants(context.Background(), 10, 0)

	if f.grants.count() != 0 {
		t.Errorf("sweep granted access for a reversed order: %d grants", f.grants.count())
	}
	if got := f.notifier.sent(); len(got) != 1 || got[0] != contracts.TemplateOrderReversed {
		t.Errorf("notifications = %v, want only the reversal notice", got)
	}
}

func TestHandleEvent_UnparseableOrderRefAcked(t *testing.T) {
	f := newFixture()
	evt := contracts.PaymentEvent{
		EventID: "evt-bad-ref",
		OrderID: "not-a-uuid",
		Outcome: contracts.PaymentSucceeded,
	}

	// Redelivery can never fix the reference, so the event must be flagged
	// and acknowledged instead of erroring into an endless retry loop.
	for i := 0; i < 2; i++ {
		if err := f.engine.HandleEvent(context.Background(), evt); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	if len(f.ledger.flags) != 1 {
		t.Errorf("flags = %v, want exactly one", f.ledger.flags)
	}
	if f.grants.count() != 0 {
		t.Error("unreconcilable event produced grants")
	}
}

func TestHandleEvent_MarkFailureDefersNotification(t *testing.T) {
	f := newFixture()
	o := processingOrder(1)
	f.ledger.put(o)
	f.ledger.markGrantsErr = errors.New("db down")

	if err := f.engine.HandleEvent(context.Background(), successEvent(o, "evt-m")); err != nil {
		t.Fatal(err)
	}
	if got := f.notifier.sent(); len(got) != 0 {
		t.Fatalf("notification enqueued before the pending flag cleared: %v", got)
	}

	f.ledger.markGrantsErr = nil
	f.engine.SweepGrants(context.Background(), 10, 0)
	f.engine.SweepGrants(context.Background(), 10, 0)

	if got := f.notifier.sent(); len(got) != 1 || got[0] != contracts.TemplateOrderPaid {
		t.Errorf("notifications = %v, want exactly one order.paid", got)
	}
}

func TestCheckout_StartsPayment(t *testing.T) {
	f := newFixture()
	o := processingOrder(1)
	o.Status = order.StatusPendingPayment
	f.ledger.put(o)
	f.ledger.checkoutOrder = o
	f.gateway.intent = &gateway.Intent{
		ID:          uuid.New(),
		OrderID:     o.ID,
		AmountCents: o.TotalCents,
		ProviderRef: "ref-77",
		RedirectURL: "https://pay.example/ref-77",
	}

	got, redirect, err := f.engine.Checkout(context.Background(), o.UserID, "tok-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != order.StatusPaymentProcessing {
		t.Errorf("status = %s, want payment_processing", got.Status)
	}
	if redirect != "https://pay.example/ref-77" {
		t.Errorf("redirect = %q", redirect)
	}
	if got.ProviderRef != "ref-77" {
		t.Errorf("provider ref = %q", got.ProviderRef)
	}
}

func TestCheckout_GatewayDownFailsOrder(t *testing.T) {
	f := newFixture()
	o := processingOrder(1)
	o.Status = order.StatusPendingPayment
	f.ledger.put(o)
	f.ledger.checkoutOrder = o
	f.gateway.intentErr = fmt.Errorf("create intent: %w", gateway.ErrGatewayUnreachable)

	_, _, err := f.engine.Checkout(context.Background(), o.UserID, "tok-2")
	if !errors.Is(err, gateway.ErrGatewayUnreachable) {
		t.Fatalf("got %v, want ErrGatewayUnreachable", err)
	}

	if got := f.ledger.status(o.ID); got != order.StatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
	if got := f.notifier.sent(); len(got) != 1 || got[0] != contracts.TemplatePaymentFailed {
		t.Errorf("notifications = %v", got)
	}
}

func TestCheckout_IdempotentRetryReturnsRedirect(t *testing.T) {
	f := newFixture()
	o := processingOrder(1)
	f.ledger.put(o)
	f.ledger.checkoutOrder = o
	f.ledger.redirects[o.ID] = "https://pay.example/again"

	got, redirect, err := f.engine.Checkout(context.Background(), o.UserID, "tok-3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != o.ID {
		t.Errorf("order id = %s, want %s", got.ID, o.ID)
	}
	if redirect != "https://pay.example/again" {
		t.Errorf("redirect = %q", redirect)
	}
	if f.gateway.intentCalls != 0 {
		t.Errorf("gateway called %d times on idempotent retry", f.gateway.intentCalls)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture()
	o := processingOrder(1)
	o.Status = order.StatusPendingPayment
	f.ledger.put(o)

	got, err := f.engine.Cancel(context.Background(), o.UserID, o.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != order.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestCancel_ProcessingRefused(t *testing.T) {
	f := newFixture()
	o := processingOrder(1)
	f.ledger.put(o)

	_, err := f.engine.Cancel(context.Background(), o.UserID, o.ID)
	if !errors.Is(err, order.ErrInvalidTransition) {
		t.Fatalf("got %v, want ErrInvalidTransition", err)
	}
	if got := f.ledger.status(o.ID); got != order.StatusPaymentProcessing {
		t.Errorf("status = %s, order must wait for the provider", got)
	}
}

func TestReverse(t *testing.T) {
	f := newFixture()
	o := processingOrder(1)
	o.Status = order.StatusPaid
	o.ProviderRef = "ref-9"
	f.ledger.put(o)

	if err := f.engine.Reverse(context.Background(), o.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.gateway.reverseCalls != 1 || f.gateway.reversedOrder != o.ID {
		t.Errorf("reverse calls = %d for %s", f.gateway.reverseCalls, f.gateway.reversedOrder)
	}

	// Status does not change until the provider's REVERSED webhook lands.
	if got := f.ledger.status(o.ID); got != order.StatusPaid {
		t.Errorf("status = %s, want paid", got)
	}
}

func TestReverse_OnlyPaidOrders(t *testing.T) {
	f := newFixture()
	o := processingOrder(1)
	f.ledger.put(o)

	if err := f.engine.Reverse(context.Background(), o.ID); !errors.Is(err, order.ErrInvalidTransition) {
		t.Fatalf("got %v, want ErrInvalidTransition", err)
	}
	if f.gateway.reverseCalls != 0 {
		t.Error("gateway reverse called for unpaid order")
	}
}
