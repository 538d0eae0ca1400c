package order

import "testing"

func TestCanTransitionTo(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"pending to processing", StatusPendingPayment, StatusPaymentProcessing, true},
		{"pending to failed", StatusPendingPayment, StatusFailed, true},
		{"pending to cancelled", StatusPendingPayment, StatusCancelled, true},
		{"pending to paid skips processing", StatusPendingPayment, StatusPaid, false},
		{"processing to paid", StatusPaymentProcessing, StatusPaid, true},
		{"processing to failed", StatusPaymentProcessing, StatusFailed, true},
		{"processing to cancelled refused", StatusPaymentProcessing, StatusCancelled, false},
		{"paid to reversed", StatusPaid, StatusReversed, true},
		{"paid to failed refused", StatusPaid, StatusFailed, false},
		{"paid back to pending refused", StatusPaid, StatusPendingPayment, false},
		{"failed is terminal", StatusFailed, StatusPendingPayment, false},
		{"cancelled is terminal", StatusCancelled, StatusPaymentProcessing, false},
		{"reversed is terminal", StatusReversed, StatusPaid, false},
		{"no self transition", StatusPaid, StatusPaid, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTerminal(t *testing.T) {
	terminal := []Status{StatusFailed, StatusCancelled, StatusReversed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}

	open := []Status{StatusPendingPayment, StatusPaymentProcessing, StatusPaid}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestStatusValid(t *testing.T) {
	if Status("shipped").Valid() {
		t.Error("unknown status accepted")
	}
	if !StatusPaid.Valid() {
		t.Error("paid rejected")
	}
}
