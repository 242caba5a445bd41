package orders

import "testing"

func TestCanCustomerTransition(t *testing.T) {
	tests := []struct {
		from, to OrderStatus
		want     bool
	}{
		{OrderPending, OrderCancelled, true},
		{OrderProcessing, OrderCancelled, true},
		{OrderShipped, OrderCancelled, false},
		{OrderDelivered, OrderCancelled, false},
		{OrderCancelled, OrderCancelled, false},
		{OrderPending, OrderShipped, false},
		{OrderPending, OrderProcessing, false},
	}
	for _, tt := range tests {
		if got := CanCustomerTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanCustomerTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCanAdminTransition(t *testing.T) {
	if !CanAdminTransition(OrderDelivered, OrderCancelled) {
		t.Error("admin should be able to cancel a delivered order")
	}
	if !CanAdminTransition(OrderPending, OrderShipped) {
		t.Error("admin should be able to ship")
	}
	if CanAdminTransition(OrderCancelled, OrderPending) {
		t.Error("cancelled orders must stay cancelled")
	}
	if CanAdminTransition(OrderPending, OrderStatus("lost")) {
		t.Error("unknown status accepted")
	}
}

func TestPaymentTransition(t *testing.T) {
	tests := []struct {
		from, to PaymentStatus
		want     Transition
	}{
		{PaymentPending, PaymentPaid, TransitionApply},
		{PaymentPending, PaymentFailed, TransitionApply},
		{PaymentPaid, PaymentPaid, TransitionNoop},
		{PaymentFailed, PaymentFailed, TransitionNoop},
		{PaymentPaid, PaymentFailed, TransitionReject},
		{PaymentPaid, PaymentPending, TransitionReject},
		{PaymentFailed, PaymentPaid, TransitionReject},
		{PaymentPending, PaymentPending, TransitionReject},
	}
	for _, tt := range tests {
		if got := PaymentTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("PaymentTransition(%s, %s) = %s, want %s", tt.from, tt.to, got, tt.want)
		}
	}
}
