package orders

// CanCustomerTransition reports whether the owning customer may move an order
// from one status to another. Customers can only cancel, and only before shipping.
func CanCustomerTransition(from, to OrderStatus) bool {
	if to != OrderCancelled {
		return false
	}
	return from == OrderPending || from == OrderProcessing
}

// CustomerCancellable lists the statuses a customer may cancel from.
func CustomerCancellable() []OrderStatus {
	return []OrderStatus{OrderPending, OrderProcessing}
}

// CanAdminTransition reports whether an admin may set to. Admins may set any
// status, except that a cancelled order stays cancelled: its units were already
// returned to stock.
func CanAdminTransition(from, to OrderStatus) bool {
	if !ValidOrderStatus(to) {
		return false
	}
	if from == OrderCancelled {
		return to == OrderCancelled
	}
	return true
}

// Transition is the verdict for a requested payment status change.
type Transition int

const (
	// TransitionApply means the change moves the order forward.
	TransitionApply Transition = iota
	// TransitionNoop means the order already has the target status.
	TransitionNoop
	// TransitionReject means the change would move a settled payment.
	TransitionReject
)

func (t Transition) String() string {
	switch t {
	case TransitionApply:
		return "apply"
	case TransitionNoop:
		return "noop"
	default:
		return "reject"
	}
}

// PaymentTransition classifies a payment status change. Only pending may move;
// repeating a settled outcome is a no-op and anything else is rejected.
func PaymentTransition(from, to PaymentStatus) Transition {
	switch {
	case from == PaymentPending && (to == PaymentPaid || to == PaymentFailed):
		return TransitionApply
	case from == to && from != PaymentPending:
		return TransitionNoop
	default:
		return TransitionReject
	}
}
