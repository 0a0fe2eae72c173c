package models

import "strings"

type PaymentMethod string

const (
	MethodMpesa       PaymentMethod = "mpesa"
	MethodFlutterwave PaymentMethod = "flutterwave"
	// MethodPaypal is reserved; no gateway is registered for it yet.
	MethodPaypal PaymentMethod = "paypal"
)

// ParsePaymentMethod is case-insensitive and returns false for unknown methods.
func ParsePaymentMethod(s string) (PaymentMethod, bool) {
	switch m := PaymentMethod(strings.ToLower(strings.TrimSpace(s))); m {
	case MethodMpesa, MethodFlutterwave, MethodPaypal:
		return m, true
	}
	return "", false
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 2
	}
	return -1
}

// CanTransitionTo reports whether moving from s to next is a forward move.
// Terminal states accept nothing; same-state moves are not transitions.
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() || next.rank() < 0 || s.rank() < 0 {
		return false
	}
	return next.rank() > s.rank()
}

// StatusUpdate is the single input of the transition rule. Every path
// (callback, poll, initiation failure, sweep) goes through it.
type StatusUpdate struct {
	Status            Status
	FailureReason     string
	ProviderReference string
	Source            string
}
