package commission

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the lifecycle state of a commission.
type Status string

const (
	StatusPending   Status = "pending"
	StatusValidated Status = "validated"
	StatusRequested Status = "requested"
	StatusPaid      Status = "paid"
	StatusCancelled Status = "cancelled"
)

// ErrInvalidTransition is returned when a status change is not in the transition table.
var ErrInvalidTransition = errors.New("commission: invalid status transition")

var transitions = map[Status][]Status{
	StatusPending:   {StatusValidated, StatusCancelled},
	StatusValidated: {StatusRequested, StatusCancelled},
	StatusRequested: {StatusValidated, StatusPaid, StatusCancelled},
}

// Statuses lists every status in lifecycle order.
func Statuses() []Status {
	return []Status{StatusPending, StatusValidated, StatusRequested, StatusPaid, StatusCancelled}
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition wraps ErrInvalidTransition with the offending states.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// CheckDirectTransition checks a status change requested on a single commission.
// Requested and paid are reached through payment requests, and requested -> validated
// only happens when the whole request is cancelled.
func CheckDirectTransition(from, to Status) error {
	switch {
	case to == StatusRequested || to == StatusPaid:
		return fmt.Errorf("%w: %s is set through payment requests", ErrInvalidTransition, to)
	case to == StatusValidated && from != StatusPending:
		return fmt.Errorf("%w: only pending commissions can be validated (is %s)", ErrInvalidTransition, from)
	}
	return CheckTransition(from, to)
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// ParseStatus accepts the canonical names and "payable" as an alias of validated.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusPending, StatusValidated, StatusRequested, StatusPaid, StatusCancelled:
		return s, nil
	case "payable":
		return StatusValidated, nil
	default:
		return "", fmt.Errorf("unknown commission status %q", raw)
	}
}
