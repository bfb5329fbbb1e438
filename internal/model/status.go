package model

import "fmt"

// Status is the lifecycle state of an incident
type Status string

const (
	StatusOpen      Status = "open"
	StatusResolving Status = "resolving"
	StatusResolved  Status = "resolved"
	StatusAlertOnly Status = "alert_only"
)

// transitions is the monotone status graph. resolved and alert_only are terminal.
var transitions = map[Status][]Status{
	StatusOpen:      {StatusResolving, StatusAlertOnly},
	StatusResolving: {StatusResolved, StatusOpen},
}

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusAlertOnly
}

// CanTransition reports whether from -> to is an edge of the status graph
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a ValidationError when from -> to is not permitted
func ValidateTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return &ValidationError{
		Field:   "status",
		Message: fmt.Sprintf("transition %s -> %s is not permitted", from, to),
	}
}
