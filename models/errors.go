package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrTicketNotFound    = errors.New("recovery ticket not found")
	ErrMissingActor      = errors.New("missing actor")
)

// ValidationError rejects input before anything is persisted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// TransitionError is returned when the ticket is no longer in a status the
// operation may start from. It is the expected result of a lost race.
// To is empty for actions that keep the status, such as assignment.
type TransitionError struct {
	From   RecoveryTicketStatus
	To     RecoveryTicketStatus
	Action TicketAction
}

func (e *TransitionError) Error() string {
	if e.To == "" {
		return fmt.Sprintf("cannot %s ticket from %s", strings.ToLower(string(e.Action)), e.From)
	}
	return fmt.Sprintf("cannot transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
