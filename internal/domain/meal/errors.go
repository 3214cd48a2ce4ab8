package meal

import (
	"errors"
	"fmt"
)

// ConfigurationError means the tenant has no usable window configuration.
// A missing configuration never means "open".
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string { return e.Reason }

// WindowClosedError is returned when a booking or serving window is closed.
// Boundary is the start (NotYetOpen) or end that was missed; it is nil when
// the meal is disabled for that day.
type WindowClosedError struct {
	Window     string
	Boundary   *TimeOfDay
	NotYetOpen bool
	Reason     string
}

func (e *WindowClosedError) Error() string { return e.Reason }

// StateConflictError is an invalid transition for the current status.
type StateConflictError struct {
	Current Status
	Reason  string
}

func (e *StateConflictError) Error() string { return e.Reason }

// DuplicateError means an active registration already exists for the key.
type DuplicateError struct {
	Key    Key
	Status Status
}

func (e *DuplicateError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("already registered for %s on %s", e.Key.MealType, e.Key.Date.Format(DateLayout))
	}
	return fmt.Sprintf("already registered for %s on %s (status %s)", e.Key.MealType, e.Key.Date.Format(DateLayout), e.Status)
}

// NotFoundError covers registrations, configs, students and tenants.
// Rows belonging to another tenant are reported the same way.
type NotFoundError struct {
	What string
}

func (e *NotFoundError) Error() string { return e.What + " not found" }

// PersistenceError wraps a storage failure. Its message is generic; the
// cause is kept for logging.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return "storage failure during " + e.Op }
func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistence wraps err unless it is nil or already one of the typed errors.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if Classify(err) == OutcomeCallerError {
		return err
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

func NotFound(what string) error { return &NotFoundError{What: what} }

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsDuplicate(err error) bool {
	var de *DuplicateError
	return errors.As(err, &de)
}

type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeCallerError Outcome = "caller_error"
	OutcomeServerError Outcome = "server_error"
)

// ValidationError is a malformed caller input (bad meal type, date, ...).
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func Invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Classify maps err onto the three-way outcome. Anything not recognised as
// a caller error is a server error.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	var (
		ce *ConfigurationError
		we *WindowClosedError
		se *StateConflictError
		de *DuplicateError
		nf *NotFoundError
		ve *ValidationError
	)
	switch {
	case errors.As(err, &ce), errors.As(err, &we), errors.As(err, &se),
		errors.As(err, &de), errors.As(err, &nf), errors.As(err, &ve):
		return OutcomeCallerError
	default:
		return OutcomeServerError
	}
}
