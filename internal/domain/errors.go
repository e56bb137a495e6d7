package domain

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrorCode classifies errors for the command layer so replies can be
// rendered without type-switching on every concrete error.
type ErrorCode string

const (
	CodeValidation  ErrorCode = "INVALID"
	CodeLimit       ErrorCode = "LIMIT_EXCEEDED"
	CodeParse       ErrorCode = "PARSE"
	CodeNotFound    ErrorCode = "NOT_FOUND"
	CodePersistence ErrorCode = "PERSISTENCE"
	CodeDispatch    ErrorCode = "DISPATCH"
	CodeInternal    ErrorCode = "INTERNAL"
)

// ValidationError reports malformed input (bad field, bad value).
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Code() ErrorCode { return CodeValidation }

func NewValidation(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// LimitExceededError is returned when an owner already has the maximum
// number of tasks. It is also a ValidationError for errors.As.
type LimitExceededError struct {
	OwnerID int64
	Limit   int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("task limit reached (%d)", e.Limit)
}

func (e *LimitExceededError) Code() ErrorCode { return CodeLimit }

func (e *LimitExceededError) As(target any) bool {
	v, ok := target.(**ValidationError)
	if !ok {
		return false
	}
	*v = &ValidationError{Field: "tasks", Reason: e.Error()}
	return true
}

// ParseError carries the fragment of the input the time parser could not
// understand. Reason is set when the input parsed but was rejected.
type ParseError struct {
	Input    string
	Fragment string
	Reason   string
}

func (e *ParseError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("time %q: %s", e.Input, e.Reason)
	}
	if e.Fragment == "" || e.Fragment == e.Input {
		return fmt.Sprintf("could not understand time %q", e.Input)
	}
	return fmt.Sprintf("could not understand %q in time %q", e.Fragment, e.Input)
}

func (e *ParseError) Code() ErrorCode { return CodeParse }

// NotFoundError identifies a missing task, reminder or profile. Either Seq
// (user-facing number) or ID is set.
type NotFoundError struct {
	What    string
	OwnerID int64
	Seq     int
	ID      string
}

func (e *NotFoundError) Error() string {
	what := e.What
	if what == "" {
		what = "task"
	}
	switch {
	case e.Seq > 0:
		return what + " #" + strconv.Itoa(e.Seq) + " not found"
	case e.ID != "":
		return what + " " + e.ID + " not found"
	default:
		return what + " not found"
	}
}

func (e *NotFoundError) Code() ErrorCode { return CodeNotFound }

// PersistenceError wraps a storage failure. Op names the failed operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return "persistence: " + e.Op + ": " + errString(e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }
func (e *PersistenceError) Code() ErrorCode {
	return CodePersistence
}

func WrapPersistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// DispatchError is the final delivery failure of a fired reminder.
type DispatchError struct {
	ReminderID string
	Attempts   int
	Err        error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch reminder %s failed after %d attempt(s): %s", e.ReminderID, e.Attempts, errString(e.Err))
}
func (e *DispatchError) Unwrap() error   { return e.Err }
func (e *DispatchError) Code() ErrorCode { return CodeDispatch }

// CodeOf returns the classification of err, or CodeInternal.
func CodeOf(err error) ErrorCode {
	var c interface{ Code() ErrorCode }
	if errors.As(err, &c) {
		return c.Code()
	}
	return CodeInternal
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsNotFound(err error) bool {
	var v *NotFoundError
	return errors.As(err, &v)
}

func IsParse(err error) bool {
	var v *ParseError
	return errors.As(err, &v)
}

func IsPersistence(err error) bool {
	var v *PersistenceError
	return errors.As(err, &v)
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}
