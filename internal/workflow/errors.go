package workflow

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyActive  = errors.New("account already has an active workflow")
	ErrNotActive      = errors.New("account has no active workflow")
	ErrLockContention = errors.New("duplicate execution in progress")
	ErrStaleTask      = errors.New("stale scheduled task")
	ErrNotPaused      = errors.New("workflow is not paused")
	ErrInvalidRequest = errors.New("invalid request")
)

type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindTransient  ErrorKind = "transient"
	KindFatal      ErrorKind = "fatal"
	KindLoopLimit  ErrorKind = "loop_limit"
)

// StepError is the failure of a single step attempt.
type StepError struct {
	Kind    ErrorKind
	StepID  string
	Message string
	Err     error
}

func (e *StepError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind) + " error"
}

func (e *StepError) Unwrap() error { return e.Err }

func (e *StepError) Retryable() bool { return e.Kind == KindTransient }

func NewValidationError(stepID, format string, args ...any) *StepError {
	return &StepError{Kind: KindValidation, StepID: stepID, Message: fmt.Sprintf(format, args...)}
}

func NewLoopLimitError(stepID, key string, count, max int) *StepError {
	return &StepError{
		Kind:    KindLoopLimit,
		StepID:  stepID,
		Message: fmt.Sprintf("Goto loop limit exceeded: %s (%d/%d)", key, count, max),
	}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks a collaborator error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Classify turns an arbitrary error from a step handler into a StepError.
func Classify(stepID string, err error) *StepError {
	if err == nil {
		return nil
	}
	var se *StepError
	if errors.As(err, &se) {
		if se.StepID == "" {
			se.StepID = stepID
		}
		return se
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return &StepError{Kind: KindFatal, StepID: stepID, Message: pe.Error(), Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &StepError{Kind: KindTransient, StepID: stepID, Message: "collaborator timeout: " + err.Error(), Err: err}
	}
	return &StepError{Kind: KindTransient, StepID: stepID, Message: err.Error(), Err: err}
}
