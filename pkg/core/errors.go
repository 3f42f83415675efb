package core

import (
	"errors"
	"fmt"
)

// Validation errors
var (
	ErrInvalidID        = errors.New("scanflow: invalid id (must be alphanumeric, start with letter)")
	ErrIDTooLong        = errors.New("scanflow: id too long")
	ErrInvalidQueueName = errors.New("scanflow: invalid queue name")
	ErrQueueNameTooLong = errors.New("scanflow: queue name too long")
	ErrDuplicateStep    = errors.New("scanflow: duplicate step id")
	ErrDuplicateJob     = errors.New("scanflow: duplicate job id")
	ErrUnknownStep      = errors.New("scanflow: unknown step")
	ErrDependencyCycle  = errors.New("scanflow: step dependencies form a cycle")
	ErrMissingStepKind  = errors.New("scanflow: step has no kind")
	ErrInvalidRange     = errors.New("scanflow: invalid work range")
	ErrNegativeRetries  = errors.New("scanflow: retries must not be negative")
	ErrNegativeMaxUnits = errors.New("scanflow: max units per instance must not be negative")
	ErrInvalidCronSpec  = errors.New("scanflow: invalid cron schedule")
)

// Runtime errors
var (
	ErrInstanceNotFound   = errors.New("scanflow: step instance not found")
	ErrExecutionNotFound  = errors.New("scanflow: step execution not found")
	ErrDuplicateInstance  = errors.New("scanflow: duplicate step instance")
	ErrInvariantViolation = errors.New("scanflow: invariant violation")
)

// InvariantError reports a broken contract on the instance/execution model.
// Operations that return it leave the model unchanged.
type InvariantError struct {
	Op     string
	ID     string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%v: %s %s: %s", ErrInvariantViolation, e.Op, e.ID, e.Detail)
}

func (e *InvariantError) Unwrap() error {
	return ErrInvariantViolation
}

func violation(op, id, format string, args ...any) error {
	return &InvariantError{Op: op, ID: id, Detail: fmt.Sprintf(format, args...)}
}

// IsInvariantViolation reports whether err signals a broken model invariant.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}
