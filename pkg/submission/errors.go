package submission

import (
	"errors"
	"fmt"
)

var (
	ErrBatchSize    = errors.New("invalid batch size")
	errNameRequired = errors.New("name is required")
	errNameTooLong  = errors.New("name is too long")
	errDuplicateID  = errors.New("duplicate submission id")
)

type ValidationError struct {
	reason error
}

func (e ValidationError) Error() string {
	return e.reason.Error()
}

func (e ValidationError) Unwrap() error {
	return e.reason
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

func validationErrorf(format string, args ...interface{}) error {
	return ValidationError{reason: fmt.Errorf(format, args...)}
}

// WriteError is a durable write that failed for a reason other than the
// store being unreachable. The record was not stored anywhere.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// BatchError names the item that made a batch fail.
type BatchError struct {
	Index int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch item %d: %v", e.Index, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}
