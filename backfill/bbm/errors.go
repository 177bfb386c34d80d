package bbm

import (
	"context"
	"errors"
	"fmt"

	"gitlab.com/gitlab-org/database-backfill/backfill/datastore"
	"gitlab.com/gitlab-org/database-backfill/backfill/datastore/models"
)

var (
	// ErrMaxWindowAttemptsReached is returned when a window kept failing with transient errors until the configured
	// number of attempts was exhausted.
	ErrMaxWindowAttemptsReached = errors.New("maximum window attempts reached")
	// ErrDanglingReference marks batch rows that remained null after their window, either because their foreign key
	// does not resolve to a source row or because the source value is null. It is reported, never returned.
	ErrDanglingReference = errors.New("dangling reference")
	// ErrLeaseInUse is returned when another process holds the lease for the same descriptor and range.
	ErrLeaseInUse = errors.New("backfill lease is held by another process")
	// ErrLeaseLost is returned when the lease could not be refreshed between windows.
	ErrLeaseLost = errors.New("backfill lease lost")
	// ErrDescriptorNotFound is returned when a descriptor name is not registered.
	ErrDescriptorNotFound = errors.New("job descriptor not found")
)

// ConfigurationError is raised before any window executes when a descriptor is invalid or references unknown schema
// objects. It is never retried.
type ConfigurationError struct {
	Err       error
	ErrorCode models.ErrorCode
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid job descriptor configuration: %s", e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func newInvalidDescriptorError(err error) *ConfigurationError {
	return &ConfigurationError{
		Err:       err,
		ErrorCode: models.InvalidDescriptorErrCode,
	}
}

func newInvalidTableError(err error) *ConfigurationError {
	return &ConfigurationError{
		Err:       err,
		ErrorCode: models.InvalidTableErrCode,
	}
}

func newInvalidColumnError(err error) *ConfigurationError {
	return &ConfigurationError{
		Err:       err,
		ErrorCode: models.InvalidColumnErrCode,
	}
}

func newInvalidBatchingStrategyError(err error) *ConfigurationError {
	return &ConfigurationError{
		Err:       err,
		ErrorCode: models.InvalidBatchingStrategyErrCode,
	}
}

// TransientExecutionError wraps a window failure that is expected to succeed when retried, such as a deadlock or a
// lock timeout.
type TransientExecutionError struct {
	Window  models.Window
	Attempt int
	Err     error
}

func (e *TransientExecutionError) Error() string {
	return fmt.Sprintf("window %s attempt %d: %s", e.Window, e.Attempt, e.Err)
}

func (e *TransientExecutionError) Unwrap() error {
	return e.Err
}

// FatalExecutionError wraps a window failure that must not be retried.
type FatalExecutionError struct {
	Window models.Window
	Err    error
}

func (e *FatalExecutionError) Error() string {
	return fmt.Sprintf("window %s: %s", e.Window, e.Err)
}

func (e *FatalExecutionError) Unwrap() error {
	return e.Err
}

// DanglingReferences reports the rows of a window that could not be filled.
type DanglingReferences struct {
	Rows int64
}

func (e *DanglingReferences) Error() string {
	return fmt.Sprintf("%d rows left null: %s", e.Rows, ErrDanglingReference)
}

func (*DanglingReferences) Unwrap() error {
	return ErrDanglingReference
}

// wrapSchemaError converts schema validation failures into configuration errors. Other errors, such as a lost
// connection while inspecting the catalog, are returned as is.
func wrapSchemaError(err error) error {
	switch {
	case errors.Is(err, datastore.ErrUnknownTable):
		return newInvalidTableError(err)
	case errors.Is(err, datastore.ErrUnknownColumn):
		return newInvalidColumnError(err)
	}
	return fmt.Errorf("validating job descriptor: %w", err)
}

// ErrorCodeOf returns the error code a run failing with err is recorded with.
func ErrorCodeOf(err error) models.ErrorCode {
	if err == nil {
		return models.NullErrCode
	}

	var confErr *ConfigurationError
	if errors.As(err, &confErr) {
		return confErr.ErrorCode
	}

	switch {
	case errors.Is(err, ErrMaxWindowAttemptsReached):
		return models.WindowExceedsMaxAttemptErrCode
	case errors.Is(err, ErrLeaseInUse), errors.Is(err, ErrLeaseLost):
		return models.LeaseInUseErrCode
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return models.CanceledErrCode
	}

	var fatalErr *FatalExecutionError
	if errors.As(err, &fatalErr) {
		return models.FatalExecutionErrCode
	}

	return models.UnknownErrCode
}
