package eventsourcing

import (
	"errors"
	"fmt"
)

var (
	// ErrAggregateNotFound is returned when an aggregate doesn't exist.
	ErrAggregateNotFound = errors.New("aggregate not found")

	// ErrAggregateExists is returned when a creating command targets a stream that already has events.
	// Unlike a concurrency conflict, retrying cannot succeed.
	ErrAggregateExists = errors.New("aggregate already exists")

	// ErrConcurrencyConflict is returned when there's an optimistic concurrency conflict.
	ErrConcurrencyConflict = errors.New("concurrency conflict: aggregate version mismatch")

	// ErrInvalidVersion is returned when an invalid version is provided.
	ErrInvalidVersion = errors.New("invalid version")

	// ErrCommandNotFound is returned when a command handler is not registered.
	ErrCommandNotFound = errors.New("command handler not found")

	// ErrInvalidCommand is returned when a command is invalid.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrUnknownEventType is returned when replaying an event the aggregate does not understand.
	ErrUnknownEventType = errors.New("unknown event type")
)

// ValidationError names the offending command field and why it was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid command: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidCommand
}

// NewValidationError creates a new validation error.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// StoreError wraps a failure of the underlying storage engine.
// Store errors are infrastructure failures and may be retried by the caller.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("event store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the operation may succeed.
func (e *StoreError) Retryable() bool {
	return true
}

// NewStoreError wraps err as a StoreError. Concurrency conflicts and nil are passed through.
func NewStoreError(op string, err error) error {
	if err == nil || errors.Is(err, ErrConcurrencyConflict) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// AppError is a structured error for the application layer.
type AppError struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Solution string            `json:"solution,omitempty"`
	Details  map[string]string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Solution != "" {
		return fmt.Sprintf("%s (code: %s). Solution: %s", e.Message, e.Code, e.Solution)
	}
	return fmt.Sprintf("%s (code: %s)", e.Message, e.Code)
}

// Error codes used by ToAppError.
const (
	CodeValidation  = "VALIDATION_FAILED"
	CodeNotFound    = "NOT_FOUND"
	CodeConflict    = "CONCURRENCY_CONFLICT"
	CodeExists      = "ALREADY_EXISTS"
	CodeUnavailable = "STORE_UNAVAILABLE"
	CodeRejected    = "COMMAND_REJECTED"
	CodeInternal    = "INTERNAL"
)

// ToAppError maps a command handling error onto an AppError.
// Errors that match none of the known kinds are classified by fallback.
func ToAppError(err error, fallback string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var validationErr *ValidationError
	var storeErr *StoreError
	switch {
	case errors.As(err, &validationErr):
		return &AppError{
			Code:     CodeValidation,
			Message:  validationErr.Reason,
			Solution: fmt.Sprintf("Correct the %s field and retry.", validationErr.Field),
			Details:  map[string]string{"field": validationErr.Field},
		}
	case errors.Is(err, ErrAggregateNotFound):
		return &AppError{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, ErrAggregateExists):
		return &AppError{Code: CodeExists, Message: err.Error(), Solution: "Use a new id."}
	case errors.Is(err, ErrConcurrencyConflict):
		return &AppError{Code: CodeConflict, Message: err.Error(), Solution: "Reload and retry the command."}
	case errors.As(err, &storeErr):
		return &AppError{Code: CodeUnavailable, Message: err.Error(), Solution: "Retry later."}
	}

	if fallback == "" {
		fallback = CodeInternal
	}
	return &AppError{Code: fallback, Message: err.Error()}
}
