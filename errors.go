package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/matsushun1/inventory/adapters"
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these errors.
var (
	// ErrConcurrencyConflict indicates the optimistic concurrency check failed.
	// Retryable: reload and revalidate.
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict

	// ErrStreamNotFound indicates the requested stream does not exist.
	ErrStreamNotFound = adapters.ErrStreamNotFound

	// ErrEmptyStreamID indicates an empty stream ID was provided.
	ErrEmptyStreamID = adapters.ErrEmptyStreamID

	// ErrNoEvents indicates no events were provided for append.
	ErrNoEvents = adapters.ErrNoEvents

	// ErrInvalidVersion indicates an invalid version number was provided.
	ErrInvalidVersion = adapters.ErrInvalidVersion

	// ErrAdapterClosed indicates the adapter has been closed.
	ErrAdapterClosed = adapters.ErrAdapterClosed

	// ErrValidationFailed indicates malformed or out-of-range command arguments.
	ErrValidationFailed = errors.New("inventory: validation failed")

	// ErrNotFound indicates a command or query targeted a product that does not exist.
	ErrNotFound = errors.New("inventory: product not found")

	// ErrAlreadyExists indicates a create against an existing product.
	ErrAlreadyExists = errors.New("inventory: product already exists")

	// ErrInsufficientStock indicates a removal larger than the current quantity.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")

	// ErrStoreUnavailable indicates a transient storage failure.
	// Retryable with backoff.
	ErrStoreUnavailable = errors.New("inventory: store unavailable")

	// ErrLockTimeout indicates the per-product command lock could not be acquired in time.
	ErrLockTimeout = errors.New("inventory: timed out waiting for product lock")

	// ErrSerializationFailed indicates event encoding or decoding failed.
	ErrSerializationFailed = errors.New("inventory: serialization failed")

	// ErrUnknownEvent indicates an event the product aggregate cannot fold.
	ErrUnknownEvent = errors.New("inventory: unknown event")

	// ErrHandlerNotFound indicates no handler is registered for a command type.
	ErrHandlerNotFound = errors.New("inventory: handler not found")

	// ErrNilCommand indicates a nil command was passed.
	ErrNilCommand = errors.New("inventory: nil command")

	// ErrHandlerPanicked indicates a command handler panicked.
	ErrHandlerPanicked = errors.New("inventory: handler panicked")

	// ErrCommandBusClosed indicates the command bus has been closed.
	ErrCommandBusClosed = errors.New("inventory: command bus is closed")

	// ErrSubscriptionNotSupported indicates the adapter cannot read the global log.
	ErrSubscriptionNotSupported = errors.New("inventory: adapter does not support global reads")

	// ErrDispatcherRunning indicates Start was called on a running dispatcher.
	ErrDispatcherRunning = errors.New("inventory: dispatcher already running")
)

// ConcurrencyConflictError reports a failed optimistic concurrency check.
type ConcurrencyConflictError = adapters.ConcurrencyError

// NewConcurrencyConflictError creates a new ConcurrencyConflictError.
var NewConcurrencyConflictError = adapters.NewConcurrencyError

// ValidationError reports a command argument that failed validation.
type ValidationError struct {
	CommandType string
	Field       string
	Message     string
}

// Error returns the error message.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("inventory: validation failed for %s.%s: %s", e.CommandType, e.Field, e.Message)
	}
	return fmt.Sprintf("inventory: validation failed for %s: %s", e.CommandType, e.Message)
}

// Is reports whether this error matches the target error.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// NewValidationError creates a new ValidationError.
func NewValidationError(cmdType, field, message string) *ValidationError {
	return &ValidationError{CommandType: cmdType, Field: field, Message: message}
}

// NotFoundError reports a missing product.
type NotFoundError struct {
	ProductID string
}

// Error returns the error message.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("inventory: product %q not found", e.ProductID)
}

// Is reports whether this error matches the target error.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(productID string) *NotFoundError {
	return &NotFoundError{ProductID: productID}
}

// AlreadyExistsError reports a create against an existing product.
type AlreadyExistsError struct {
	ProductID string
}

// Error returns the error message.
func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("inventory: product %q already exists", e.ProductID)
}

// Is reports whether this error matches the target error.
func (e *AlreadyExistsError) Is(target error) bool {
	return target == ErrAlreadyExists
}

// NewAlreadyExistsError creates a new AlreadyExistsError.
func NewAlreadyExistsError(productID string) *AlreadyExistsError {
	return &AlreadyExistsError{ProductID: productID}
}

// InsufficientStockError reports a removal the current stock cannot cover.
type InsufficientStockError struct {
	ProductID string
	Requested int64
	Available int64
}

// Error returns the error message.
func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("inventory: insufficient stock for product %q: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

// Is reports whether this error matches the target error.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// NewInsufficientStockError creates a new InsufficientStockError.
func NewInsufficientStockError(productID string, requested, available int64) *InsufficientStockError {
	return &InsufficientStockError{ProductID: productID, Requested: requested, Available: available}
}

// StoreUnavailableError reports a transient storage failure. Whether an
// interrupted append committed is unknown to the caller, but append is
// atomic so reloading and retrying is always safe.
type StoreUnavailableError struct {
	Op    string
	Cause error
}

// Error returns the error message.
func (e *StoreUnavailableError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("inventory: store unavailable during %s", e.Op)
	}
	return fmt.Sprintf("inventory: store unavailable during %s: %v", e.Op, e.Cause)
}

// Is reports whether this error matches the target error.
func (e *StoreUnavailableError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// Unwrap returns the underlying cause.
func (e *StoreUnavailableError) Unwrap() error {
	return e.Cause
}

// NewStoreUnavailableError creates a new StoreUnavailableError.
func NewStoreUnavailableError(op string, cause error) *StoreUnavailableError {
	return &StoreUnavailableError{Op: op, Cause: cause}
}

// SerializationError provides details about a serialization failure.
type SerializationError struct {
	EventType string
	Operation string
	Cause     error
}

// Error returns the error message.
func (e *SerializationError) Error() string {
	return fmt.Sprintf("inventory: failed to %s event %q: %v", e.Operation, e.EventType, e.Cause)
}

// Is reports whether this error matches the target error.
func (e *SerializationError) Is(target error) bool {
	return target == ErrSerializationFailed
}

// Unwrap returns the underlying cause.
func (e *SerializationError) Unwrap() error {
	return e.Cause
}

// NewSerializationError creates a new SerializationError.
func NewSerializationError(eventType, operation string, cause error) *SerializationError {
	return &SerializationError{EventType: eventType, Operation: operation, Cause: cause}
}

// HandlerNotFoundError reports a command type with no registered handler.
type HandlerNotFoundError struct {
	CommandType string
}

// Error returns the error message.
func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("inventory: no handler registered for command %q", e.CommandType)
}

// Is reports whether this error matches the target error.
func (e *HandlerNotFoundError) Is(target error) bool {
	return target == ErrHandlerNotFound
}

// NewHandlerNotFoundError creates a new HandlerNotFoundError.
func NewHandlerNotFoundError(cmdType string) *HandlerNotFoundError {
	return &HandlerNotFoundError{CommandType: cmdType}
}

// PanicError provides detailed information about a handler panic.
type PanicError struct {
	CommandType string
	Value       interface{}
	Stack       string
}

// Error returns the error message.
func (e *PanicError) Error() string {
	return fmt.Sprintf("inventory: handler panicked while processing %q: %v", e.CommandType, e.Value)
}

// Is reports whether this error matches the target error.
func (e *PanicError) Is(target error) bool {
	return target == ErrHandlerPanicked
}

// NewPanicError creates a new PanicError.
func NewPanicError(cmdType string, value interface{}, stack string) *PanicError {
	return &PanicError{CommandType: cmdType, Value: value, Stack: stack}
}

// IsRetryable reports whether err is a conflict or transient store failure,
// the two errors a caller may safely retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrStoreUnavailable)
}

// classifyStoreError maps adapter errors onto the service taxonomy.
// Contract violations pass through; anything else is transient.
func classifyStoreError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConcurrencyConflict),
		errors.Is(err, ErrStreamNotFound),
		errors.Is(err, ErrEmptyStreamID),
		errors.Is(err, ErrNoEvents),
		errors.Is(err, ErrInvalidVersion),
		errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, context.Canceled):
		return err
	default:
		return NewStoreUnavailableError(op, err)
	}
}
