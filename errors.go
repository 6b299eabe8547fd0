package eventsourcing

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Repository.Load when the stream has no events.
	ErrNotFound = errors.New("aggregate not found")
	// ErrConcurrencyConflict matches every *ConcurrencyConflictError.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrStoreUnavailable matches every *StoreUnavailableError.
	ErrStoreUnavailable = errors.New("event store unavailable")
	// ErrReplay matches every *ReplayError.
	ErrReplay = errors.New("replay failed")
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("validation failed")

	ErrUnknownEventType  = errors.New("unknown event type")
	ErrNoEvents          = errors.New("no events to append")
	ErrInvalidEventBatch = errors.New("invalid event batch")
	ErrDuplicateHandler  = errors.New("duplicate handler")
	ErrStoreClosed       = errors.New("event store closed")
)

// ConcurrencyConflictError is returned by EventStore.Append when the stream
// has moved past the version the caller based its decision on.
type ConcurrencyConflictError struct {
	AggregateID string
	Expected    uint64
	Actual      uint64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on stream %q: (expected version %d, actual %d)", e.AggregateID, e.Expected, e.Actual)
}

func (e *ConcurrencyConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// ReplayError reports a history that cannot be applied to an aggregate.
type ReplayError struct {
	AggregateID string
	Expected    uint64
	Got         uint64
	Reason      string
	Err         error
}

func (e *ReplayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("replay %q at version %d: %v", e.AggregateID, e.Got, e.Err)
	}
	if e.Reason != "" {
		return fmt.Sprintf("replay %q: %s", e.AggregateID, e.Reason)
	}
	return fmt.Sprintf("replay %q: expected version %d, got %d", e.AggregateID, e.Expected, e.Got)
}

func (e *ReplayError) Is(target error) bool {
	return target == ErrReplay
}

func (e *ReplayError) Unwrap() error {
	return e.Err
}

// ValidationError is a business rule violation. No event was staged.
type ValidationError struct {
	Aggregate string
	Op        string
	Reason    string
}

// NewValidationError is shorthand used by aggregate business methods.
func NewValidationError(aggregate, op, reason string) *ValidationError {
	return &ValidationError{Aggregate: aggregate, Op: op, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s.%s: %s", e.Aggregate, e.Op, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// StoreUnavailableError wraps an infrastructure failure of a store.
// When the operation was an append its outcome is unknown, see VerifyAppended.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("eventstore %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

func (e *StoreUnavailableError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// WrapStoreUnavailable wraps err unless it is nil or already classified.
func WrapStoreUnavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrConcurrencyConflict) {
		return err
	}
	return &StoreUnavailableError{Op: op, Err: err}
}

// ErrSkippedEvent is returned when a handler cannot handle the event type.
type ErrSkippedEvent struct {
	EventType string
}

func (e *ErrSkippedEvent) Error() string {
	return fmt.Sprintf("skipped event of type %s", e.EventType)
}

// UserMessage maps an error to text that can be shown to an end user.
func UserMessage(err error) string {
	var verr *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr):
		return verr.Reason
	case errors.Is(err, ErrConcurrencyConflict):
		return "the record was changed concurrently, please retry"
	case errors.Is(err, ErrNotFound):
		return "the record does not exist"
	case errors.Is(err, ErrStoreUnavailable):
		return "service temporarily unavailable"
	default:
		return "internal error"
	}
}
