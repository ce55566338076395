package domain

import (
	"context"
	"errors"
)

var (
	// ErrValidation marks a command rejected before it reached a handler.
	ErrValidation = errors.New("validation failed")
	// ErrEntityNotFound indicates the subject has no payout record.
	ErrEntityNotFound = errors.New("payout record not found")
	// ErrVersionConflict indicates that the underlying storage rejected an
	// update because a newer version of the record is already persisted.
	ErrVersionConflict = errors.New("version conflict")
	// ErrInvalidTransition indicates an update that contradicts a terminal status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrPublishUnavailable indicates the durable log could not be reached.
	ErrPublishUnavailable = errors.New("publish unavailable")
	// ErrSerialization indicates an event payload could not be encoded.
	ErrSerialization = errors.New("event serialization failed")
	// ErrStoreUnavailable indicates the authoritative store could not be reached.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrMalformedEvent indicates a log entry that cannot be decoded.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrNoHandlerRegistered indicates a command kind without a handler.
	ErrNoHandlerRegistered = errors.New("no handler registered")
)

var fatalErrors = []error{
	ErrValidation,
	ErrEntityNotFound,
	ErrInvalidTransition,
	ErrMalformedEvent,
	ErrNoHandlerRegistered,
}

// IsRetryable reports whether redoing the failed unit of work can succeed.
// Unclassified errors come from infrastructure and are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	for _, fatal := range fatalErrors {
		if errors.Is(err, fatal) {
			return false
		}
	}
	return true
}
