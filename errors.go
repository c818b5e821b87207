package idempotency

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned when an idempotency key is reused with a different payload
	ErrConflict = errors.New("idempotency key already used with a different request payload")

	// ErrNotFound is returned when no live entry exists for a key
	ErrNotFound = errors.New("idempotency entry not found")

	// ErrExpired is returned when an entry expired before it settled
	ErrExpired = errors.New("idempotency entry expired")

	// ErrWaitTimeout is returned when waiting for an in-flight request exceeds the configured bound
	ErrWaitTimeout = errors.New("timed out waiting for in-flight request")

	// ErrInProgress is returned when the outcome of an entry is read before it settled
	ErrInProgress = errors.New("request with this idempotency key is still in progress")

	// ErrAlreadyTerminal is returned when an entry is settled a second time
	ErrAlreadyTerminal = errors.New("idempotency entry already settled")

	// ErrInvalidPayload is returned when a payload cannot be fingerprinted
	ErrInvalidPayload = errors.New("invalid request payload")

	// ErrMissingKey is returned when the idempotency key is empty
	ErrMissingKey = errors.New("idempotency key is required")

	// ErrStoreClosed is returned by a store after Close
	ErrStoreClosed = errors.New("idempotency store closed")

	// ErrOperationFailed is recorded when an operation fails without a cause
	ErrOperationFailed = errors.New("operation failed")

	// ErrOperationPanicked is recorded when the wrapped operation panics
	ErrOperationPanicked = errors.New("operation panicked")
)

// ResponseError records a downstream HTTP response that represents a failure.
// The middleware stores it as the entry's error so the failure replays verbatim.
type ResponseError struct {
	Response *Response
}

func (e *ResponseError) Error() string {
	if e.Response == nil {
		return "handler failed"
	}
	return fmt.Sprintf("handler responded with status %d", e.Response.StatusCode)
}
