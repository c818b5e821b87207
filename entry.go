package idempotency

import (
	"bytes"
	"net/http"
	"sync"
	"time"
)

// Status is the lifecycle state of an entry.
type Status int

const (
	StatusInProgress Status = iota
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Response is the stored result of an operation
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Clone returns a deep copy of the response
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		StatusCode: r.StatusCode,
		Headers:    r.Headers.Clone(),
		Body:       bytes.Clone(r.Body),
	}
}

// Entry is the state kept per idempotency key.
//
// Key, fingerprint and timestamps never change. The status moves from
// StatusInProgress to a terminal status exactly once, and Done is closed at
// that moment, after the outcome has been written.
type Entry struct {
	key         string
	fingerprint string
	createdAt   time.Time
	expiresAt   time.Time
	done        chan struct{}

	mu       sync.RWMutex
	status   Status
	response *Response
	err      error
}

// NewEntry creates an InProgress entry that expires ttl after now
func NewEntry(key, fingerprint string, now time.Time, ttl time.Duration) *Entry {
	return &Entry{
		key:         key,
		fingerprint: fingerprint,
		createdAt:   now,
		expiresAt:   now.Add(ttl),
		done:        make(chan struct{}),
		status:      StatusInProgress,
	}
}

func (e *Entry) Key() string          { return e.key }
func (e *Entry) Fingerprint() string  { return e.fingerprint }
func (e *Entry) CreatedAt() time.Time { return e.createdAt }
func (e *Entry) ExpiresAt() time.Time { return e.expiresAt }

// Done returns a channel closed once the entry settles
func (e *Entry) Done() <-chan struct{} { return e.done }

// Status returns the current status
func (e *Entry) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Expired reports whether the entry's lifetime has passed at now
func (e *Entry) Expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// Classify compares a fingerprint with the entry. A mismatch is a conflict
// regardless of status.
func (e *Entry) Classify(fingerprint string) State {
	if fingerprint != e.fingerprint {
		return StateConflict
	}
	if e.Status() == StatusInProgress {
		return StateInFlight
	}
	return StateDone
}

// Resolve transitions the entry to StatusCompleted
func (e *Entry) Resolve(response *Response) error {
	return e.settle(StatusCompleted, response.Clone(), nil)
}

// Reject transitions the entry to StatusFailed. A nil cause is recorded as ErrOperationFailed.
func (e *Entry) Reject(cause error) error {
	if cause == nil {
		cause = ErrOperationFailed
	}
	return e.settle(StatusFailed, nil, cause)
}

func (e *Entry) settle(status Status, response *Response, cause error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusInProgress {
		return ErrAlreadyTerminal
	}
	e.status = status
	e.response = response
	e.err = cause
	close(e.done)
	return nil
}

// Outcome returns a copy of the stored response, or the stored error for a
// failed entry. It returns ErrInProgress before the entry settles.
func (e *Entry) Outcome() (*Response, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	switch e.status {
	case StatusCompleted:
		return e.response.Clone(), nil
	case StatusFailed:
		return nil, e.err
	default:
		return nil, ErrInProgress
	}
}
