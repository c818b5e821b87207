package idempotency

import (
	"context"
	"fmt"
	"strings"
)

// Logger is the structured logger used by the coordinator and stores
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// NopLogger returns a Logger that discards everything
func NopLogger() Logger { return nopLogger{} }

// Operation is the side-effecting unit of work guarded by a key
type Operation func(ctx context.Context) (*Response, error)

// Outcome describes how a request was served.
// Replayed is true when the response came from a previous or concurrent execution.
type Outcome struct {
	Response *Response
	Replayed bool
}

// Coordinator runs operations at most once per idempotency key
type Coordinator struct {
	store Store
	log   Logger
}

// NewCoordinator creates a coordinator over store. A nil logger discards output.
func NewCoordinator(store Store, log Logger) *Coordinator {
	if log == nil {
		log = NopLogger()
	}
	return &Coordinator{store: store, log: log}
}

// Do executes op for key unless the key was already seen with the same payload,
// in which case the stored or awaited outcome is replayed.
//
// The returned Outcome is non-nil whenever an entry for the key was involved,
// including replayed failures, so callers can tell fresh errors from replays.
func (c *Coordinator) Do(ctx context.Context, key string, payload any, op Operation) (*Outcome, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrMissingKey
	}
	fingerprint, err := Fingerprint(payload)
	if err != nil {
		return nil, err
	}

	lookup, err := c.store.Lookup(key, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	if lookup.State == StateNotFound {
		lookup, err = c.store.Begin(key, fingerprint)
		if err != nil {
			return nil, fmt.Errorf("idempotency begin: %w", err)
		}
	}

	switch lookup.State {
	case StateAcquired:
		return c.execute(ctx, lookup.Entry, op)
	case StateConflict:
		c.log.Warn("idempotency key reused with different payload", "key", key)
		return nil, ErrConflict
	case StateInFlight:
		c.log.Debug("waiting for in-flight request", "key", key)
		_, err := c.store.Await(ctx, lookup.Entry)
		select {
		case <-lookup.Entry.Done():
			resp, err := lookup.Entry.Outcome()
			return &Outcome{Response: resp, Replayed: true}, err
		default:
			// the wait ended without an outcome
			return nil, err
		}
	case StateDone:
		c.log.Debug("replaying stored outcome", "key", key)
		resp, err := lookup.Entry.Outcome()
		return &Outcome{Response: resp, Replayed: true}, err
	default:
		return nil, fmt.Errorf("idempotency: unexpected state %s", lookup.State)
	}
}

// execute runs op detached from the caller's cancellation: once started, the
// side effect runs to completion and its outcome is recorded for every waiter.
func (c *Coordinator) execute(ctx context.Context, entry *Entry, op Operation) (*Outcome, error) {
	settled := false
	defer func() {
		if settled {
			return
		}
		r := recover()
		if r == nil {
			// runtime.Goexit inside op
			c.settle(entry, nil, ErrOperationFailed)
			return
		}
		c.settle(entry, nil, fmt.Errorf("%w: %v", ErrOperationPanicked, r))
		panic(r)
	}()

	resp, err := op(context.WithoutCancel(ctx))
	settled = true
	c.settle(entry, resp, err)
	if err != nil {
		return &Outcome{}, err
	}
	return &Outcome{Response: resp}, nil
}

func (c *Coordinator) settle(entry *Entry, resp *Response, cause error) {
	var err error
	if cause != nil {
		err = c.store.Fail(entry, cause)
	} else {
		err = c.store.Complete(entry, resp)
	}
	if err != nil {
		c.log.Warn("failed to record idempotency outcome", "key", entry.Key(), "error", err)
	}
}
