package store

import (
	"context"
	"sync"

	"github.com/AnandSundar/idempotency-gateway"
)

// MemoryStore is an in-memory implementation of idempotency.Store.
//
// A single mutex guards the key map; it is held only for bookkeeping, never
// while an operation runs or while a caller waits.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*idempotency.Entry
	closed  bool

	opts    options
	metrics *metrics

	stop      chan struct{}
	reaped    chan struct{}
	closeOnce sync.Once
}

// NewMemoryStore creates a new in-memory store and starts its reaper
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	s := &MemoryStore{
		entries: make(map[string]*idempotency.Entry),
		opts:    o,
		stop:    make(chan struct{}),
		reaped:  make(chan struct{}),
	}
	s.metrics = newMetrics(o.registerer, s.Len)

	// The ticker is created here so a mock clock can be advanced as soon as
	// the constructor returns.
	ticker := o.clock.Ticker(o.sweep())
	go s.reap(ticker)

	return s
}

// Lookup classifies the live entry for key
func (s *MemoryStore) Lookup(key, fingerprint string) (idempotency.Lookup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return idempotency.Lookup{}, idempotency.ErrStoreClosed
	}

	entry := s.liveEntry(key)
	if entry == nil {
		s.metrics.lookup(idempotency.StateNotFound)
		return idempotency.Lookup{State: idempotency.StateNotFound}, nil
	}

	state := entry.Classify(fingerprint)
	s.metrics.lookup(state)
	return idempotency.Lookup{State: state, Entry: entry}, nil
}

// Begin creates an InProgress entry unless a live one exists
func (s *MemoryStore) Begin(key, fingerprint string) (idempotency.Lookup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return idempotency.Lookup{}, idempotency.ErrStoreClosed
	}

	if entry := s.liveEntry(key); entry != nil {
		state := entry.Classify(fingerprint)
		s.metrics.lookup(state)
		return idempotency.Lookup{State: state, Entry: entry}, nil
	}

	entry := idempotency.NewEntry(key, fingerprint, s.opts.clock.Now(), s.opts.ttl)
	s.entries[key] = entry
	s.metrics.lookup(idempotency.StateAcquired)
	s.opts.logger.Debug("idempotency entry created", "key", key, "expires_at", entry.ExpiresAt())
	return idempotency.Lookup{State: idempotency.StateAcquired, Entry: entry}, nil
}

// Complete settles entry with a response
func (s *MemoryStore) Complete(entry *idempotency.Entry, response *idempotency.Response) error {
	return s.settle(entry, func() error { return entry.Resolve(response) })
}

// Fail settles entry with an error
func (s *MemoryStore) Fail(entry *idempotency.Entry, cause error) error {
	return s.settle(entry, func() error { return entry.Reject(cause) })
}

func (s *MemoryStore) settle(entry *idempotency.Entry, transition func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry == nil {
		return idempotency.ErrNotFound
	}
	current, ok := s.entries[entry.Key()]
	if !ok || current != entry {
		return idempotency.ErrNotFound
	}
	if entry.Expired(s.opts.clock.Now()) {
		s.evict(entry, evictLazy)
		return idempotency.ErrExpired
	}
	return transition()
}

// Await blocks until entry settles and returns its outcome.
//
// The wait is bounded by the entry's expiry and, when configured, by the
// store's wait timeout. Closing the store releases every waiter.
func (s *MemoryStore) Await(ctx context.Context, entry *idempotency.Entry) (*idempotency.Response, error) {
	if entry == nil {
		return nil, idempotency.ErrNotFound
	}

	select {
	case <-entry.Done():
		s.metrics.await("settled")
		return entry.Outcome()
	default:
	}

	remaining := s.opts.clock.Until(entry.ExpiresAt())
	timeoutErr := idempotency.ErrExpired
	if s.opts.waitTimeout > 0 && s.opts.waitTimeout < remaining {
		remaining = s.opts.waitTimeout
		timeoutErr = idempotency.ErrWaitTimeout
	}
	if remaining <= 0 {
		s.metrics.await("expired")
		return nil, idempotency.ErrExpired
	}

	timer := s.opts.clock.Timer(remaining)
	defer timer.Stop()

	select {
	case <-entry.Done():
		s.metrics.await("settled")
		return entry.Outcome()
	case <-ctx.Done():
		s.metrics.await("canceled")
		return nil, ctx.Err()
	case <-timer.C:
		if timeoutErr == idempotency.ErrExpired {
			s.metrics.await("expired")
		} else {
			s.metrics.await("timeout")
		}
		return nil, timeoutErr
	case <-s.stop:
		s.metrics.await("closed")
		return nil, idempotency.ErrStoreClosed
	}
}

// Len returns the number of entries held, including expired ones not yet reaped
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the reaper and releases all waiters. It is safe to call more than once.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stop)
		<-s.reaped
	})
	return nil
}

// liveEntry returns the unexpired entry for key, evicting an expired one.
// Callers must hold s.mu.
func (s *MemoryStore) liveEntry(key string) *idempotency.Entry {
	entry, ok := s.entries[key]
	if !ok {
		return nil
	}
	if entry.Expired(s.opts.clock.Now()) {
		s.evict(entry, evictLazy)
		return nil
	}
	return entry
}

// evict removes entry and releases its waiters if it never settled.
// Callers must hold s.mu.
func (s *MemoryStore) evict(entry *idempotency.Entry, reason string) {
	delete(s.entries, entry.Key())
	if entry.Status() == idempotency.StatusInProgress {
		_ = entry.Reject(idempotency.ErrExpired)
		s.opts.logger.Warn("idempotency entry expired while in progress", "key", entry.Key())
	}
	s.metrics.evicted(reason)
}
