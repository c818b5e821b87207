package store

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnandSundar/idempotency-gateway"
)

func newStore(t *testing.T, opts ...Option) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func begin(t *testing.T, s *MemoryStore, key, fingerprint string) *idempotency.Entry {
	t.Helper()
	lookup, err := s.Begin(key, fingerprint)
	require.NoError(t, err)
	require.Equal(t, idempotency.StateAcquired, lookup.State)
	return lookup.Entry
}

func TestMemoryStore_LookupStates(t *testing.T) {
	s := newStore(t)

	lookup, err := s.Lookup("key", "fp")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StateNotFound, lookup.State)
	assert.Nil(t, lookup.Entry)

	entry := begin(t, s, "key", "fp")

	lookup, err = s.Lookup("key", "fp")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StateInFlight, lookup.State)
	assert.Same(t, entry, lookup.Entry)

	lookup, err = s.Lookup("key", "other")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StateConflict, lookup.State)

	require.NoError(t, s.Complete(entry, &idempotency.Response{StatusCode: http.StatusOK}))

	lookup, err = s.Lookup("key", "fp")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StateDone, lookup.State)

	lookup, err = s.Lookup("key", "other")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StateConflict, lookup.State)
}

func TestMemoryStore_BeginAcquiresOnce(t *testing.T) {
	const n = 32
	s := newStore(t)

	var wg sync.WaitGroup
	states := make([]idempotency.State, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lookup, err := s.Begin("key", "fp")
			assert.NoError(t, err)
			states[i] = lookup.State
		}()
	}
	wg.Wait()

	acquired := 0
	for _, state := range states {
		switch state {
		case idempotency.StateAcquired:
			acquired++
		default:
			assert.Equal(t, idempotency.StateInFlight, state)
		}
	}
	assert.Equal(t, 1, acquired)
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_BeginExistingKey(t *testing.T) {
	s := newStore(t)
	entry := begin(t, s, "key", "fp")

	lookup, err := s.Begin("key", "other")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StateConflict, lookup.State)
	assert.Same(t, entry, lookup.Entry)

	require.NoError(t, s.Fail(entry, errors.New("declined")))
	lookup, err = s.Begin("key", "fp")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StateDone, lookup.State)
}

func TestMemoryStore_SettleErrors(t *testing.T) {
	s := newStore(t)

	assert.ErrorIs(t, s.Complete(nil, nil), idempotency.ErrNotFound)
	assert.ErrorIs(t, s.Fail(nil, nil), idempotency.ErrNotFound)

	foreign := idempotency.NewEntry("foreign", "fp", time.Now(), time.Hour)
	assert.ErrorIs(t, s.Complete(foreign, nil), idempotency.ErrNotFound)

	entry := begin(t, s, "key", "fp")
	require.NoError(t, s.Complete(entry, &idempotency.Response{StatusCode: http.StatusOK}))
	assert.ErrorIs(t, s.Complete(entry, nil), idempotency.ErrAlreadyTerminal)
	assert.ErrorIs(t, s.Fail(entry, errors.New("late")), idempotency.ErrAlreadyTerminal)

	resp, err := entry.Outcome()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMemoryStore_LazyExpiry(t *testing.T) {
	mock := clock.NewMock()
	s := newStore(t, WithClock(mock), WithTTL(time.Minute), WithSweepInterval(time.Hour))

	entry := begin(t, s, "key", "fp")
	require.NoError(t, s.Complete(entry, &idempotency.Response{StatusCode: http.StatusOK}))

	mock.Add(time.Minute)
	lookup, err := s.Lookup("key", "fp")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StateDone, lookup.State)

	mock.Add(time.Second)
	lookup, err = s.Lookup("key", "other")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StateNotFound, lookup.State)
	assert.Zero(t, s.Len())
}

func TestMemoryStore_SettleAfterExpiry(t *testing.T) {
	mock := clock.NewMock()
	s := newStore(t, WithClock(mock), WithTTL(time.Minute), WithSweepInterval(time.Hour))

	entry := begin(t, s, "key", "fp")
	mock.Add(2 * time.Minute)

	assert.ErrorIs(t, s.Complete(entry, &idempotency.Response{StatusCode: http.StatusOK}), idempotency.ErrExpired)
	assert.Zero(t, s.Len())

	_, err := entry.Outcome()
	assert.ErrorIs(t, err, idempotency.ErrExpired)
}

func TestMemoryStore_StaleHandleCannotSettleReplacement(t *testing.T) {
	mock := clock.NewMock()
	s := newStore(t, WithClock(mock), WithTTL(time.Minute), WithSweepInterval(time.Hour))

	stale := begin(t, s, "key", "fp")
	mock.Add(2 * time.Minute)
	fresh := begin(t, s, "key", "fp")

	// the expired entry was rejected when it was replaced
	_, err := stale.Outcome()
	assert.ErrorIs(t, err, idempotency.ErrExpired)

	assert.ErrorIs(t, s.Complete(stale, &idempotency.Response{StatusCode: http.StatusTeapot}), idempotency.ErrNotFound)
	assert.Equal(t, idempotency.StatusInProgress, fresh.Status())

	require.NoError(t, s.Complete(fresh, &idempotency.Response{StatusCode: http.StatusOK}))
	resp, err := fresh.Outcome()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMemoryStore_AwaitFanOut(t *testing.T) {
	const waiters = 8
	s := newStore(t)
	entry := begin(t, s, "key", "fp")

	var wg sync.WaitGroup
	responses := make([]*idempotency.Response, waiters)
	for i := range waiters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := s.Await(context.Background(), entry)
			assert.NoError(t, err)
			responses[i] = resp
		}()
	}

	require.NoError(t, s.Complete(entry, &idempotency.Response{StatusCode: http.StatusOK, Body: []byte("charged")}))
	wg.Wait()

	for _, resp := range responses {
		require.NotNil(t, resp)
		assert.Equal(t, "charged", string(resp.Body))
	}
}

func TestMemoryStore_AwaitSettled(t *testing.T) {
	s := newStore(t)
	cause := errors.New("declined")
	entry := begin(t, s, "key", "fp")
	require.NoError(t, s.Fail(entry, cause))

	resp, err := s.Await(context.Background(), entry)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, cause)

	_, err = s.Await(context.Background(), nil)
	assert.ErrorIs(t, err, idempotency.ErrNotFound)
}

func TestMemoryStore_AwaitContextCanceled(t *testing.T) {
	s := newStore(t)
	entry := begin(t, s, "key", "fp")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.Await(ctx, entry)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, idempotency.StatusInProgress, entry.Status())
}

func TestMemoryStore_AwaitWaitTimeout(t *testing.T) {
	s := newStore(t, WithWaitTimeout(20*time.Millisecond))
	entry := begin(t, s, "key", "fp")

	start := time.Now()
	_, err := s.Await(context.Background(), entry)
	assert.ErrorIs(t, err, idempotency.ErrWaitTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestMemoryStore_AwaitBoundedByExpiry(t *testing.T) {
	mock := clock.NewMock()
	s := newStore(t, WithClock(mock), WithTTL(time.Minute), WithSweepInterval(time.Hour))
	entry := begin(t, s, "key", "fp")

	result := make(chan error, 1)
	go func() {
		_, err := s.Await(context.Background(), entry)
		result <- err
	}()

	var err error
	assert.Eventually(t, func() bool {
		mock.Add(10 * time.Second)
		select {
		case err = <-result:
			return true
		default:
			return false
		}
	}, 5*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, err, idempotency.ErrExpired)
}

func TestMemoryStore_AwaitAfterExpiry(t *testing.T) {
	mock := clock.NewMock()
	s := newStore(t, WithClock(mock), WithTTL(time.Minute), WithSweepInterval(time.Hour))
	entry := begin(t, s, "key", "fp")
	mock.Add(2 * time.Minute)

	_, err := s.Await(context.Background(), entry)
	assert.ErrorIs(t, err, idempotency.ErrExpired)
}

func TestMemoryStore_Close(t *testing.T) {
	s := NewMemoryStore()
	entry := begin(t, s, "key", "fp")

	result := make(chan error, 1)
	go func() {
		_, err := s.Await(context.Background(), entry)
		result <- err
	}()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	select {
	case err := <-result:
		assert.ErrorIs(t, err, idempotency.ErrStoreClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released by Close")
	}

	_, err := s.Lookup("key", "fp")
	assert.ErrorIs(t, err, idempotency.ErrStoreClosed)
	_, err = s.Begin("other", "fp")
	assert.ErrorIs(t, err, idempotency.ErrStoreClosed)
}

func TestMemoryStore_ReaperEvictsExpired(t *testing.T) {
	mock := clock.NewMock()
	s := newStore(t, WithClock(mock), WithTTL(time.Minute), WithSweepInterval(30*time.Second))

	inFlight := begin(t, s, "in-flight", "fp")
	done := begin(t, s, "done", "fp")
	require.NoError(t, s.Complete(done, &idempotency.Response{StatusCode: http.StatusOK}))
	require.Equal(t, 2, s.Len())

	assert.Eventually(t, func() bool {
		mock.Add(30 * time.Second)
		return s.Len() == 0
	}, 5*time.Second, 5*time.Millisecond)

	select {
	case <-inFlight.Done():
	default:
		t.Fatal("in-flight entry was not released on eviction")
	}
	_, err := inFlight.Outcome()
	assert.ErrorIs(t, err, idempotency.ErrExpired)
}

func TestMemoryStore_Sweep(t *testing.T) {
	mock := clock.NewMock()
	s := newStore(t, WithClock(mock), WithTTL(time.Hour), WithSweepInterval(24*time.Hour))

	begin(t, s, "old", "fp")
	mock.Add(30 * time.Minute)
	begin(t, s, "new", "fp")
	mock.Add(31 * time.Minute)

	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 1, s.Len())
	assert.Zero(t, s.Sweep())
}

func TestMemoryStore_Metrics(t *testing.T) {
	mock := clock.NewMock()
	reg := prometheus.NewRegistry()
	s := newStore(t, WithClock(mock), WithTTL(time.Minute), WithSweepInterval(time.Hour), WithMetrics(reg))

	entry := begin(t, s, "key", "fp")
	_, err := s.Lookup("key", "fp")
	require.NoError(t, err)
	_, err = s.Lookup("key", "other")
	require.NoError(t, err)
	_, err = s.Lookup("missing", "fp")
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.lookups.WithLabelValues("acquired")))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.lookups.WithLabelValues("in_flight")))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.lookups.WithLabelValues("conflict")))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.lookups.WithLabelValues("not_found")))

	require.NoError(t, s.Complete(entry, &idempotency.Response{StatusCode: http.StatusOK}))
	_, err = s.Await(context.Background(), entry)
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.awaits.WithLabelValues("settled")))

	mock.Add(2 * time.Minute)
	_, err = s.Lookup("key", "fp")
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.evictions.WithLabelValues("lazy")))

	count, err := testutil.GatherAndCount(reg, "idempotency_store_entries")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
