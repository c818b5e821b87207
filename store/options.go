package store

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AnandSundar/idempotency-gateway"
)

type options struct {
	ttl           time.Duration
	sweepInterval time.Duration
	waitTimeout   time.Duration
	clock         clock.Clock
	logger        idempotency.Logger
	registerer    prometheus.Registerer
}

func defaultOptions() options {
	return options{
		ttl:    idempotency.DefaultTTL,
		clock:  clock.New(),
		logger: idempotency.NopLogger(),
	}
}

// sweep returns the reaper period, defaulting to the TTL
func (o options) sweep() time.Duration {
	if o.sweepInterval > 0 {
		return o.sweepInterval
	}
	return o.ttl
}

// Option configures a MemoryStore
type Option func(*options)

// WithTTL sets the lifetime of entries. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithSweepInterval sets how often the reaper scans for expired entries.
// It defaults to the TTL.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sweepInterval = d
		}
	}
}

// WithWaitTimeout bounds how long Await blocks on an in-flight entry, in
// addition to the entry's own expiry. Zero means the expiry is the only bound.
func WithWaitTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.waitTimeout = d
		}
	}
}

// WithClock replaces the time source, mainly for tests
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the store's logger
func WithLogger(log idempotency.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.logger = log
		}
	}
}

// WithMetrics registers the store's collectors with reg
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}
