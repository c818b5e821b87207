package store

import (
	"github.com/benbjohnson/clock"
)

const (
	evictLazy   = "lazy"
	evictReaper = "reaper"
)

// reap removes expired entries every sweep interval until the store closes
func (s *MemoryStore) reap(ticker *clock.Ticker) {
	defer close(s.reaped)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.opts.logger.Debug("reaped expired idempotency entries", "count", n)
			}
		}
	}
}

// Sweep removes every expired entry and returns how many were removed
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.clock.Now()
	removed := 0
	for _, entry := range s.entries {
		if entry.Expired(now) {
			s.evict(entry, evictReaper)
			removed++
		}
	}
	return removed
}
