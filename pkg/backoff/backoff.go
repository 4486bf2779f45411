// Package backoff wraps a compare-and-swap attempt with exponential
// backoff on repeated contention, so a hot CAS loop degrades into sleeping
// instead of burning CPU spinning against other goroutines.
package backoff

import "time"

const (
	// expThreshold is the number of consecutive failures tolerated before
	// backoff kicks in.
	expThreshold = 1
	// c and m parameterize the backoff curve: sleep for
	// min(c*failures, m)^2 microseconds.
	c = 15
	m = 10
)

// State tracks a single call site's consecutive-failure count. It is not
// safe for concurrent use — each goroutine (each Worker) owns its own State,
// mirroring the original's thread-local failure counter.
type State struct {
	failures uint32
	Hits     uint32
	Misses   uint32
}

// CAS runs try, which should attempt a single compare-and-swap and report
// whether it succeeded. On success the failure count decays; on failure it
// grows, and once it exceeds expThreshold the caller sleeps before
// returning so the next retry is less likely to collide again.
func (s *State) CAS(try func() bool) bool {
	if try() {
		if s.failures > 0 {
			s.failures--
		}
		s.Hits++
		return true
	}

	s.failures++
	if s.failures > expThreshold {
		wait := c * s.failures
		if wait > m {
			wait = m
		}
		time.Sleep(time.Duration(wait*wait) * time.Microsecond)
	}
	s.Misses++
	return false
}
