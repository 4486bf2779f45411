package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestState_CAS_SuccessDoesNotSleep(t *testing.T) {
	var s State
	start := time.Now()
	ok := s.CAS(func() bool { return true })
	assert.True(t, ok)
	assert.Less(t, time.Since(start), 5*time.Millisecond)
	assert.EqualValues(t, 1, s.Hits)
	assert.EqualValues(t, 0, s.Misses)
}

func TestState_CAS_FailureDecaysOnNextSuccess(t *testing.T) {
	var s State
	for i := 0; i < expThreshold; i++ {
		assert.False(t, s.CAS(func() bool { return false }))
	}
	assert.EqualValues(t, expThreshold, s.failures)

	assert.True(t, s.CAS(func() bool { return true }))
	assert.EqualValues(t, expThreshold-1, s.failures)
}

func TestState_CAS_RepeatedFailureSleeps(t *testing.T) {
	var s State
	start := time.Now()
	for i := 0; i < expThreshold+3; i++ {
		s.CAS(func() bool { return false })
	}
	// Past expThreshold the state sleeps at least once; min(c*failures,m)^2us
	// with c=15,m=10 is at least 1us and grows quickly, so a generous floor
	// avoids flaking on slow CI without being a no-op check.
	assert.GreaterOrEqual(t, time.Since(start), time.Microsecond)
	assert.EqualValues(t, expThreshold+3, s.Misses)
}
