package metrics

import "testing"

// These are smoke tests: the codahale/metrics registry is global and
// panics only on malformed names, so the tests just confirm the
// counters can be incremented repeatedly without panicking.
func TestCountersDoNotPanic(t *testing.T) {
	for i := 0; i < 3; i++ {
		Assertion()
		Reorg()
		Checkpoint()
		ValueCacheHit()
		ValueCacheMiss()
		CursorRetry()
	}
}
