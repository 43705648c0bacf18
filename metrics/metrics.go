// Package metrics defines the counters the host loop and its
// subsystems increment while running. Unlike a request-serving Core,
// this process has no HTTP surface to instrument; the metrics here
// track progress of the background execution loop instead.
//
// Defined metrics:
//   arbcore.assertions (counter)
//   arbcore.reorgs (counter)
//   arbcore.checkpoints (counter)
//   arbcore.valuestore.hit / arbcore.valuestore.miss (counters)
//   arbcore.cursor.retries (counter)
package metrics

import (
	"github.com/codahale/metrics"
)

// Assertion records that the host drained one SUCCESS assertion from
// the machine.
func Assertion() {
	metrics.Counter("arbcore.assertions").Add()
}

// Reorg records that the reorg engine rewound state to a prior
// checkpoint.
func Reorg() {
	metrics.Counter("arbcore.reorgs").Add()
}

// Checkpoint records that a new checkpoint was written to the
// catalog.
func Checkpoint() {
	metrics.Counter("arbcore.checkpoints").Add()
}

// ValueCacheHit records a value-store cache hit.
func ValueCacheHit() {
	metrics.Counter("arbcore.valuestore.hit").Add()
}

// ValueCacheMiss records a value-store cache miss.
func ValueCacheMiss() {
	metrics.Counter("arbcore.valuestore.miss").Add()
}

// CursorRetry records that an execution cursor restarted its advance
// after observing a reorg mid-flight.
func CursorRetry() {
	metrics.Counter("arbcore.cursor.retries").Add()
}
