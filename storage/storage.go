// Package storage defines the ordered key-value abstraction the rest
// of avmcore is built on: named column families, point read/write,
// forward and reverse prefix iteration, atomic write batches, and
// consistent read snapshots (§6 "External Interfaces"). Two
// implementations satisfy it: a gorocksdb-backed store for production
// (package storage/rocksstore) and an in-memory store for tests
// (package storage/memstore).
package storage

import "avmcore/errors"

// Column families. Every implementation must create exactly these;
// callers never invent new ones at runtime (§1 "No schema evolution
// at runtime").
const (
	CFState              = "state"
	CFCheckpoint         = "checkpoint"
	CFLog                = "log"
	CFSend               = "send"
	CFSequencerBatchItem = "sequencer_batch_item"
	CFDelayedMessage     = "delayed_message"
	CFSideload           = "sideload"
	CFValue              = "value"
	CFCode               = "code"
)

// CFs lists every column family an implementation must open.
var CFs = []string{
	CFState,
	CFCheckpoint,
	CFLog,
	CFSend,
	CFSequencerBatchItem,
	CFDelayedMessage,
	CFSideload,
	CFValue,
	CFCode,
}

// ErrNotFound is returned by Get and Iterator operations that find no
// matching record. It is a plain, comparable sentinel — implementations
// return it unwrapped so callers can check `err == storage.ErrNotFound`
// directly; wrap it with errors.WithKind(err, errors.KindNotFound) at
// the point it's surfaced to a caller that cares about the taxonomy.
var ErrNotFound = errors.New("storage: not found")

// Reader is a point-in-time, read-only view of a DB: either a
// consistent snapshot (inside View) or the live state (inside
// Update, which may read its own buffered writes is NOT guaranteed —
// callers should not read back a key within the same Update that
// wrote it).
type Reader interface {
	// Get returns the value stored at key in cf, or ErrNotFound.
	Get(cf string, key []byte) ([]byte, error)

	// Iterate returns an iterator over cf constrained by opts. The
	// caller must Close it.
	Iterate(cf string, opts IterOptions) Iterator
}

// Writer buffers point writes for atomic commit.
type Writer interface {
	Put(cf string, key, value []byte)
	Delete(cf string, key []byte)
}

// ReadWriter is the view passed to Update: reads see the
// pre-transaction state (or, depending on the implementation, a
// snapshot taken at Update's start); writes are buffered and applied
// atomically when the Update function returns nil.
type ReadWriter interface {
	Reader
	Writer
}

// IterOptions constrains an Iterate call. A zero value iterates an
// entire column family forward.
type IterOptions struct {
	// Prefix restricts iteration to keys sharing this prefix. Nil
	// means no restriction.
	Prefix []byte
	// Start seeks to this key (or the first key greater-or-equal for
	// forward iteration, the last key less-or-equal for reverse).
	// Nil means start at the natural end of the range.
	Start []byte
	// Reverse iterates from high keys to low.
	Reverse bool
}

// Iterator walks a column family in key order (or reverse order, per
// IterOptions.Reverse). It must be closed after use.
type Iterator interface {
	Valid() bool
	Next()
	Key() []byte
	Value() []byte
	Err() error
	Close()
}

// DB is the storage engine handle. View and Update each run under
// their own consistent read snapshot; Update's writes commit in a
// single atomic batch only if fn returns nil.
type DB interface {
	View(fn func(Reader) error) error
	Update(fn func(ReadWriter) error) error
	Close() error
}
