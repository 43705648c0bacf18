// Package outputstream implements the two append-only output
// streams (§4.6): logs, which hold hashes into the value store, and
// sends, which hold raw bytes. Grounded on the same append/iterate
// idiom as codestore's segment table, adapted here to a stream of
// fixed-width be64 indices rather than a segment map.
package outputstream

import (
	"encoding/binary"

	"avmcore/errors"
	"avmcore/storage"
	"avmcore/value"
	"avmcore/valuestore"
)

// Single-key u256 counters in CFState (§4.6).
var (
	stateKeyLogInsertedCount  = []byte{0xD1}
	stateKeySendInsertedCount = []byte{0xD2}
	stateKeyMessageEntryCount = []byte{0xD3}
)

// Streams owns the logs and sends append-only streams.
type Streams struct {
	values *valuestore.Store
}

// New returns a Streams backed by values for log content.
func New(values *valuestore.Store) *Streams {
	return &Streams{values: values}
}

func indexKey(i uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], i)
	return b[:]
}

func readCount(tx storage.Reader, key []byte) (uint64, error) {
	v, err := tx.Get(storage.CFState, key)
	switch {
	case err == nil:
		return binary.BigEndian.Uint64(v), nil
	case err == storage.ErrNotFound:
		return 0, nil
	default:
		return 0, errors.Wrap(err, "read count")
	}
}

func writeCount(rw storage.ReadWriter, key []byte, n uint64) {
	rw.Put(storage.CFState, key, indexKey(n))
}

// LogInsertedCount returns log_inserted_count.
func (s *Streams) LogInsertedCount(tx storage.Reader) (uint64, error) {
	return readCount(tx, stateKeyLogInsertedCount)
}

// SendInsertedCount returns send_inserted_count.
func (s *Streams) SendInsertedCount(tx storage.Reader) (uint64, error) {
	return readCount(tx, stateKeySendInsertedCount)
}

// MessageEntryInsertedCount returns message_entry_inserted_count.
func (s *Streams) MessageEntryInsertedCount(tx storage.Reader) (uint64, error) {
	return readCount(tx, stateKeyMessageEntryCount)
}

// SetMessageEntryInsertedCount persists message_entry_inserted_count,
// advanced by the host as it reads messages off the inbox store.
func (s *Streams) SetMessageEntryInsertedCount(rw storage.ReadWriter, n uint64) {
	writeCount(rw, stateKeyMessageEntryCount, n)
}

// SaveLogs saves each value into the value store and appends its
// hash at the current log_inserted_count, advancing the counter.
func (s *Streams) SaveLogs(rw storage.ReadWriter, values []value.Value) error {
	count, err := s.LogInsertedCount(rw)
	if err != nil {
		return err
	}
	for _, v := range values {
		h, err := s.values.Save(rw, v)
		if err != nil {
			return errors.Wrap(err, "save log value")
		}
		rw.Put(storage.CFLog, indexKey(count), h.Bytes())
		count++
	}
	writeCount(rw, stateKeyLogInsertedCount, count)
	return nil
}

// GetLog returns the hash stored at index.
func (s *Streams) GetLog(tx storage.Reader, index uint64) (value.Hash, error) {
	body, err := tx.Get(storage.CFLog, indexKey(index))
	if err != nil {
		if err == storage.ErrNotFound {
			return value.Hash{}, errors.WithKind(errors.Wrap(err, "log entry"), errors.KindNotFound)
		}
		return value.Hash{}, errors.Wrap(err, "read log")
	}
	return value.HashFromBytes(body)
}

// DeleteLogsFrom removes every log entry from index onward,
// decrementing the value store's reference count on each one, and
// resets log_inserted_count to index. Used by the reorg engine to
// unwind logs emitted past a rewind point (§4.8).
func (s *Streams) DeleteLogsFrom(rw storage.ReadWriter, index uint64) error {
	count, err := s.LogInsertedCount(rw)
	if err != nil {
		return err
	}
	for i := index; i < count; i++ {
		key := indexKey(i)
		body, err := rw.Get(storage.CFLog, key)
		if err != nil {
			if err == storage.ErrNotFound {
				continue
			}
			return errors.Wrap(err, "read log entry")
		}
		h, err := value.HashFromBytes(body)
		if err != nil {
			return errors.Wrap(err, "decode log hash")
		}
		if err := s.values.Delete(rw, h); err != nil {
			return errors.Wrap(err, "delete log value")
		}
		rw.Delete(storage.CFLog, key)
	}
	writeCount(rw, stateKeyLogInsertedCount, index)
	return nil
}

// SaveSends appends each payload at the current send_inserted_count,
// advancing the counter. Sends are never deleted: a reorg resets
// send_inserted_count but leaves stale bytes in place, dead until a
// later append overwrites the same index (§4.6).
func (s *Streams) SaveSends(rw storage.ReadWriter, sends [][]byte) error {
	count, err := s.SendInsertedCount(rw)
	if err != nil {
		return err
	}
	for _, send := range sends {
		rw.Put(storage.CFSend, indexKey(count), send)
		count++
	}
	writeCount(rw, stateKeySendInsertedCount, count)
	return nil
}

// GetSend returns the raw bytes stored at index.
func (s *Streams) GetSend(tx storage.Reader, index uint64) ([]byte, error) {
	body, err := tx.Get(storage.CFSend, indexKey(index))
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, errors.WithKind(errors.Wrap(err, "send entry"), errors.KindNotFound)
		}
		return nil, errors.Wrap(err, "read send")
	}
	return body, nil
}

// ResetSendsFrom rewinds send_inserted_count to index without
// touching the underlying bytes (§4.6).
func (s *Streams) ResetSendsFrom(rw storage.ReadWriter, index uint64) {
	writeCount(rw, stateKeySendInsertedCount, index)
}
