// Package inboxstore implements the inbox store (§4.5): the
// sequencer-batch-item stream (the authoritative inbox, keyed by
// last_sequence_number) and the delayed-message stream it pulls
// ranges from, plus the accumulator-chain validation the checkpoint
// catalog and reorg engine depend on: validate-then-append under the
// caller's write transaction, nothing persisted if validation fails.
package inboxstore

import (
	"bytes"

	"avmcore/encoding/blockchain"
	"avmcore/encoding/bufpool"
	"avmcore/errors"
	"avmcore/machine"
	"avmcore/storage"
	"avmcore/value"
)

// BatchItem is one entry of the authoritative sequencer batch item
// stream (§3 "Inbox entries"). FirstMessageIndex and MessageCount are
// not part of the wire item's own fields; they're this
// implementation's bridge from "global message index" (the unit
// read_messages and the machine's fully_processed_inbox.count operate
// in) back to "which batch item produced it", computed once at append
// time so ReadMessages doesn't need to re-derive it from every
// predecessor on each call.
type BatchItem struct {
	LastSequenceNumber value.Int
	Accumulator        value.Hash
	TotalDelayedCount  value.Int
	SequencerMessage   []byte // nil if this item instead pulls in a delayed range

	FirstMessageIndex value.Int
	MessageCount      value.Int
}

// Store provides inbox operations against the sequencer_batch_item
// and delayed_message column families.
type Store struct{}

// New returns an inbox Store.
func New() *Store { return &Store{} }

func seqKey(seq value.Int) []byte { return seq.Bytes() }
func delayedKey(idx value.Int) []byte { return idx.Bytes() }

// AppendBatchItem appends a sequencer batch item, computing its
// FirstMessageIndex/MessageCount from its predecessor (the item at
// last_sequence_number - 1), if any.
func (s *Store) AppendBatchItem(rw storage.ReadWriter, seq value.Int, accumulator value.Hash, totalDelayedCount value.Int, sequencerMessage []byte) (BatchItem, error) {
	item := BatchItem{
		LastSequenceNumber: seq,
		Accumulator:        accumulator,
		TotalDelayedCount:  totalDelayedCount,
		SequencerMessage:   sequencerMessage,
	}

	prevTotalDelayed := uint64(0)
	if seq.Uint64() > 0 {
		prev, err := s.GetBatchItem(rw, value.IntFromUint64(seq.Uint64()-1))
		switch {
		case err == nil:
			item.FirstMessageIndex = value.IntFromUint64(prev.FirstMessageIndex.Uint64() + prev.MessageCount.Uint64())
			prevTotalDelayed = prev.TotalDelayedCount.Uint64()
		case errors.Is(err, errors.KindNotFound):
			// No predecessor persisted (e.g. starting mid-stream in a
			// test); treat as the first item.
		default:
			return BatchItem{}, errors.Wrap(err, "read predecessor batch item")
		}
	}

	if sequencerMessage != nil {
		item.MessageCount = value.IntFromUint64(1)
	} else {
		if totalDelayedCount.Uint64() < prevTotalDelayed {
			return BatchItem{}, errors.WithKind(
				errors.New("inboxstore: total_delayed_count went backwards"),
				errors.KindCorruption,
			)
		}
		item.MessageCount = value.IntFromUint64(totalDelayedCount.Uint64() - prevTotalDelayed)
	}

	rw.Put(storage.CFSequencerBatchItem, seqKey(seq), encodeBatchItem(item))
	return item, nil
}

// AppendDelayedMessage appends a raw delayed message at idx.
func (s *Store) AppendDelayedMessage(rw storage.ReadWriter, idx value.Int, data []byte) {
	rw.Put(storage.CFDelayedMessage, delayedKey(idx), data)
}

// GetBatchItem returns the batch item at seq.
func (s *Store) GetBatchItem(tx storage.Reader, seq value.Int) (BatchItem, error) {
	body, err := tx.Get(storage.CFSequencerBatchItem, seqKey(seq))
	if err != nil {
		if err == storage.ErrNotFound {
			return BatchItem{}, errors.WithKind(errors.Wrapf(err, "batch item %d", seq.Uint64()), errors.KindNotFound)
		}
		return BatchItem{}, errors.Wrap(err, "read batch item")
	}
	return decodeBatchItem(body)
}

// NextBatchItem forward-seeks for the first batch item with
// last_sequence_number >= seq.
func (s *Store) NextBatchItem(tx storage.Reader, seq value.Int) (BatchItem, error) {
	it := tx.Iterate(storage.CFSequencerBatchItem, storage.IterOptions{Start: seqKey(seq)})
	defer it.Close()
	if !it.Valid() {
		return BatchItem{}, errors.WithKind(errors.New("inboxstore: no batch item at or after sequence"), errors.KindNotFound)
	}
	item, err := decodeBatchItem(it.Value())
	if err != nil {
		return BatchItem{}, err
	}
	copy(item.LastSequenceNumber[:], it.Key())
	return item, nil
}

// GetDelayedMessage returns the raw delayed message at idx.
func (s *Store) GetDelayedMessage(tx storage.Reader, idx value.Int) ([]byte, error) {
	body, err := tx.Get(storage.CFDelayedMessage, delayedKey(idx))
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, errors.WithKind(errors.Wrapf(err, "delayed message %d", idx.Uint64()), errors.KindNotFound)
		}
		return nil, errors.Wrap(err, "read delayed message")
	}
	return body, nil
}

// findCovering scans forward from the start of the sequencer batch
// item stream for the item whose [FirstMessageIndex,
// FirstMessageIndex+MessageCount) range contains targetIndex.
func (s *Store) findCovering(tx storage.Reader, targetIndex uint64) (BatchItem, bool, error) {
	it := tx.Iterate(storage.CFSequencerBatchItem, storage.IterOptions{})
	defer it.Close()
	for ; it.Valid(); it.Next() {
		item, err := decodeBatchItem(it.Value())
		if err != nil {
			return BatchItem{}, false, errors.Wrap(err, "decode batch item")
		}
		first := item.FirstMessageIndex.Uint64()
		if targetIndex >= first && targetIndex < first+item.MessageCount.Uint64() {
			return item, true, nil
		}
	}
	return BatchItem{}, false, nil
}

// AccumulatorAt returns the accumulator of the batch item covering
// global message index count-1 — the accumulator a machine's
// fully_processed_inbox must carry once it has processed count
// messages. Used by the host to fill in the field a Machine
// implementation's Run cannot derive on its own, since only the inbox
// store knows the accumulator chain (§4.7, §4.8).
func (s *Store) AccumulatorAt(tx storage.Reader, count uint64) (value.Hash, error) {
	if count == 0 {
		return value.Hash{}, nil
	}
	item, found, err := s.findCovering(tx, count-1)
	if err != nil {
		return value.Hash{}, err
	}
	if !found {
		return value.Hash{}, errors.WithKind(errors.New("inboxstore: no batch item covers count"), errors.KindNotFound)
	}
	return item.Accumulator, nil
}

// IsValid checks that the accumulator at inbox.Count-1 matches
// inbox.Accumulator (§4.5 "a helper isValid"; also used as the
// checkpoint.InboxValidator).
func (s *Store) IsValid(tx storage.Reader, inbox machine.InboxState) (bool, error) {
	count := inbox.Count.Uint64()
	if count == 0 {
		return true, nil
	}
	item, found, err := s.findCovering(tx, count-1)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return item.Accumulator == inbox.Accumulator, nil
}

// ReadMessages reads up to count messages starting at the global
// message index, verifying expectedPrevAccumulator against the
// accumulator covering index-1 if index > 0 and expectedPrevAccumulator
// is non-nil. The returned slice is silently truncated if the range
// extends past the tip of the stream (§6).
func (s *Store) ReadMessages(tx storage.Reader, index value.Int, count uint64, expectedPrevAccumulator *value.Hash) ([][]byte, error) {
	idx := index.Uint64()

	if idx > 0 && expectedPrevAccumulator != nil {
		prevItem, found, err := s.findCovering(tx, idx-1)
		if err != nil {
			return nil, err
		}
		if !found || prevItem.Accumulator != *expectedPrevAccumulator {
			return nil, errors.WithKind(errors.New("inboxstore: prev_inbox_acc mismatch"), errors.KindNotFound)
		}
	}

	var out [][]byte
	it := tx.Iterate(storage.CFSequencerBatchItem, storage.IterOptions{})
	defer it.Close()
	for ; it.Valid() && uint64(len(out)) < count; it.Next() {
		item, err := decodeBatchItem(it.Value())
		if err != nil {
			return nil, errors.Wrap(err, "decode batch item")
		}
		first := item.FirstMessageIndex.Uint64()
		last := first + item.MessageCount.Uint64()
		if last <= idx {
			continue
		}

		skip := uint64(0)
		if first < idx {
			skip = idx - first
		}

		if item.SequencerMessage != nil {
			if skip == 0 {
				out = append(out, item.SequencerMessage)
			}
			continue
		}

		delayedStart := item.TotalDelayedCount.Uint64() - item.MessageCount.Uint64() + skip
		for i := delayedStart; i < item.TotalDelayedCount.Uint64() && uint64(len(out)) < count; i++ {
			msg, err := s.GetDelayedMessage(tx, value.IntFromUint64(i))
			if err != nil {
				return out, nil // tip of the delayed stream; truncate silently
			}
			out = append(out, msg)
		}
	}
	return out, nil
}

func encodeBatchItem(item BatchItem) []byte {
	buf := bufpool.Get()
	defer bufpool.Put(buf)

	buf.Write(item.Accumulator.Bytes())
	buf.Write(item.TotalDelayedCount.Bytes())
	buf.Write(item.FirstMessageIndex.Bytes())
	buf.Write(item.MessageCount.Bytes())
	if item.SequencerMessage != nil {
		buf.WriteByte(1)
		blockchain.WriteVarstr31(buf, item.SequencerMessage)
	} else {
		buf.WriteByte(0)
	}
	return bufpool.CopyBytes(buf)
}

func decodeBatchItem(body []byte) (BatchItem, error) {
	if len(body) < 32*4+1 {
		return BatchItem{}, errors.WithKind(errors.New("inboxstore: malformed batch item"), errors.KindCorruption)
	}
	var item BatchItem
	off := 0
	readHash := func() value.Hash {
		h, _ := value.HashFromBytes(body[off : off+32])
		off += 32
		return h
	}
	readInt := func() value.Int {
		var i value.Int
		copy(i[:], body[off:off+32])
		off += 32
		return i
	}

	item.Accumulator = readHash()
	item.TotalDelayedCount = readInt()
	item.FirstMessageIndex = readInt()
	item.MessageCount = readInt()

	hasMsg := body[off]
	off++
	if hasMsg != 0 {
		msg, _, err := blockchain.ReadVarstr31(bytes.NewReader(body[off:]))
		if err != nil {
			return BatchItem{}, errors.Wrap(err, "decode sequencer message")
		}
		item.SequencerMessage = msg
	}

	return item, nil
}
