// Inbox delivery handshake (§4.7 step 2, §6 deliver_messages /
// messages_status) and the synchronous machine-drive step (§4.7 step
// 3), grounded on the atomic status handoff §5 calls out as one of
// the three non-reorg-mutex exceptions to "readers are read-only".
package host

import (
	"avmcore/crypto/sha3pool"
	"avmcore/errors"
	"avmcore/machine"
	"avmcore/metrics"
	"avmcore/storage"
	"avmcore/value"
)

// DeliverMessages hands a batch of raw messages to the host for the
// next tick to append, returning false if a prior batch has not yet
// been consumed (§6).
func (h *Host) DeliverMessages(messages [][]byte, prevAcc value.Hash, lastBlockComplete bool, reorgCount *value.Int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.status != StatusEmpty {
		return false
	}

	h.pending = pendingDelivery{
		messages:          messages,
		prevAcc:           prevAcc,
		lastBlockComplete: lastBlockComplete,
		reorgCount:        reorgCount,
	}
	h.status = StatusReady
	return true
}

// MessagesStatus returns the current inbox-delivery handshake state.
func (h *Host) MessagesStatus() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// MessagesClearError acknowledges the current terminal delivery result
// (StatusSuccess, StatusNeedOlder, or StatusError) and returns the
// host to StatusEmpty so the next DeliverMessages call can proceed,
// returning the error string that was recorded, if any.
func (h *Host) MessagesClearError() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.deliveryErr
	h.deliveryErr = ""
	h.status = StatusEmpty
	return s
}

// processDelivery appends the pending batch to the inbox store and
// sets the resulting handshake status (§4.7 step 2). Must be called
// with h.mu held and inside the tick's write transaction.
func (h *Host) processDelivery(rw storage.ReadWriter) error {
	p := h.pending

	err := h.AddMessages(rw, p.prevAcc, p.messages, p.reorgCount)
	switch {
	case err == nil:
		h.status = StatusSuccess
	case errors.Is(err, errors.KindNeedOlder):
		h.status = StatusNeedOlder
	default:
		h.status = StatusError
		h.deliveryErr = err.Error()
		return err
	}
	return nil
}

// encodeBatch packs a client-delivered message batch into a single
// sequencer message payload; this host treats each delivered batch as
// one sequencer-message-bearing inbox entry.
func encodeBatch(messages [][]byte) []byte {
	var out []byte
	for _, m := range messages {
		out = append(out, m...)
	}
	return out
}

// nextAccumulator derives the new batch item's accumulator by
// chaining the previous accumulator with this item's payload
// (§3 "Batch item accumulators form a chain").
func nextAccumulator(prevAcc value.Hash, payload []byte) value.Hash {
	var buf [32]byte
	h := sha3pool.Get256()
	defer sha3pool.Put256(h)
	h.Write(prevAcc.Bytes())
	h.Write(payload)
	h.Sum(buf[:0])
	return buf
}

// driveMachine implements §4.7 step 3, collapsed to a synchronous
// fetch-run-commit since Machine.Run here is itself synchronous (see
// package doc). It reports whether it found work to run.
func (h *Host) driveMachine(rw storage.ReadWriter) (ran bool, err error) {
	count, err := h.outputs.MessageEntryInsertedCount(rw)
	if err != nil {
		return false, errors.Wrap(err, "read message entry count")
	}

	batch, err := h.inbox.ReadMessages(rw, value.IntFromUint64(count), maxMessageBatchSize, nil)
	if err != nil {
		return false, errors.Wrap(err, "read message batch")
	}
	if len(batch) == 0 {
		return false, nil
	}

	assertion, err := h.liveMachine.Run(batch)
	if err != nil {
		return true, err
	}

	// A concrete Machine processes messages, not accumulators: it has
	// no way to know the inbox store's accumulator chain on its own.
	// Patch it into both the machine's own bookkeeping (so Keys/State
	// agree from here on) and the local assertion (so this commit's
	// checkpoint and any caller reading LastOutput see the same value).
	acc, err := h.inbox.AccumulatorAt(rw, assertion.Output.FullyProcessedInbox.Count.Uint64())
	if err != nil {
		return true, errors.Wrap(err, "resolve fully processed inbox accumulator")
	}
	h.liveMachine.SetFullyProcessedInboxAccumulator(acc)
	assertion.Output.FullyProcessedInbox.Accumulator = acc

	if err := h.commitAssertion(rw, assertion); err != nil {
		return true, errors.Wrap(err, "commit assertion")
	}
	return true, nil
}

// commitAssertion persists an assertion's logs, sends, and checkpoint
// in the caller's single atomic write transaction (§4.7 step 3
// SUCCESS, §5 "writes to logs, sends, inbox, and checkpoint are
// batched per assertion into a single atomic transaction").
func (h *Host) commitAssertion(rw storage.ReadWriter, a machine.Assertion) error {
	if len(a.Logs) > 0 {
		if err := h.outputs.SaveLogs(rw, a.Logs); err != nil {
			return errors.Wrap(err, "save logs")
		}
	}
	if len(a.Sends) > 0 {
		if err := h.outputs.SaveSends(rw, a.Sends); err != nil {
			return errors.Wrap(err, "save sends")
		}
	}
	h.outputs.SetMessageEntryInsertedCount(rw, a.Output.FullyProcessedInbox.Count.Uint64())

	h.lastOutputMu.Lock()
	h.lastOutput = a.Output
	h.lastOutputMu.Unlock()

	if a.Sideload != nil {
		h.cacheSideload(a.Sideload.Uint64())
		h.recordSideloadPosition(rw, a.Sideload.Uint64(), a.Output.ArbGasUsed)
	}

	if _, err := h.catalog.Put(rw, h.liveMachine.State()); err != nil {
		return errors.Wrap(err, "persist checkpoint")
	}
	h.cache.NextGeneration()
	metrics.Assertion()
	metrics.Checkpoint()

	return nil
}

func (h *Host) cacheSideload(block uint64) {
	h.sideloadMu.Lock()
	defer h.sideloadMu.Unlock()
	h.sideloadCache[block] = h.liveMachine.Clone()

	for b := range h.sideloadCache {
		if block >= h.sideloadCacheSize && b < block-h.sideloadCacheSize {
			delete(h.sideloadCache, b)
		}
		if b > block {
			delete(h.sideloadCache, b)
		}
	}
}
