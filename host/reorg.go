// Reorg engine (§4.8): rewinds the checkpoint catalog, output
// streams, sideload cache, and logs cursors to the latest prefix
// whose fully_processed_inbox is still consistent with the inbox
// store, grounded on protocol/recover.go's "find the latest durable
// state" replay-avoidance and protocol/block.go's CommitAppliedBlock
// linearization-point comment: a reorg must not leave any reader
// able to observe a partially-rewound catalog, which is exactly what
// core_reorg_mutex (h.reorgMu) guards.
package host

import (
	"avmcore/errors"
	"avmcore/machine"
	"avmcore/metrics"
	"avmcore/storage"
	"avmcore/value"
)

// ensureValid checks the live machine's fully_processed_inbox against
// the inbox store and rewinds if it no longer matches (§4.7 step 1).
func (h *Host) ensureValid(rw storage.ReadWriter) error {
	if h.liveMachine == nil {
		return h.rewindToLatestValid(rw)
	}
	out := h.liveMachine.Keys().Output
	ok, err := h.inbox.IsValid(rw, out.FullyProcessedInbox)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return h.rewindToLatestValid(rw)
}

// rewindToLatestValid walks the checkpoint catalog backward from its
// tip until it finds one whose fully_processed_inbox the inbox store
// still validates, then reorgs to it. If no checkpoint validates (or
// none exists), it reorgs all the way to genesis.
func (h *Host) rewindToLatestValid(rw storage.ReadWriter) error {
	keys, ok, err := h.catalog.Max(rw)
	if err != nil {
		return errors.Wrap(err, "read latest checkpoint")
	}

	for ok {
		valid, err := h.inbox.IsValid(rw, keys.Output.FullyProcessedInbox)
		if err != nil {
			return errors.Wrap(err, "validate checkpoint inbox state")
		}
		if valid {
			return h.reorgTo(rw, keys)
		}

		gas := keys.Output.ArbGasUsed.Uint64()
		if gas == 0 {
			break
		}
		keys, ok, err = h.catalog.ClosestAtOrBefore(rw, value.IntFromUint64(gas-1), false)
		if err != nil {
			return errors.Wrap(err, "seek older checkpoint")
		}
	}

	return h.reorgTo(rw, machine.MachineStateKeys{})
}

// reorgTo discards every checkpoint and output entry past keys, in
// the order required by §4.10 (logs cursors are handed the
// about-to-be-deleted logs before those logs are actually deleted),
// evicts stale sideload cache entries, and resumes the live machine
// from keys.
func (h *Host) reorgTo(rw storage.ReadWriter, keys machine.MachineStateKeys) error {
	h.reorgMu.Lock()
	defer h.reorgMu.Unlock()

	newLogCount := keys.Output.LogCount.Uint64()

	for _, c := range h.cursors {
		if err := c.handleReorg(rw, h.outputs, newLogCount); err != nil {
			return errors.Wrap(err, "notify logs cursor of reorg")
		}
	}

	if err := h.catalog.DeleteAfter(rw, keys.Output.ArbGasUsed); err != nil {
		return errors.Wrap(err, "delete stale checkpoints")
	}
	if err := h.outputs.DeleteLogsFrom(rw, newLogCount); err != nil {
		return errors.Wrap(err, "truncate logs")
	}
	h.outputs.ResetSendsFrom(rw, keys.Output.SendCount.Uint64())
	h.outputs.SetMessageEntryInsertedCount(rw, keys.Output.FullyProcessedInbox.Count.Uint64())

	if keys.Output.LastSideload != nil {
		h.evictSideloadAbove(keys.Output.LastSideload.Uint64())
		if err := h.deleteSideloadMarkersFrom(rw, keys.Output.LastSideload.Uint64()+1); err != nil {
			return errors.Wrap(err, "delete stale sideload markers")
		}
	} else {
		h.clearSideloadCache()
		if err := h.deleteSideloadMarkersFrom(rw, 0); err != nil {
			return errors.Wrap(err, "delete stale sideload markers")
		}
	}

	h.liveMachine = h.newMachine(keys)
	h.cache.NextGeneration()
	metrics.Reorg()

	return nil
}

// AddMessages implements §4.8's add_messages: validate prevAcc
// against the chain (unless reorgCount makes this an explicit
// trim-and-retry), append one sequencer batch item carrying the
// delivered batch, and, if its insertion predates the live machine's
// fully_processed_inbox.count, reorg back to that point so the
// newly-appended chain is what gets replayed forward.
func (h *Host) AddMessages(rw storage.ReadWriter, prevAcc value.Hash, messages [][]byte, reorgCount *value.Int) error {
	nextSeq, err := h.outputs.MessageEntryInsertedCount(rw)
	if err != nil {
		return errors.Wrap(err, "read message entry count")
	}

	if reorgCount == nil && nextSeq > 0 {
		prevItem, err := h.inbox.GetBatchItem(rw, value.IntFromUint64(nextSeq-1))
		if err != nil {
			return errors.Wrap(err, "read prior batch item")
		}
		if prevItem.Accumulator != prevAcc {
			return errors.WithKind(errors.New("host: prev_inbox_acc mismatch"), errors.KindNeedOlder)
		}
	}

	payload := encodeBatch(messages)
	newAcc := nextAccumulator(prevAcc, payload)
	if _, err := h.inbox.AppendBatchItem(rw, value.IntFromUint64(nextSeq), newAcc, value.IntFromUint64(0), payload); err != nil {
		return errors.Wrap(err, "append batch item")
	}

	if reorgCount != nil {
		return h.reorgToCount(rw, reorgCount.Uint64())
	}

	if h.liveMachine == nil {
		return nil
	}
	liveCount := h.liveMachine.Keys().Output.FullyProcessedInbox.Count.Uint64()
	if nextSeq < liveCount {
		return h.reorgToCount(rw, nextSeq)
	}
	return nil
}

func (h *Host) reorgToCount(rw storage.ReadWriter, count uint64) error {
	keys, ok, err := h.findCheckpointCoveringCount(rw, count)
	if err != nil {
		return err
	}
	if ok {
		return h.reorgTo(rw, keys)
	}
	return h.reorgTo(rw, machine.MachineStateKeys{})
}

// findCheckpointCoveringCount returns the checkpoint whose
// fully_processed_inbox.count is at-or-before count.
func (h *Host) findCheckpointCoveringCount(rw storage.ReadWriter, count uint64) (machine.MachineStateKeys, bool, error) {
	keys, ok, err := h.catalog.Max(rw)
	if err != nil {
		return machine.MachineStateKeys{}, false, err
	}
	for ok {
		if keys.Output.FullyProcessedInbox.Count.Uint64() <= count {
			return keys, true, nil
		}
		gas := keys.Output.ArbGasUsed.Uint64()
		if gas == 0 {
			break
		}
		keys, ok, err = h.catalog.ClosestAtOrBefore(rw, value.IntFromUint64(gas-1), false)
		if err != nil {
			return machine.MachineStateKeys{}, false, err
		}
	}
	return machine.MachineStateKeys{}, false, nil
}

func (h *Host) evictSideloadAbove(maxBlock uint64) {
	h.sideloadMu.Lock()
	defer h.sideloadMu.Unlock()
	for block := range h.sideloadCache {
		if block > maxBlock {
			delete(h.sideloadCache, block)
		}
	}
}

func (h *Host) clearSideloadCache() {
	h.sideloadMu.Lock()
	defer h.sideloadMu.Unlock()
	h.sideloadCache = make(map[uint64]machine.Machine)
}
