// Execution cursor (§4.9): read-only replay against the checkpoint
// catalog, letting a caller materialize a Machine near an arbitrary
// arb_gas_used without disturbing the live machine the host thread
// owns. Grounded on protocol/recover.go's "load nearest durable state,
// replay forward" shape, and on core/txdb's block-by-number lookup for
// GetMachineForSideload's cache-then-position-then-checkpoint order.
package host

import (
	"encoding/binary"
	"time"

	"avmcore/errors"
	"avmcore/machine"
	"avmcore/metrics"
	"avmcore/storage"
	"avmcore/value"
)

const (
	reorgRetryAttempts = 16
	reorgRetryDelay    = 250 * time.Millisecond
)

func sideloadKey(block uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], block)
	return b[:]
}

// recordSideloadPosition remembers which checkpoint (by arb_gas_used)
// an assertion's sideload block landed on, so GetMachineForSideload
// can find it again after the sideload cache has evicted it.
func (h *Host) recordSideloadPosition(rw storage.ReadWriter, block uint64, gas value.Int) {
	rw.Put(storage.CFSideload, sideloadKey(block), gas.Bytes())
}

// deleteSideloadMarkersFrom removes every persisted sideload position
// marker with block >= from (§4.8 step 3), grounded on
// outputstream.Streams.DeleteLogsFrom's collect-then-delete walk.
func (h *Host) deleteSideloadMarkersFrom(rw storage.ReadWriter, from uint64) error {
	var toDelete [][]byte
	it := rw.Iterate(storage.CFSideload, storage.IterOptions{Start: sideloadKey(from)})
	for ; it.Valid(); it.Next() {
		toDelete = append(toDelete, append([]byte(nil), it.Key()...))
	}
	err := it.Err()
	it.Close()
	if err != nil {
		return errors.Wrap(err, "iterate sideload markers")
	}
	for _, key := range toDelete {
		rw.Delete(storage.CFSideload, key)
	}
	return nil
}

func (h *Host) sideloadPosition(tx storage.Reader, block uint64) (value.Int, bool, error) {
	body, err := tx.Get(storage.CFSideload, sideloadKey(block))
	switch {
	case err == nil:
		var gas value.Int
		copy(gas[:], body)
		return gas, true, nil
	case err == storage.ErrNotFound:
		return value.Int{}, false, nil
	default:
		return value.Int{}, false, errors.Wrap(err, "read sideload position")
	}
}

// GetMachineForSideload returns a Machine paused at the given sideload
// block: the hot in-memory cache first, then a checkpoint reload keyed
// by the block's recorded arb_gas_used position (§4.9).
func (h *Host) GetMachineForSideload(block uint64) (machine.Machine, error) {
	h.sideloadMu.Lock()
	if m, ok := h.sideloadCache[block]; ok {
		h.sideloadMu.Unlock()
		return m.Clone(), nil
	}
	h.sideloadMu.Unlock()

	var m machine.Machine
	err := h.db.View(func(tx storage.Reader) error {
		gas, ok, err := h.sideloadPosition(tx, block)
		if err != nil {
			return err
		}
		if !ok {
			return errors.WithKind(errors.New("host: no sideload recorded for block"), errors.KindNotFound)
		}
		keys, ok, err := h.catalog.ClosestAtOrBefore(tx, gas, false)
		if err != nil {
			return errors.Wrap(err, "load sideload checkpoint")
		}
		if !ok || keys.Output.ArbGasUsed != gas {
			return errors.WithKind(errors.New("host: sideload checkpoint missing"), errors.KindNotFound)
		}
		m = h.newMachine(keys)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ExecutionCursor materializes a Machine at or slightly past a target
// gas usage, for read-only callers (e.g. RPC) that must not touch the
// live machine the host thread drives (§4.9).
type ExecutionCursor struct {
	host *Host
}

// NewExecutionCursor returns a cursor bound to this host's catalog and
// inbox store.
func (h *Host) NewExecutionCursor() *ExecutionCursor {
	return &ExecutionCursor{host: h}
}

// Advance returns a Machine whose arb_gas_used is at least the
// greatest checkpointed value <= targetGas, replayed forward from
// there. If goOverGas is true, replay proceeds in ordinary
// maxMessageBatchSize batches and may pass targetGas; if false, replay
// stops at or before targetGas, trying each next message on a clone
// first so it never applies one that would push arb_gas_used past the
// target. It retries a bounded number of times only on
// errors.KindBusy, the contention a read-only View can hit while the
// host thread's reorg engine is mid-rewrite of the same column
// families.
func (c *ExecutionCursor) Advance(targetGas value.Int, goOverGas bool) (machine.Machine, error) {
	var lastErr error

	for attempt := 0; attempt < reorgRetryAttempts; attempt++ {
		m, err := c.tryAdvance(targetGas, goOverGas)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, errors.KindBusy) {
			return nil, err
		}
		lastErr = err
		metrics.CursorRetry()
		time.Sleep(reorgRetryDelay)
	}
	return nil, errors.Wrap(lastErr, "advance retries exhausted")
}

func (c *ExecutionCursor) tryAdvance(targetGas value.Int, goOverGas bool) (machine.Machine, error) {
	h := c.host
	var m machine.Machine

	err := h.db.View(func(tx storage.Reader) error {
		keys, ok, err := h.catalog.ClosestAtOrBefore(tx, targetGas, false)
		if err != nil {
			return errors.Wrap(err, "load checkpoint at or before target")
		}
		if !ok {
			m = h.newMachine(machine.MachineStateKeys{})
			return nil
		}
		m = h.newMachine(keys)

		startCount := keys.Output.FullyProcessedInbox.Count
		for m.Keys().Output.ArbGasUsed.Uint64() < targetGas.Uint64() {
			var batchSize uint64 = maxMessageBatchSize
			if !goOverGas {
				batchSize = 1
			}
			batch, err := h.inbox.ReadMessages(tx, startCount, batchSize, nil)
			if err != nil {
				return errors.Wrap(err, "read replay batch")
			}
			if len(batch) == 0 {
				break
			}
			currentGas := m.Keys().Output.ArbGasUsed

			if !goOverGas {
				trial := m.Clone()
				assertion, err := trial.Run(batch)
				if err != nil {
					return errors.Wrap(err, "replay batch")
				}
				if assertion.Output.ArbGasUsed.Uint64() > targetGas.Uint64() {
					break // applying it would pass the target; stop before it
				}
				m = trial
				startCount = assertion.Output.FullyProcessedInbox.Count
				if assertion.Output.ArbGasUsed == currentGas {
					break // no forward progress; avoid spinning
				}
				continue
			}

			assertion, err := m.Run(batch)
			if err != nil {
				return errors.Wrap(err, "replay batch")
			}
			startCount = assertion.Output.FullyProcessedInbox.Count
			if assertion.Output.ArbGasUsed == currentGas {
				break // no forward progress; avoid spinning
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
