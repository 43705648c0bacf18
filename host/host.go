// Package host implements the machine-thread host (§4.7): the single
// background thread that owns the live machine, drains client-
// delivered inbox messages, persists assertions, runs the reorg
// engine, and services logs-cursor readers. Grounded on a ticked
// select-loop shape (`select { <-ctx.Done(); <-ticks }`), with any
// multi-process leader-election prelude dropped: §1's "no
// multi-writer: exactly one execution thread mutates state" rules out
// contending for the right to be the writer, so this Host assumes it
// is already the sole writer and skips straight to the loop.
//
// Per-assertion processing is conceptually an asynchronous state
// machine (NONE/SUCCESS/ERROR/ABORTED), since a real opcode
// interpreter would run on its own thread and the host would poll it.
// Since Machine.Run here is a synchronous call (the interpreter
// itself is out of scope, §1), this Host collapses that polling into a
// single synchronous step per tick: fetch a batch, run it, commit the
// assertion.
package host

import (
	"context"
	"sync"
	"time"

	"avmcore/checkpoint"
	"avmcore/codestore"
	"avmcore/errors"
	"avmcore/inboxstore"
	"avmcore/machine"
	"avmcore/metrics"
	"avmcore/outputstream"
	"avmcore/storage"
	"avmcore/value"
	"avmcore/valuestore"
)

// Factory builds a Machine resuming from keys (the zero
// MachineStateKeys value for a fresh chain at genesis).
type Factory func(keys machine.MachineStateKeys) machine.Machine

// Status is the inbox-delivery handshake state (§6 messages_status).
type Status int

const (
	StatusEmpty Status = iota
	StatusReady
	StatusSuccess
	StatusNeedOlder
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "EMPTY"
	case StatusReady:
		return "READY"
	case StatusSuccess:
		return "SUCCESS"
	case StatusNeedOlder:
		return "NEED_OLDER"
	case StatusError:
		return "ERROR"
	default:
		return "unknown"
	}
}

const (
	maxMessageBatchSize = 10
	defaultCacheSize    = 64
	idlePoll            = 50 * time.Millisecond
)

type pendingDelivery struct {
	messages          [][]byte
	prevAcc           value.Hash
	lastBlockComplete bool
	reorgCount        *value.Int
}

// Host is the single-writer execution loop plus the reader-visible
// state (last published output, sideload cache, logs cursors) other
// threads consult concurrently (§5).
type Host struct {
	db      storage.DB
	values  *valuestore.Store
	code    *codestore.Store
	inbox   *inboxstore.Store
	outputs *outputstream.Streams
	catalog *checkpoint.Catalog
	cache   *valuestore.Cache

	newMachine Factory

	mu          sync.Mutex
	liveMachine machine.Machine
	status      Status
	pending     pendingDelivery
	deliveryErr string
	machineErr  string
	idle        bool

	lastOutputMu sync.Mutex
	lastOutput   machine.Output

	sideloadMu        sync.Mutex
	sideloadCache     map[uint64]machine.Machine
	sideloadCacheSize uint64

	reorgMu sync.Mutex

	// saveCheckpointRequested is read and cleared by Tick under h.mu,
	// same as every other field above; TriggerSaveCheckpoint sets it
	// under the same lock, so it needs no separate synchronization.
	saveCheckpointRequested bool

	cursors [255]*LogsCursor
}

// New constructs a Host. newMachine is used both to start a fresh
// machine at genesis and to resume one from checkpointed keys after a
// reorg.
func New(db storage.DB, values *valuestore.Store, code *codestore.Store, inbox *inboxstore.Store, outputs *outputstream.Streams, catalog *checkpoint.Catalog, newMachine Factory) *Host {
	h := &Host{
		db:                db,
		values:            values,
		code:              code,
		inbox:             inbox,
		outputs:           outputs,
		catalog:           catalog,
		cache:             valuestore.NewCache(),
		newMachine:        newMachine,
		sideloadCache:     make(map[uint64]machine.Machine),
		sideloadCacheSize: defaultCacheSize,
	}
	for i := range h.cursors {
		h.cursors[i] = newLogsCursor()
	}
	return h
}

// Run drives the background loop until ctx is canceled or the
// machine hits a fatal error, grounded on core/generator.Generate's
// `select { case <-ctx.Done(); case <-ticks }` shape.
func (h *Host) Run(ctx context.Context) {
	ticks := time.NewTicker(idlePoll)
	defer ticks.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks.C:
			stop, err := h.Tick()
			if err != nil {
				return
			}
			if stop {
				return
			}
		}
	}
}

// Tick runs one iteration of the main loop (§4.7 steps 1-5) under a
// single atomic write transaction, and reports whether the loop
// should stop (machine recorded a fatal error).
func (h *Host) Tick() (stop bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	err = h.db.Update(func(rw storage.ReadWriter) error {
		if err := h.ensureValid(rw); err != nil {
			return errors.Wrap(err, "validate live machine against inbox")
		}

		if h.status == StatusReady {
			if err := h.processDelivery(rw); err != nil {
				return errors.Wrap(err, "process delivered messages")
			}
		}

		ran, err := h.driveMachine(rw)
		if err != nil {
			h.machineErr = err.Error()
			return nil // recorded, not propagated: the loop stops below
		}
		h.idle = !ran

		if h.saveCheckpointRequested {
			h.saveCheckpointRequested = false
			state := h.liveMachine.State()
			maxKeys, ok, err := h.catalog.Max(rw)
			if err != nil {
				return errors.Wrap(err, "read latest checkpoint")
			}
			// Skip the write if a checkpoint at this exact gas already
			// exists (e.g. commitAssertion just wrote one, or an idle
			// tick's live machine hasn't moved since the last one) —
			// re-saving the same roots would double their refcounts
			// without a matching second checkpoint to eventually drop
			// them.
			if !ok || maxKeys.Output.ArbGasUsed != state.Output.ArbGasUsed {
				if _, err := h.catalog.Put(rw, state); err != nil {
					return errors.Wrap(err, "save requested checkpoint")
				}
				metrics.Checkpoint()
			}
		}

		if err := h.serviceLogsCursors(rw); err != nil {
			return errors.Wrap(err, "service logs cursors")
		}

		return nil
	})

	if err != nil {
		return false, err
	}
	return h.machineErr != "", nil
}

// MachineIdle reports whether the last tick found no messages to run.
func (h *Host) MachineIdle() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.idle
}

// MachineClearError returns and clears the recorded fatal error
// string, if any.
func (h *Host) MachineClearError() *string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.machineErr == "" {
		return nil
	}
	s := h.machineErr
	h.machineErr = ""
	return &s
}

// LastOutput returns the most recently published Output (§5
// last_machine_output_mutex).
func (h *Host) LastOutput() machine.Output {
	h.lastOutputMu.Lock()
	defer h.lastOutputMu.Unlock()
	return h.lastOutput
}

// TriggerSaveCheckpoint asks the main loop to save a checkpoint of the
// live machine on its next tick, even if that tick runs no assertion
// (§4.7 step 5).
func (h *Host) TriggerSaveCheckpoint() {
	h.mu.Lock()
	h.saveCheckpointRequested = true
	h.mu.Unlock()
}

// SetSideloadCacheSize overrides the number of recent sideload blocks
// kept hot in memory (default defaultCacheSize), letting a caller size
// it to the deployment's expected replay depth.
func (h *Host) SetSideloadCacheSize(n uint64) {
	h.sideloadMu.Lock()
	h.sideloadCacheSize = n
	h.sideloadMu.Unlock()
}
