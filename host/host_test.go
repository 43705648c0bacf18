package host

import (
	"testing"

	"github.com/stretchr/testify/require"

	"avmcore/checkpoint"
	"avmcore/codestore"
	"avmcore/inboxstore"
	"avmcore/machine"
	"avmcore/machine/machinetest"
	"avmcore/outputstream"
	"avmcore/storage"
	"avmcore/storage/memstore"
	"avmcore/value"
	"avmcore/valuestore"
)

const testGasPerRun = 100

func newTestHost(db storage.DB) *Host {
	cs := codestore.New(db)
	vs := valuestore.New(cs)
	ib := inboxstore.New()
	os := outputstream.New(vs)
	cat := checkpoint.New(vs, ib)
	return New(db, vs, cs, ib, os, cat, func(keys machine.MachineStateKeys) machine.Machine {
		return machinetest.FromKeys(keys, testGasPerRun)
	})
}

func deliverAndRun(t *testing.T, h *Host, prevAcc value.Hash, payload []byte) {
	t.Helper()
	require.True(t, h.DeliverMessages([][]byte{payload}, prevAcc, true, nil))
	stop, err := h.Tick()
	require.NoError(t, err)
	require.False(t, stop)
	require.Equal(t, StatusSuccess, h.MessagesStatus())
	h.MessagesClearError()
}

func TestDeliverMessagesAndDriveMachine(t *testing.T) {
	db := memstore.New()
	h := newTestHost(db)

	deliverAndRun(t, h, value.Hash{}, []byte("hello"))

	out := h.LastOutput()
	require.Equal(t, uint64(testGasPerRun), out.ArbGasUsed.Uint64())
	require.Equal(t, uint64(1), out.FullyProcessedInbox.Count.Uint64())
	require.Equal(t, uint64(1), out.LogCount.Uint64())
	require.Equal(t, uint64(1), out.SendCount.Uint64())
	require.False(t, h.MachineIdle())

	// A second tick with nothing new to process should report idle.
	stop, err := h.Tick()
	require.NoError(t, err)
	require.False(t, stop)
	require.True(t, h.MachineIdle())
}

func TestDeliverMessagesRejectsWhileBusy(t *testing.T) {
	db := memstore.New()
	h := newTestHost(db)

	require.True(t, h.DeliverMessages([][]byte{[]byte("a")}, value.Hash{}, true, nil))
	require.False(t, h.DeliverMessages([][]byte{[]byte("b")}, value.Hash{}, true, nil))
}

func TestAddMessagesRejectsPrevAccMismatch(t *testing.T) {
	db := memstore.New()
	h := newTestHost(db)

	deliverAndRun(t, h, value.Hash{}, []byte("first"))

	require.True(t, h.DeliverMessages([][]byte{[]byte("second")}, value.Hash{0xFF}, true, nil))
	stop, err := h.Tick()
	require.NoError(t, err)
	require.False(t, stop)
	require.Equal(t, StatusNeedOlder, h.MessagesStatus())
	h.MessagesClearError()
}

func TestSideloadCachingAndRetrieval(t *testing.T) {
	db := memstore.New()
	cs := codestore.New(db)
	vs := valuestore.New(cs)
	ib := inboxstore.New()
	os := outputstream.New(vs)
	cat := checkpoint.New(vs, ib)
	h := New(db, vs, cs, ib, os, cat, func(keys machine.MachineStateKeys) machine.Machine {
		m := machinetest.FromKeys(keys, testGasPerRun)
		m.SideloadEvery = 1
		return m
	})

	deliverAndRun(t, h, value.Hash{}, []byte("sideload this"))

	out := h.LastOutput()
	require.NotNil(t, out.LastSideload)
	block := out.LastSideload.Uint64()

	m, err := h.GetMachineForSideload(block)
	require.NoError(t, err)
	require.True(t, m.IsHalted())
}

func TestGetMachineForSideloadFallsBackToCheckpoint(t *testing.T) {
	db := memstore.New()
	cs := codestore.New(db)
	vs := valuestore.New(cs)
	ib := inboxstore.New()
	os := outputstream.New(vs)
	cat := checkpoint.New(vs, ib)
	h := New(db, vs, cs, ib, os, cat, func(keys machine.MachineStateKeys) machine.Machine {
		m := machinetest.FromKeys(keys, testGasPerRun)
		m.SideloadEvery = 1
		return m
	})

	deliverAndRun(t, h, value.Hash{}, []byte("sideload this"))
	out := h.LastOutput()
	block := out.LastSideload.Uint64()

	h.evictSideloadAbove(0) // simulate the in-memory cache entry being gone

	m, err := h.GetMachineForSideload(block)
	require.NoError(t, err)
	require.Equal(t, out.ArbGasUsed.Uint64(), m.Keys().Output.ArbGasUsed.Uint64())
}

func TestReorgTruncatesCheckpointsAndLogs(t *testing.T) {
	db := memstore.New()
	h := newTestHost(db)

	deliverAndRun(t, h, value.Hash{}, []byte("one"))
	firstKeys := h.liveMachine.Keys()

	deliverAndRun(t, h, firstKeys.Output.FullyProcessedInbox.Accumulator, []byte("two"))

	require.NoError(t, db.Update(func(rw storage.ReadWriter) error {
		return h.reorgTo(rw, firstKeys)
	}))

	require.NoError(t, db.View(func(tx storage.Reader) error {
		count, err := h.outputs.LogInsertedCount(tx)
		require.NoError(t, err)
		require.Equal(t, uint64(1), count)

		keys, ok, err := h.catalog.ClosestAtOrBefore(tx, value.IntFromUint64(2*testGasPerRun), false)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, firstKeys.Output.ArbGasUsed.Uint64(), keys.Output.ArbGasUsed.Uint64())
		require.Equal(t, firstKeys.Output.ArbGasUsed.Uint64(), h.liveMachine.Keys().Output.ArbGasUsed.Uint64())
		return nil
	}))
}

func TestExecutionCursorAdvance(t *testing.T) {
	db := memstore.New()
	h := newTestHost(db)

	deliverAndRun(t, h, value.Hash{}, []byte("one"))
	deliverAndRun(t, h, h.liveMachine.Keys().Output.FullyProcessedInbox.Accumulator, []byte("two"))

	cursor := h.NewExecutionCursor()

	// Exactly at a checkpoint: no replay needed.
	m, err := cursor.Advance(value.IntFromUint64(testGasPerRun), false)
	require.NoError(t, err)
	require.Equal(t, uint64(testGasPerRun), m.Keys().Output.ArbGasUsed.Uint64())

	// Between checkpoints with go_over_gas: replays the next batch even
	// though that passes the target by gasPerRun/2.
	m, err = cursor.Advance(value.IntFromUint64(testGasPerRun+testGasPerRun/2), true)
	require.NoError(t, err)
	require.Equal(t, uint64(2*testGasPerRun), m.Keys().Output.ArbGasUsed.Uint64())

	// Same target without go_over_gas: the only remaining message would
	// pass it, so the cursor stops at the checkpoint before it instead.
	m, err = cursor.Advance(value.IntFromUint64(testGasPerRun+testGasPerRun/2), false)
	require.NoError(t, err)
	require.Equal(t, uint64(testGasPerRun), m.Keys().Output.ArbGasUsed.Uint64())
}

func TestTriggerSaveCheckpointForcesCheckpointOnIdleTick(t *testing.T) {
	db := memstore.New()
	h := newTestHost(db)

	deliverAndRun(t, h, value.Hash{}, []byte("hello"))
	require.False(t, h.MachineIdle())

	require.NoError(t, db.View(func(tx storage.Reader) error {
		_, ok, err := h.catalog.Max(tx)
		require.NoError(t, err)
		require.True(t, ok, "commitAssertion should have checkpointed already")
		return nil
	}))

	h.TriggerSaveCheckpoint()

	// An idle tick with no new messages still clears the flag; since
	// commitAssertion already checkpointed this exact gas, Tick skips
	// the redundant write but the checkpoint is still there afterward.
	stop, err := h.Tick()
	require.NoError(t, err)
	require.False(t, stop)
	require.True(t, h.MachineIdle())
	require.False(t, h.saveCheckpointRequested)

	require.NoError(t, db.View(func(tx storage.Reader) error {
		keys, ok, err := h.catalog.Max(tx)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, h.liveMachine.Keys().Output.ArbGasUsed.Uint64(), keys.Output.ArbGasUsed.Uint64())
		return nil
	}))
}

func TestTriggerSaveCheckpointWritesAtGenesisWithNoAssertions(t *testing.T) {
	db := memstore.New()
	h := newTestHost(db)

	h.TriggerSaveCheckpoint()

	stop, err := h.Tick()
	require.NoError(t, err)
	require.False(t, stop)
	require.False(t, h.saveCheckpointRequested)

	require.NoError(t, db.View(func(tx storage.Reader) error {
		_, ok, err := h.catalog.Max(tx)
		require.NoError(t, err)
		require.True(t, ok, "TriggerSaveCheckpoint should have written a genesis checkpoint")
		return nil
	}))
}

func TestLogsCursorRequestServiceGetConfirm(t *testing.T) {
	db := memstore.New()
	h := newTestHost(db)

	cursor := h.cursors[0]
	require.NoError(t, cursor.Request(10))

	deliverAndRun(t, h, value.Hash{}, []byte("one"))

	// Servicing happens as part of Tick; after deliverAndRun's Tick,
	// the REQUESTED slot should already be READY.
	page, err := cursor.Get()
	require.NoError(t, err)
	require.Len(t, page.Logs, 1)
	require.Empty(t, page.DeletedLogs)

	require.NoError(t, cursor.Confirm())
	require.Equal(t, LogsCursorEmpty, cursor.status)
}

func TestLogsCursorHandleReorgSurfacesDeletedLogs(t *testing.T) {
	db := memstore.New()
	h := newTestHost(db)

	deliverAndRun(t, h, value.Hash{}, []byte("one"))
	firstKeys := h.liveMachine.Keys()
	deliverAndRun(t, h, firstKeys.Output.FullyProcessedInbox.Accumulator, []byte("two"))

	cursor := h.cursors[1]
	require.NoError(t, cursor.Request(10))
	require.NoError(t, db.Update(func(rw storage.ReadWriter) error {
		return h.serviceLogsCursors(rw)
	}))
	page, err := cursor.Get()
	require.NoError(t, err)
	require.Len(t, page.Logs, 2)
	require.NoError(t, cursor.Confirm())

	// Now request again so the cursor has something pending at the
	// current tip, then reorg back to after just the first message.
	require.NoError(t, cursor.Request(10))
	require.NoError(t, db.Update(func(rw storage.ReadWriter) error {
		return h.reorgTo(rw, firstKeys)
	}))

	require.Equal(t, LogsCursorRequested, cursor.status)
	require.Len(t, cursor.deletedData, 1)
}
