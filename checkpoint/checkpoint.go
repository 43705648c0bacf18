// Package checkpoint implements the checkpoint catalog (§4.4): an
// ordered map from arb_gas_used to a serialized MachineStateKeys
// record in storage's "checkpoint" column family. Finding the latest
// durable state means using it directly rather than replaying
// forward — the whole point of checkpointing is to avoid a
// block-by-block replay — with a fixed-layout record serialization.
package checkpoint

import (
	"encoding/binary"
	"sync"

	"golang.org/x/sync/errgroup"

	"avmcore/errors"
	"avmcore/machine"
	"avmcore/storage"
	"avmcore/value"
	"avmcore/valuestore"
)

// InboxValidator checks a checkpoint's fully_processed_inbox against
// the authoritative inbox store (§3 invariant 1). The checkpoint
// catalog depends on this interface, not on the inboxstore package
// directly, to avoid a cyclic import — the host wires the concrete
// implementation in.
type InboxValidator interface {
	IsValid(tx storage.Reader, inbox machine.InboxState) (bool, error)
}

// Catalog is the checkpoint catalog.
type Catalog struct {
	values    *valuestore.Store
	validator InboxValidator
}

// New returns a Catalog that saves/loads values through values and
// validates inbox consistency through validator.
func New(values *valuestore.Store, validator InboxValidator) *Catalog {
	return &Catalog{values: values, validator: validator}
}

func gasKey(gas value.Int) []byte {
	return gas.Bytes()
}

// Put verifies state's fully_processed_inbox against the inbox store,
// saves every deep value state references into the value store, and
// writes the resulting MachineStateKeys record keyed by
// state.Output.ArbGasUsed.
func (c *Catalog) Put(rw storage.ReadWriter, state machine.MachineState) (machine.MachineStateKeys, error) {
	var keys machine.MachineStateKeys

	ok, err := c.validator.IsValid(rw, state.Output.FullyProcessedInbox)
	if err != nil {
		return keys, errors.Wrap(err, "validate inbox state")
	}
	if !ok {
		return keys, errors.WithKind(
			errors.New("checkpoint: fully_processed_inbox inconsistent with inbox store"),
			errors.KindCorruption,
		)
	}

	keys.PC = state.PC
	keys.ErrPC = state.ErrPC
	keys.GasRemaining = state.GasRemaining
	keys.Status = state.Status
	keys.Output = state.Output

	// The register/static/stack/staged roots are independent value
	// trees, so their hash-and-encode work runs concurrently; guardedRW
	// serializes the actual storage.ReadWriter calls underneath, since
	// neither storage backend tolerates concurrent Get/Put/Delete.
	guarded := &guardedReadWriter{rw: rw}
	var g errgroup.Group
	g.Go(func() error {
		h, err := c.values.Save(guarded, state.Register)
		if err != nil {
			return errors.Wrap(err, "save register")
		}
		keys.RegisterHash = h
		return nil
	})
	g.Go(func() error {
		h, err := c.values.Save(guarded, state.Static)
		if err != nil {
			return errors.Wrap(err, "save static")
		}
		keys.StaticHash = h
		return nil
	})
	g.Go(func() error {
		h, err := c.values.Save(guarded, state.DataStack)
		if err != nil {
			return errors.Wrap(err, "save data stack")
		}
		keys.DataStackHash = h
		return nil
	})
	g.Go(func() error {
		h, err := c.values.Save(guarded, state.AuxStack)
		if err != nil {
			return errors.Wrap(err, "save aux stack")
		}
		keys.AuxStackHash = h
		return nil
	})
	if state.StagedMessage != nil {
		keys.HasStagedMessage = true
		g.Go(func() error {
			h, err := c.values.Save(guarded, state.StagedMessage)
			if err != nil {
				return errors.Wrap(err, "save staged message")
			}
			keys.StagedMessageHash = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return keys, err
	}

	rw.Put(storage.CFCheckpoint, gasKey(state.Output.ArbGasUsed), encodeKeys(keys))
	return keys, nil
}

// guardedReadWriter serializes access to an underlying
// storage.ReadWriter across goroutines. memstore's maps and
// rocksstore's write batch are both single-writer; this lets Put
// fan the root saves (four, or five with a staged message) out over
// errgroup without racing them.
type guardedReadWriter struct {
	mu sync.Mutex
	rw storage.ReadWriter
}

func (g *guardedReadWriter) Get(cf string, key []byte) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rw.Get(cf, key)
}

func (g *guardedReadWriter) Iterate(cf string, opts storage.IterOptions) storage.Iterator {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rw.Iterate(cf, opts)
}

func (g *guardedReadWriter) Put(cf string, key, value []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rw.Put(cf, key, value)
}

func (g *guardedReadWriter) Delete(cf string, key []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rw.Delete(cf, key)
}

// ClosestAtOrBefore reverse-seeks for the checkpoint with the greatest
// arb_gas_used <= gas. If after is true, the result is advanced one
// step forward to the next-higher checkpoint instead.
func (c *Catalog) ClosestAtOrBefore(tx storage.Reader, gas value.Int, after bool) (machine.MachineStateKeys, bool, error) {
	it := tx.Iterate(storage.CFCheckpoint, storage.IterOptions{Start: gasKey(gas), Reverse: true})
	defer it.Close()

	if !it.Valid() {
		return machine.MachineStateKeys{}, false, nil
	}

	if !after {
		keys, err := decodeKeys(it.Value())
		return keys, true, err
	}

	foundGas := it.Key()
	fwd := tx.Iterate(storage.CFCheckpoint, storage.IterOptions{Start: foundGas})
	defer fwd.Close()
	if !fwd.Valid() {
		return machine.MachineStateKeys{}, false, nil
	}
	fwd.Next() // step past the at-or-before match itself
	if !fwd.Valid() {
		return machine.MachineStateKeys{}, false, nil
	}
	keys, err := decodeKeys(fwd.Value())
	return keys, true, err
}

// Max returns the checkpoint with the greatest arb_gas_used.
func (c *Catalog) Max(tx storage.Reader) (machine.MachineStateKeys, bool, error) {
	it := tx.Iterate(storage.CFCheckpoint, storage.IterOptions{Reverse: true})
	defer it.Close()
	if !it.Valid() {
		return machine.MachineStateKeys{}, false, nil
	}
	keys, err := decodeKeys(it.Value())
	return keys, true, err
}

// Delete removes the checkpoint at gas, dropping the value-store
// reference count on every hash it owns.
func (c *Catalog) Delete(rw storage.ReadWriter, gas value.Int) error {
	key := gasKey(gas)
	body, err := rw.Get(storage.CFCheckpoint, key)
	if err != nil {
		return errors.Wrap(err, "read checkpoint")
	}
	keys, err := decodeKeys(body)
	if err != nil {
		return errors.Wrap(err, "decode checkpoint")
	}

	for _, h := range []value.Hash{keys.RegisterHash, keys.StaticHash, keys.DataStackHash, keys.AuxStackHash} {
		if err := c.values.Delete(rw, h); err != nil {
			return errors.Wrap(err, "delete owned value")
		}
	}
	if keys.HasStagedMessage {
		if err := c.values.Delete(rw, keys.StagedMessageHash); err != nil {
			return errors.Wrap(err, "delete staged message")
		}
	}

	rw.Delete(storage.CFCheckpoint, key)
	return nil
}

// DeleteAfter deletes every checkpoint with arb_gas_used strictly
// greater than gas, dropping their owned value references. Used by
// the reorg engine to discard checkpoints that outlive a rewind
// point (§4.8).
func (c *Catalog) DeleteAfter(rw storage.ReadWriter, gas value.Int) error {
	var toDelete []value.Int
	it := rw.Iterate(storage.CFCheckpoint, storage.IterOptions{Start: gasKey(gas)})
	defer it.Close()
	for ; it.Valid(); it.Next() {
		keys, err := decodeKeys(it.Value())
		if err != nil {
			return errors.Wrap(err, "decode checkpoint during reorg")
		}
		if keys.Output.ArbGasUsed.Uint64() > gas.Uint64() {
			toDelete = append(toDelete, keys.Output.ArbGasUsed)
		}
	}

	for _, g := range toDelete {
		if err := c.Delete(rw, g); err != nil {
			return errors.Wrap(err, "delete stale checkpoint")
		}
	}
	return nil
}

const recordSize = 32*4 + 8*4 + 32 + 1 + 1 + 32 + 32*4 + 32*2 + 1 + 32

func encodeKeys(k machine.MachineStateKeys) []byte {
	buf := make([]byte, 0, recordSize)
	buf = append(buf, k.RegisterHash.Bytes()...)
	buf = append(buf, k.StaticHash.Bytes()...)
	buf = append(buf, k.DataStackHash.Bytes()...)
	buf = append(buf, k.AuxStackHash.Bytes()...)
	buf = appendBE64(buf, k.PC.Segment)
	buf = appendBE64(buf, k.PC.Offset)
	buf = appendBE64(buf, k.ErrPC.Segment)
	buf = appendBE64(buf, k.ErrPC.Offset)
	buf = append(buf, k.GasRemaining.Bytes()...)
	buf = append(buf, byte(k.Status))
	if k.HasStagedMessage {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, k.StagedMessageHash.Bytes()...)

	buf = append(buf, k.Output.ArbGasUsed.Bytes()...)
	buf = append(buf, k.Output.TotalMessagesRead.Bytes()...)
	buf = append(buf, k.Output.LogCount.Bytes()...)
	buf = append(buf, k.Output.SendCount.Bytes()...)
	buf = append(buf, k.Output.FullyProcessedInbox.Count.Bytes()...)
	buf = append(buf, k.Output.FullyProcessedInbox.Accumulator.Bytes()...)
	if k.Output.LastSideload != nil {
		buf = append(buf, 1)
		buf = append(buf, k.Output.LastSideload.Bytes()...)
	} else {
		buf = append(buf, 0)
		buf = append(buf, make([]byte, 32)...)
	}
	return buf
}

func decodeKeys(buf []byte) (machine.MachineStateKeys, error) {
	var k machine.MachineStateKeys
	if len(buf) != recordSize {
		return k, errors.WithKind(errors.New("checkpoint: malformed record"), errors.KindCorruption)
	}

	var err error
	off := 0
	readHash := func() value.Hash {
		h, e := value.HashFromBytes(buf[off : off+32])
		if e != nil && err == nil {
			err = e
		}
		off += 32
		return h
	}
	readBE64 := func() uint64 {
		v := binary.BigEndian.Uint64(buf[off : off+8])
		off += 8
		return v
	}
	readInt := func() value.Int {
		var i value.Int
		copy(i[:], buf[off:off+32])
		off += 32
		return i
	}

	k.RegisterHash = readHash()
	k.StaticHash = readHash()
	k.DataStackHash = readHash()
	k.AuxStackHash = readHash()
	k.PC = value.PC{Segment: readBE64(), Offset: readBE64()}
	k.ErrPC = value.PC{Segment: readBE64(), Offset: readBE64()}
	k.GasRemaining = readInt()
	k.Status = machine.Status(buf[off])
	off++
	k.HasStagedMessage = buf[off] != 0
	off++
	k.StagedMessageHash = readHash()

	k.Output.ArbGasUsed = readInt()
	k.Output.TotalMessagesRead = readInt()
	k.Output.LogCount = readInt()
	k.Output.SendCount = readInt()
	k.Output.FullyProcessedInbox.Count = readInt()
	k.Output.FullyProcessedInbox.Accumulator = readHash()
	hasSideload := buf[off] != 0
	off++
	sideload := readInt()
	if hasSideload {
		k.Output.LastSideload = &sideload
	}

	if err != nil {
		return k, errors.Wrap(err, "decode checkpoint record")
	}
	return k, nil
}

func appendBE64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}
