// Package machine defines the pluggable interpreter boundary the rest
// of avmcore is built against: MachineState/MachineStateKeys/Output,
// and the Machine/Assertion interface a concrete opcode interpreter
// must satisfy. The interpreter itself is out of scope (§1) — this
// package only fixes the shape the host, checkpoint catalog, and
// cursors program against, rather than hard-coding a concrete
// backend.
package machine

import "avmcore/value"

// Status is the machine's run status, a closed set per §9 "Tagged
// variants... prefer exhaustive match over dynamic dispatch".
type Status int

const (
	StatusNotStarted Status = iota
	StatusRunning
	StatusHalted
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "not_started"
	case StatusRunning:
		return "running"
	case StatusHalted:
		return "halted"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// InboxState is the `{ count, accumulator }` pair recorded in an
// Output: how many inbox messages have been fully processed, and the
// accumulator that the inbox store's batch-item chain must match at
// that count (§3, invariant 1).
type InboxState struct {
	Count       value.Int
	Accumulator value.Hash
}

// Output is the summary a completed Assertion leaves behind (§3).
type Output struct {
	ArbGasUsed          value.Int
	TotalMessagesRead   value.Int
	LogCount            value.Int
	SendCount           value.Int
	FullyProcessedInbox InboxState
	// LastSideload is the highest sideload block number this output
	// has recorded a sideload cache entry for, or nil if none yet.
	LastSideload *value.Int
}

// MachineState is the live, in-memory machine: every field that in
// MachineStateKeys is reduced to a hash is here a full deep Value
// (§3 "MachineState / MachineStateKeys"). Register, Static, DataStack
// and AuxStack are cons-style Tuple chains (a 2-tuple of {top, rest},
// terminated by the empty tuple) — the value codec's Tuple already
// supports this without a dedicated stack type.
type MachineState struct {
	Register  value.Value
	Static    value.Value
	DataStack value.Value
	AuxStack  value.Value

	PC    value.PC
	ErrPC value.PC

	GasRemaining value.Int
	Status       Status

	// StagedMessage is the inbox message the machine is mid-way
	// through processing when it pauses, if any.
	StagedMessage value.Value

	Output Output
}

// MachineStateKeys is MachineState with every deep value replaced by
// its hash — the serialized form persisted in a checkpoint (§3).
// Restoring a MachineState from MachineStateKeys is an indirect
// lookup against the value store (for Register/Static/DataStack/
// AuxStack/StagedMessage) and the code store (for PC/ErrPC, via
// whatever segment a concrete Machine implementation loads).
type MachineStateKeys struct {
	RegisterHash  value.Hash
	StaticHash    value.Hash
	DataStackHash value.Hash
	AuxStackHash  value.Hash

	PC    value.PC
	ErrPC value.PC

	GasRemaining value.Int
	Status       Status

	// HasStagedMessage distinguishes "no staged message" from a
	// staged message whose hash happens to be the zero hash.
	HasStagedMessage  bool
	StagedMessageHash value.Hash

	Output Output
}

// Assertion is the result of one machine run: the logs and sends it
// produced, and the sideload block it paused at, if any (§3
// glossary: "Assertion").
type Assertion struct {
	Logs     []value.Value
	Sends    [][]byte
	Sideload *value.Int
	Output   Output
}

// Machine is the pluggable interpreter boundary. A concrete
// implementation owns an opcode set and executes it; avmcore only
// needs to start one from keys, run it against a message batch, and
// read back its keys and an Assertion.
type Machine interface {
	// Keys returns the current MachineStateKeys, suitable for
	// checkpointing.
	Keys() MachineStateKeys

	// State returns the current deep MachineState. The checkpoint
	// catalog calls this (not Keys) when writing a checkpoint, since
	// it must save() the deep values themselves; Keys alone only has
	// their hashes.
	State() MachineState

	// SetFullyProcessedInboxAccumulator patches the accumulator field
	// of the machine's current fully_processed_inbox. A Machine
	// derives fully_processed_inbox.count from the messages it was
	// handed, but has no independent way to know the inbox store's
	// accumulator chain for those messages; the host looks that up and
	// calls this once per Run, before relying on Keys/State for
	// validation or checkpointing.
	SetFullyProcessedInboxAccumulator(acc value.Hash)

	// Clone returns an independent copy that can be advanced without
	// affecting the receiver — used for sideload caching and for
	// cursor materialization from a checkpoint.
	Clone() Machine

	// IsHalted reports whether the machine has nothing left to run
	// before the next message batch is required.
	IsHalted() bool

	// Run executes the machine against messages until it halts,
	// errors, hits a sideload boundary, or exhausts messages,
	// whichever comes first, returning the resulting Assertion.
	Run(messages [][]byte) (Assertion, error)
}
