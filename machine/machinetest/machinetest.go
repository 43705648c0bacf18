// Package machinetest is a deterministic fake Machine used by tests
// across avmcore, the same way a fake in-memory Store lets other
// packages test against a trivial double instead of a real backend.
package machinetest

import (
	"avmcore/machine"
	"avmcore/value"
)

// Machine is a trivial interpreter: each call to Run consumes every
// message it is given, emitting one log and one send and advancing
// gas by a fixed amount per message, and then halts. It never errors and
// never pauses at a sideload boundary unless SideloadEvery is set.
type Machine struct {
	keys machine.MachineStateKeys

	// SideloadEvery, if nonzero, makes every Nth completed Run stop at
	// a sideload boundary (block number = completed runs / SideloadEvery).
	SideloadEvery uint64
	runCount      uint64

	gasPerRun uint64
}

// New returns a fresh, not-yet-started Machine with the given
// inbox state and per-run gas cost.
func New(inbox machine.InboxState, gasPerRun uint64) *Machine {
	return &Machine{
		keys: machine.MachineStateKeys{
			Status: machine.StatusNotStarted,
			Output: machine.Output{
				FullyProcessedInbox: inbox,
			},
		},
		gasPerRun: gasPerRun,
	}
}

// FromKeys resumes a Machine from previously checkpointed keys.
func FromKeys(keys machine.MachineStateKeys, gasPerRun uint64) *Machine {
	return &Machine{keys: keys, gasPerRun: gasPerRun}
}

func (m *Machine) Keys() machine.MachineStateKeys { return m.keys }

// State returns a deterministic deep state derived from the run
// count: this fake has no real register/stack machinery, but still
// needs distinct, reproducible values for the checkpoint catalog to
// save and the value store's round-trip tests to exercise.
func (m *Machine) State() machine.MachineState {
	return machine.MachineState{
		Register:      value.IntFromUint64(m.runCount),
		Static:        value.IntFromUint64(0),
		DataStack:     value.IntFromUint64(m.keys.Output.ArbGasUsed.Uint64()),
		AuxStack:      value.IntFromUint64(0),
		PC:            m.keys.PC,
		ErrPC:         m.keys.ErrPC,
		GasRemaining:  m.keys.GasRemaining,
		Status:        m.keys.Status,
		StagedMessage: nil,
		Output:        m.keys.Output,
	}
}

func (m *Machine) SetFullyProcessedInboxAccumulator(acc value.Hash) {
	m.keys.Output.FullyProcessedInbox.Accumulator = acc
}

func (m *Machine) Clone() machine.Machine {
	cp := *m
	return &cp
}

func (m *Machine) IsHalted() bool { return m.keys.Status == machine.StatusHalted }

// Run consumes all of messages in one call, advancing gas and the
// processed-message count once per message, and emits one log/send
// per message.
func (m *Machine) Run(messages [][]byte) (machine.Assertion, error) {
	var a machine.Assertion
	a.Output = m.keys.Output

	for _, msg := range messages {
		gasUsed := value.IntFromUint64(a.Output.ArbGasUsed.Uint64() + m.gasPerRun)
		a.Output.ArbGasUsed = gasUsed
		a.Output.TotalMessagesRead = value.IntFromUint64(a.Output.TotalMessagesRead.Uint64() + 1)

		logVal := value.IntFromUint64(uint64(len(msg)))
		a.Logs = append(a.Logs, logVal)
		a.Output.LogCount = value.IntFromUint64(a.Output.LogCount.Uint64() + 1)

		a.Sends = append(a.Sends, append([]byte(nil), msg...))
		a.Output.SendCount = value.IntFromUint64(a.Output.SendCount.Uint64() + 1)

		a.Output.FullyProcessedInbox.Count = value.IntFromUint64(a.Output.FullyProcessedInbox.Count.Uint64() + 1)
	}

	m.runCount++
	if m.SideloadEvery != 0 && m.runCount%m.SideloadEvery == 0 {
		block := value.IntFromUint64(m.runCount / m.SideloadEvery)
		a.Sideload = &block
		a.Output.LastSideload = &block
	}

	m.keys.Output = a.Output
	m.keys.Status = machine.StatusHalted
	m.keys.GasRemaining = value.IntFromUint64(0)
	return a, nil
}
