// Package connstate owns the per-device connection state machine and its
// transition history. One *fsm.FSM backs each device address; newFSM
// below encodes the transition table this package enforces.
package connstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// State is one of the connection lifecycle states a device can be in.
type State string

const (
	Disconnected  State = "DISCONNECTED"
	Connecting    State = "CONNECTING"
	Connected     State = "CONNECTED"
	Disconnecting State = "DISCONNECTING"
	Reconnecting  State = "RECONNECTING"
	Error         State = "ERROR"
)

// event names drive the underlying FSM; they're not part of this
// package's public surface, only Transition's new-state argument is.
const (
	evConnecting    = "begin_connecting"
	evConnected     = "connected"
	evDisconnecting = "begin_disconnecting"
	evDisconnected  = "disconnected"
	evReconnecting  = "begin_reconnecting"
	evErrored       = "errored"
)

var eventForState = map[State]string{
	Connecting:    evConnecting,
	Connected:     evConnected,
	Disconnecting: evDisconnecting,
	Disconnected:  evDisconnected,
	Reconnecting:  evReconnecting,
	Error:         evErrored,
}

// InvalidStateTransitionError reports an attempted transition that the
// state table forbids. This is a programming error — the caller asked for
// a transition no code path should ever request — not a runtime
// condition to retry.
type InvalidStateTransitionError struct {
	Address string
	From    State
	To      State
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("connstate: %s: invalid transition %s -> %s", e.Address, e.From, e.To)
}

// HistoryEntry is one recorded transition.
type HistoryEntry struct {
	State     State
	Reason    string
	Timestamp time.Time
}

const defaultHistoryCapacity = 20

// Machine owns one FSM plus bounded history per device address.
type Machine struct {
	mu            sync.Mutex
	machines      map[string]*fsm.FSM
	history       map[string][]HistoryEntry
	historyCap    int
}

// NewMachine builds an empty Machine. historyCap bounds the ring buffer
// kept per device; 0 selects the default of 20.
func NewMachine(historyCap int) *Machine {
	if historyCap <= 0 {
		historyCap = defaultHistoryCapacity
	}
	return &Machine{
		machines:   make(map[string]*fsm.FSM),
		history:    make(map[string][]HistoryEntry),
		historyCap: historyCap,
	}
}

func newFSM(initial State) *fsm.FSM {
	return fsm.NewFSM(
		string(initial),
		fsm.Events{
			{Name: evConnecting, Src: []string{string(Disconnected), string(Error), string(Reconnecting)}, Dst: string(Connecting)},
			{Name: evConnected, Src: []string{string(Connecting)}, Dst: string(Connected)},
			{Name: evDisconnecting, Src: []string{string(Connected)}, Dst: string(Disconnecting)},
			{Name: evReconnecting, Src: []string{string(Connected)}, Dst: string(Reconnecting)},
			{Name: evDisconnected, Src: []string{string(Disconnecting), string(Error), string(Connected)}, Dst: string(Disconnected)},
			{Name: evErrored, Src: []string{string(Connecting), string(Connected), string(Reconnecting)}, Dst: string(Error)},
		},
		fsm.Callbacks{},
	)
}

func (m *Machine) machineFor(address string) *fsm.FSM {
	f, ok := m.machines[address]
	if !ok {
		f = newFSM(Disconnected)
		m.machines[address] = f
	}
	return f
}

// Current returns address's current state, registering it at Disconnected
// if this is the first reference.
func (m *Machine) Current(address string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State(m.machineFor(address).Current())
}

// History returns a copy of address's recorded transitions, oldest first.
func (m *Machine) History(address string) []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[address]
	out := make([]HistoryEntry, len(h))
	copy(out, h)
	return out
}

// Transition attempts to move address to newState, recording reason in
// history on success. It returns InvalidStateTransitionError if the state
// table forbids the move.
func (m *Machine) Transition(address string, newState State, reason string) error {
	event, ok := eventForState[newState]
	if !ok {
		return &InvalidStateTransitionError{Address: address, To: newState}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.machineFor(address)
	from := State(f.Current())
	if err := f.Event(context.Background(), event); err != nil {
		return &InvalidStateTransitionError{Address: address, From: from, To: newState}
	}

	entry := HistoryEntry{State: newState, Reason: reason, Timestamp: time.Now()}
	h := append(m.history[address], entry)
	if len(h) > m.historyCap {
		h = h[len(h)-m.historyCap:]
	}
	m.history[address] = h
	return nil
}
