// Package handshake drives a single proxied-connection request from the
// initial request to Connected or Failed, for both the initiating and the
// responding side.
package handshake

import (
	"errors"
	"fmt"

	"github.com/postalsys/s2p/internal/protocol"
)

// ErrInvalidTransition is returned when an event has no entry in the
// transition table for the current state and role.
var ErrInvalidTransition = errors.New("invalid handshake transition")

// State is a handshake state.
type State int

const (
	StateInit State = iota
	StateAwaitingPeer
	StateConnecting
	StateConnected
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateAwaitingPeer:
		return "AWAITING_PEER"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateConnected || s == StateFailed
}

// Role selects which side of the exchange a Machine drives.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// String returns the role name.
func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// Event is an input to the state machine.
type Event int

const (
	EventRequestSent Event = iota
	EventResponseSuccess
	EventResponseFailure
	EventRequestReceived
	EventDialSucceeded
	EventDialFailed
	EventAssociated
	EventRejected
	EventDecodeFailed
	EventTimeout
	EventTransportFailed
)

var eventNames = map[Event]string{
	EventRequestSent:     "REQUEST_SENT",
	EventResponseSuccess: "RESPONSE_SUCCESS",
	EventResponseFailure: "RESPONSE_FAILURE",
	EventRequestReceived: "REQUEST_RECEIVED",
	EventDialSucceeded:   "DIAL_SUCCEEDED",
	EventDialFailed:      "DIAL_FAILED",
	EventAssociated:      "ASSOCIATED",
	EventRejected:        "REJECTED",
	EventDecodeFailed:    "DECODE_FAILED",
	EventTimeout:         "TIMEOUT",
	EventTransportFailed: "TRANSPORT_FAILED",
}

// String returns the event name.
func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return "UNKNOWN"
}

type transitionKey struct {
	state State
	role  Role
	event Event
}

// transitions is the single table both roles run on.
var transitions = map[transitionKey]State{
	{StateInit, RoleInitiator, EventRequestSent}:             StateAwaitingPeer,
	{StateAwaitingPeer, RoleInitiator, EventResponseSuccess}: StateConnected,
	{StateAwaitingPeer, RoleInitiator, EventResponseFailure}: StateFailed,
	{StateAwaitingPeer, RoleInitiator, EventDecodeFailed}:    StateFailed,

	{StateInit, RoleResponder, EventRequestReceived}:     StateConnecting,
	{StateInit, RoleResponder, EventDecodeFailed}:        StateFailed,
	{StateConnecting, RoleResponder, EventDialSucceeded}: StateConnected,
	{StateConnecting, RoleResponder, EventAssociated}:    StateConnected,
	{StateConnecting, RoleResponder, EventDialFailed}:    StateFailed,
	{StateConnecting, RoleResponder, EventRejected}:      StateFailed,
}

func init() {
	// Timeouts and transport failures end any non-terminal state.
	for _, s := range []State{StateInit, StateAwaitingPeer, StateConnecting} {
		for _, r := range []Role{RoleInitiator, RoleResponder} {
			transitions[transitionKey{s, r, EventTimeout}] = StateFailed
			transitions[transitionKey{s, r, EventTransportFailed}] = StateFailed
		}
	}
}

// Machine tracks one handshake. It is not safe for concurrent use; each
// handshake owns its Machine.
type Machine struct {
	role   Role
	state  State
	status protocol.StatusCode
	trace  []Event
}

// NewMachine returns a Machine in StateInit.
func NewMachine(role Role) *Machine {
	return &Machine{role: role, state: StateInit}
}

// Fire applies ev. status is recorded when the transition lands in
// StateFailed; Timeout always records GeneralFailure.
func (m *Machine) Fire(ev Event, status protocol.StatusCode) error {
	next, ok := transitions[transitionKey{m.state, m.role, ev}]
	if !ok {
		return fmt.Errorf("%w: %s %s on %s", ErrInvalidTransition, m.role, ev, m.state)
	}
	m.trace = append(m.trace, ev)
	m.state = next
	switch {
	case next == StateConnected:
		m.status = protocol.StatusSuccess
	case ev == EventTimeout:
		m.status = protocol.StatusGeneralFailure
	case next == StateFailed:
		m.status = status
	}
	return nil
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Role returns the machine's role.
func (m *Machine) Role() Role { return m.role }

// Status returns the outcome status. It is only meaningful once the
// machine is in a terminal state.
func (m *Machine) Status() protocol.StatusCode { return m.status }

// Trace returns the events applied so far.
func (m *Machine) Trace() []Event {
	return append([]Event(nil), m.trace...)
}
