// Package call implements the call-session and conference orchestration
// core: the session registry, the per-call state machine, the conference
// bridge coordinator, and the command dispatcher that ties them to the
// frontend channel and the telephony engine.
package call

import (
	"context"
	"regexp"
	"time"

	"github.com/looplab/fsm"

	"github.com/softdial/softdial/internal/engine"
)

// Direction tells whether a session was placed by us or received.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// State is a call session's position in its lifecycle.
type State string

const (
	// StateInitiating is an outbound call before any response.
	StateInitiating State = "initiating"
	// StateRingingOut is an outbound call that received a provisional
	// response.
	StateRingingOut State = "ringing_out"
	// StateRingingIn is an inbound call awaiting answer.
	StateRingingIn State = "ringing_in"
	// StateActive is a confirmed call.
	StateActive State = "active"
	// StateHeld is a confirmed call with suspended media.
	StateHeld State = "held"
	// StateDisconnected is terminal.
	StateDisconnected State = "disconnected"
)

// State machine events. Transitions not listed are rejected by the FSM.
const (
	eventProgress   = "progress"
	eventConfirm    = "confirm"
	eventHold       = "hold"
	eventResume     = "resume"
	eventDisconnect = "disconnect"
)

// Session is one tracked call. All fields are owned by the registry and
// mutated only inside Registry.Update or by the single orchestrator
// goroutine; the engine adapter correlates by Handle and never holds a
// Session reference.
type Session struct {
	// ID is the opaque unique session identifier, never reused.
	ID string

	// Handle is the engine's dialog handle for this session.
	Handle string

	Direction   Direction
	RemoteParty string
	RemoteURI   string

	// MediaActive is set only from engine media-state events and is
	// independent of the signaling state.
	MediaActive bool

	// Slot is the engine media endpoint, valid only while MediaActive.
	Slot engine.Slot

	// GroupID is set while the session is part of a conference mesh.
	GroupID string

	// Muted means the slot is detached from the local audio endpoint.
	Muted bool

	// Quarantined marks a session hit by an invariant violation; the
	// dispatcher refuses further commands against it.
	Quarantined bool

	CreatedAt  time.Time
	AnsweredAt time.Time

	machine *fsm.FSM
}

func newSession(id string, dir Direction, remoteURI string) *Session {
	initial := StateInitiating
	if dir == DirectionInbound {
		initial = StateRingingIn
	}
	return &Session{
		ID:          id,
		Direction:   dir,
		RemoteURI:   remoteURI,
		RemoteParty: NumberFromURI(remoteURI),
		Slot:        engine.NoSlot,
		CreatedAt:   time.Now(),
		machine:     newSessionFSM(initial),
	}
}

// newSessionFSM builds the lifecycle machine. The transition table is the
// single source of truth for which command/event is legal in which state.
func newSessionFSM(initial State) *fsm.FSM {
	return fsm.NewFSM(
		string(initial),
		fsm.Events{
			{Name: eventProgress, Src: []string{string(StateInitiating)}, Dst: string(StateRingingOut)},
			{Name: eventConfirm, Src: []string{
				string(StateInitiating), string(StateRingingOut), string(StateRingingIn),
			}, Dst: string(StateActive)},
			{Name: eventHold, Src: []string{string(StateActive)}, Dst: string(StateHeld)},
			{Name: eventResume, Src: []string{string(StateHeld)}, Dst: string(StateActive)},
			{Name: eventDisconnect, Src: []string{
				string(StateInitiating), string(StateRingingOut), string(StateRingingIn),
				string(StateActive), string(StateHeld),
			}, Dst: string(StateDisconnected)},
		},
		fsm.Callbacks{},
	)
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return State(s.machine.Current())
}

// apply drives the state machine. An illegal transition returns an
// InvalidState error naming the current state.
func (s *Session) apply(ctx context.Context, event string) error {
	if err := s.machine.Event(ctx, event); err != nil {
		return newError(KindInvalidState,
			"call %s cannot %s in state %s", s.ID, event, s.State())
	}
	return nil
}

// can reports whether the given transition is currently legal.
func (s *Session) can(event string) bool {
	return s.machine.Can(event)
}

var uriNumberRe = regexp.MustCompile(`sips?:([^@;>]+)`)

// NumberFromURI extracts the user part of a SIP URI, e.g. "100" from
// "<sip:100@pbx.example.com>". Returns the input unchanged when it does
// not look like a SIP URI.
func NumberFromURI(uri string) string {
	if m := uriNumberRe.FindStringSubmatch(uri); m != nil {
		return m[1]
	}
	return uri
}
