// Package engine defines the boundary to the underlying telephony stack.
// The orchestration core issues intents (place, answer, hold, connect) and
// reacts to the engine's reported call-state and media-state events; SIP
// signaling, RTP transport and audio mixing stay behind this interface.
package engine

import "context"

// Slot identifies a media endpoint in the engine's conference-mixing matrix.
type Slot int

const (
	// LocalAudioSlot is the process-wide local audio endpoint
	// (microphone/speaker). A call only produces local audio while its
	// slot is connected to this one.
	LocalAudioSlot Slot = 0

	// NoSlot marks a session whose media endpoint is not allocated.
	NoSlot Slot = -1
)

// CallState is the normalized signaling state reported by the engine.
type CallState string

const (
	CallStateCalling      CallState = "calling"
	CallStateIncoming     CallState = "incoming"
	CallStateEarly        CallState = "early"
	CallStateConnecting   CallState = "connecting"
	CallStateConfirmed    CallState = "confirmed"
	CallStateDisconnected CallState = "disconnected"
)

// NormalizeState maps engine-reported state text to a CallState. Legacy
// PJSIP-style stacks report upper-case texts, including the historically
// truncated terminal state "DISCONNCTD"; both spellings normalize to the
// canonical CallStateDisconnected so callers never compare against the
// truncated form.
func NormalizeState(text string) CallState {
	switch text {
	case "CALLING", "calling":
		return CallStateCalling
	case "INCOMING", "incoming":
		return CallStateIncoming
	case "EARLY", "RINGING", "early", "ringing":
		return CallStateEarly
	case "CONNECTING", "connecting":
		return CallStateConnecting
	case "CONFIRMED", "confirmed":
		return CallStateConfirmed
	case "DISCONNCTD", "DISCONNECTED", "disconnected":
		return CallStateDisconnected
	}
	return CallState(text)
}

// Credentials holds the SIP account settings used for registration and for
// building outbound request URIs.
type Credentials struct {
	Username string
	Password string
	Domain   string
	Proxy    string
}

// AudioDevice describes one audio capture or playback device known to the
// engine. Device enumeration itself is the engine's concern; the core only
// relays the list to the frontend.
type AudioDevice struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// CallStateEvent reports a signaling state change for one dialog.
type CallStateEvent struct {
	// Handle correlates the event with a dialog previously returned by
	// Place or announced by an incoming CallStateIncoming event.
	Handle    string
	State     CallState
	Code      int
	RemoteURI string
}

// MediaStateEvent reports a media availability change for one dialog.
// Media state is independent of signaling state: a confirmed dialog may
// lose media during hold renegotiation.
type MediaStateEvent struct {
	Handle string
	Active bool
	Slot   Slot
}

// Engine is the telephony stack consumed by the orchestration core.
//
// All methods are safe for concurrent use. Intent methods return quickly;
// progress is reported asynchronously on the event channels. Events for a
// given handle are delivered in the order the stack reports them.
type Engine interface {
	// Register authenticates the account against its registrar. The
	// engine keeps the registration refreshed until Unregister or Close.
	Register(ctx context.Context, creds Credentials) error

	// Unregister drops the active registration, if any.
	Unregister(ctx context.Context) error

	// Place starts an outbound dialog to the given SIP URI and returns
	// its handle. Signaling progress arrives on CallEvents.
	Place(ctx context.Context, uri string) (string, error)

	// Answer accepts an incoming dialog.
	Answer(ctx context.Context, handle string) error

	// Hangup terminates a dialog in any non-terminal state.
	Hangup(ctx context.Context, handle string) error

	// Hold puts a confirmed dialog on hold, suspending its media.
	Hold(ctx context.Context, handle string) error

	// Resume re-invites a held dialog to reactivate its media.
	Resume(ctx context.Context, handle string) error

	// Connect establishes a one-directional mixing path from slot a to
	// slot b. Bidirectional audio requires both directions.
	Connect(a, b Slot) error

	// Disconnect removes the mixing path from slot a to slot b.
	// Removing an absent path is a no-op.
	Disconnect(a, b Slot) error

	// Devices lists the configured audio input and output devices.
	Devices() (input, output []AudioDevice)

	// CallEvents is the stream of signaling state changes.
	CallEvents() <-chan CallStateEvent

	// MediaEvents is the stream of media state changes.
	MediaEvents() <-chan MediaStateEvent

	// Close hangs up all dialogs, unregisters, and releases transports.
	Close()
}
