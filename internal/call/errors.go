package call

import (
	"errors"
	"fmt"
)

// Kind classifies an orchestration error for the frontend error event.
type Kind string

const (
	// KindUnknownSession means a command referenced an id not in the registry.
	KindUnknownSession Kind = "unknown_session"
	// KindInvalidState means the command is not legal in the session's
	// current state.
	KindInvalidState Kind = "invalid_state"
	// KindUnrecognizedCommand means the command type is not known.
	KindUnrecognizedCommand Kind = "unrecognized_command"
	// KindInsufficientParticipants means conference setup found fewer
	// than two eligible sessions.
	KindInsufficientParticipants Kind = "insufficient_participants"
	// KindMediaNotReady means the operation needs active media and it
	// could not be achieved within the wait bound.
	KindMediaNotReady Kind = "media_not_ready"
	// KindEngineFailure means a telephony engine call failed.
	KindEngineFailure Kind = "engine_failure"
	// KindInvariantViolation means an internal consistency check failed.
	// The affected session is quarantined from further mutation.
	KindInvariantViolation Kind = "invariant_violation"
)

// Error is an orchestration failure carrying its frontend-visible kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func engineError(op string, err error) *Error {
	return &Error{Kind: KindEngineFailure, Message: op + " failed", Err: err}
}

// kindOf extracts the Kind from an error chain, defaulting to engine_failure
// for errors that did not originate in the orchestration core.
func kindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindEngineFailure
}
