package call

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/softdial/softdial/internal/engine"
)

// registerTimeout bounds the background REGISTER/un-REGISTER exchange.
const registerTimeout = 10 * time.Second

// dispatch routes one frontend command to its handler. Every command yields
// exactly one success event or one error event; handlers that fan out over
// multiple sessions (hangup all, end_conference) report per session and
// return nil.
func (o *Orchestrator) dispatch(ctx context.Context, cmd Command) {
	o.logger.Debug("command received", "type", cmd.Type, "call_id", cmd.CallID)

	var err error
	switch cmd.Type {
	case CmdRegisterSIP:
		err = o.handleRegister(ctx)
	case CmdUnregisterSIP:
		err = o.handleUnregister(ctx)
	case CmdMakeCall:
		err = o.handleMakeCall(ctx, cmd)
	case CmdAnswerCall:
		err = o.handleAnswer(ctx, cmd)
	case CmdHangupCall:
		err = o.handleHangup(ctx, cmd)
	case CmdSetMute:
		err = o.handleSetMute(ctx, cmd)
	case CmdSetHold:
		err = o.handleSetHold(ctx, cmd)
	case CmdSwitchCall:
		err = o.handleSwitch(ctx, cmd)
	case CmdSetupConference:
		err = o.handleSetupConference(ctx, cmd)
	case CmdMergeCall:
		err = o.handleMergeCall(ctx, cmd)
	case CmdEndConference:
		err = o.handleEndConference(ctx, cmd)
	case CmdGetAudioDevices:
		err = o.handleGetAudioDevices(ctx)
	case CmdGetAudioSettings:
		err = o.handleGetAudioSettings(ctx)
	case CmdGetCallHistory:
		err = o.handleGetCallHistory(ctx, cmd)
	case CmdClearCallHistory:
		err = o.handleClearCallHistory(ctx)
	case CmdGetContacts:
		err = o.handleGetContacts(ctx)
	case CmdSearchContacts:
		err = o.handleSearchContacts(ctx, cmd)
	case CmdSaveContact:
		err = o.handleSaveContact(ctx, cmd)
	case CmdDeleteContact:
		err = o.handleDeleteContact(ctx, cmd)
	default:
		err = newError(KindUnrecognizedCommand, "unrecognized command %q", cmd.Type)
	}

	if err != nil {
		o.logger.Warn("command failed",
			"type", cmd.Type,
			"kind", string(kindOf(err)),
			"error", err,
		)
		o.emit(errorEvent(err, cmd.CallID))
	}
}

// target resolves a command's call_id to a live, non-quarantined session.
func (o *Orchestrator) target(id string) (*Session, error) {
	if id == "" {
		return nil, newError(KindUnknownSession, "command is missing call_id")
	}
	s, err := o.reg.Get(id)
	if err != nil {
		return nil, err
	}
	if s.Quarantined {
		return nil, newError(KindInvariantViolation,
			"call %s is quarantined after an internal error", id)
	}
	return s, nil
}

// handleRegister starts SIP registration in the background; the result
// re-enters the run loop as a continuation.
func (o *Orchestrator) handleRegister(ctx context.Context) error {
	creds := engine.Credentials{
		Username: o.account.SIP.Username,
		Password: o.account.SIP.Password,
		Domain:   o.account.SIP.Domain,
		Proxy:    o.account.SIP.Proxy,
	}
	if creds.Username == "" || creds.Domain == "" {
		return newError(KindEngineFailure,
			"sip account is not configured: username and domain are required")
	}

	go func() {
		regCtx, cancel := context.WithTimeout(context.Background(), registerTimeout)
		defer cancel()
		err := o.eng.Register(regCtx, creds)

		o.later(func(ctx context.Context) {
			if err != nil {
				o.registered.Store(false)
				o.emit(errorEvent(engineError("registration", err), ""))
				return
			}
			o.registered.Store(true)
			o.logger.Info("sip account registered", "username", creds.Username, "domain", creds.Domain)
			o.emit(RegisteredEvent{
				Type:       EventRegistered,
				Registered: true,
				Message:    "SIP registered successfully",
			})
		})
	}()
	return nil
}

func (o *Orchestrator) handleUnregister(ctx context.Context) error {
	go func() {
		regCtx, cancel := context.WithTimeout(context.Background(), registerTimeout)
		defer cancel()
		err := o.eng.Unregister(regCtx)

		o.later(func(ctx context.Context) {
			if err != nil {
				o.emit(errorEvent(engineError("unregistration", err), ""))
				return
			}
			o.registered.Store(false)
			o.logger.Info("sip account unregistered")
			o.emit(RegisteredEvent{
				Type:       EventRegistered,
				Registered: false,
				Message:    "SIP unregistered",
			})
		})
	}()
	return nil
}

// handleMakeCall places an outbound call. Every other active call is put on
// hold first so the new call gets exclusive focus.
func (o *Orchestrator) handleMakeCall(ctx context.Context, cmd Command) error {
	if cmd.Number == "" {
		return newError(KindInvalidState, "make_call requires a number")
	}

	o.holdOthers(ctx, "", "", false)

	uri := cmd.Number
	if !strings.Contains(uri, "@") {
		uri = fmt.Sprintf("sip:%s@%s", cmd.Number, o.account.SIP.Domain)
	} else if !strings.HasPrefix(uri, "sip:") && !strings.HasPrefix(uri, "sips:") {
		uri = "sip:" + uri
	}

	s := o.reg.Create(DirectionOutbound, uri)
	handle, err := o.eng.Place(ctx, uri)
	if err != nil {
		_ = o.reg.Remove(s.ID)
		return engineError("placing call", err)
	}
	s.Handle = handle
	o.handles[handle] = s.ID

	o.logger.Info("call placed", "id", s.ID, "number", s.RemoteParty)
	o.emit(CallInitEvent{Type: EventCallInit, ID: s.ID, Number: s.RemoteParty})
	return nil
}

// handleAnswer accepts a ringing inbound call and holds all other active
// calls that are not part of a conference.
func (o *Orchestrator) handleAnswer(ctx context.Context, cmd Command) error {
	s, err := o.target(cmd.CallID)
	if err != nil {
		return err
	}
	if s.State() != StateRingingIn {
		return newError(KindInvalidState,
			"call %s cannot be answered in state %s", s.ID, s.State())
	}

	if err := o.eng.Answer(ctx, s.Handle); err != nil {
		return engineError("answering call", err)
	}
	o.holdOthers(ctx, s.ID, "", true)

	// The confirmed call_state event is the success acknowledgment.
	o.logger.Info("call answered", "id", s.ID, "number", s.RemoteParty)
	return nil
}

// holdOthers puts every other active call with live media on hold. Sessions
// in keepGroup (a conference the focus call belongs to) are left alone;
// skipGrouped additionally spares every conference member, so answering a
// new call never collapses an established bridge.
func (o *Orchestrator) holdOthers(ctx context.Context, exceptID, keepGroup string, skipGrouped bool) {
	for _, other := range o.reg.ListActive() {
		if other.ID == exceptID {
			continue
		}
		if other.GroupID != "" && (skipGrouped || other.GroupID == keepGroup) {
			continue
		}
		if other.State() != StateActive || !other.MediaActive {
			continue
		}
		if err := o.eng.Hold(ctx, other.Handle); err != nil {
			o.logger.Warn("failed to hold call", "id", other.ID, "error", err)
			continue
		}
		_ = other.apply(ctx, eventHold)
	}
}

// handleHangup terminates one call, or every call when call_id is "all".
// Hanging up an id that is no longer tracked is not an error: the desired
// end state already holds.
func (o *Orchestrator) handleHangup(ctx context.Context, cmd Command) error {
	if cmd.CallID == HangupAll {
		sessions := o.reg.ListActive()
		o.logger.Info("hanging up all calls", "count", len(sessions))
		for _, s := range sessions {
			o.hangupSession(ctx, s)
		}
		return nil
	}

	s, err := o.reg.Get(cmd.CallID)
	if err != nil {
		o.emit(CallStateEvent{
			Type:    EventCallState,
			ID:      cmd.CallID,
			State:   string(StateDisconnected),
			Message: "call already terminated",
		})
		return nil
	}
	o.hangupSession(ctx, s)
	return nil
}

// hangupSession terminates one session and runs its teardown. Engine
// failures are reported per session so a multi-call hangup keeps going.
func (o *Orchestrator) hangupSession(ctx context.Context, s *Session) {
	failed := false
	if s.Handle != "" && s.State() != StateDisconnected {
		if err := o.eng.Hangup(ctx, s.Handle); err != nil {
			failed = true
			o.logger.Warn("engine hangup failed", "id", s.ID, "error", err)
			o.emit(errorEvent(engineError("hangup", err), s.ID))
		}
	}
	number := s.RemoteParty
	o.teardown(ctx, s)
	if !failed {
		o.emit(CallStateEvent{
			Type:    EventCallState,
			ID:      s.ID,
			Number:  number,
			State:   string(StateDisconnected),
			Message: "call terminated",
		})
	}
}

// handleSetMute attaches or detaches the call's media slot from the local
// audio endpoint. Mute is a pure media-routing change, invisible to SIP.
func (o *Orchestrator) handleSetMute(ctx context.Context, cmd Command) error {
	s, err := o.target(cmd.CallID)
	if err != nil {
		return err
	}
	if !s.MediaActive || s.Slot == engine.NoSlot {
		return newError(KindInvalidState,
			"call %s has no active media to mute", s.ID)
	}

	if cmd.Muted {
		if err := o.coord.DisconnectLocal(s.Slot); err != nil {
			return err
		}
	} else {
		if err := o.coord.ConnectLocal(s.Slot); err != nil {
			return err
		}
	}
	s.Muted = cmd.Muted

	msg := "call unmuted"
	if cmd.Muted {
		msg = "call muted"
	}
	o.emit(MuteStateEvent{Type: EventMuteState, ID: s.ID, Muted: s.Muted, Message: msg})
	return nil
}

// handleSetHold suspends or resumes a call's media via SIP renegotiation.
func (o *Orchestrator) handleSetHold(ctx context.Context, cmd Command) error {
	s, err := o.target(cmd.CallID)
	if err != nil {
		return err
	}

	if cmd.OnHold {
		if s.State() != StateActive || !s.MediaActive {
			return newError(KindInvalidState,
				"call %s cannot be held in state %s", s.ID, s.State())
		}
		if err := o.eng.Hold(ctx, s.Handle); err != nil {
			return engineError("holding call", err)
		}
		_ = s.apply(ctx, eventHold)
		o.emit(HoldStateEvent{Type: EventHoldState, ID: s.ID, OnHold: true, Message: "call on hold"})
		return nil
	}

	if s.State() != StateHeld {
		return newError(KindInvalidState,
			"call %s cannot be resumed in state %s", s.ID, s.State())
	}
	if err := o.eng.Resume(ctx, s.Handle); err != nil {
		return engineError("resuming call", err)
	}
	_ = s.apply(ctx, eventResume)
	o.emit(HoldStateEvent{Type: EventHoldState, ID: s.ID, OnHold: false, Message: "call resumed"})
	return nil
}

// handleSwitch gives one call exclusive focus: it is resumed if held and
// every other active call outside its conference group is put on hold.
func (o *Orchestrator) handleSwitch(ctx context.Context, cmd Command) error {
	s, err := o.target(cmd.CallID)
	if err != nil {
		return err
	}

	o.holdOthers(ctx, s.ID, s.GroupID, false)

	if s.State() == StateHeld {
		if err := o.eng.Resume(ctx, s.Handle); err != nil {
			return engineError("resuming call", err)
		}
		_ = s.apply(ctx, eventResume)
	}

	o.logger.Info("switched active call", "id", s.ID)
	o.emit(CallSwitchEvent{
		Type:       EventCallSwitch,
		ActiveCall: s.ID,
		Message:    "switched to call " + s.ID,
	})
	return nil
}

func (o *Orchestrator) handleGetAudioDevices(ctx context.Context) error {
	input, output := o.eng.Devices()
	o.emit(AudioDevicesEvent{
		Type:    EventAudioDevices,
		Devices: DeviceList{Input: input, Output: output},
	})
	return nil
}

func (o *Orchestrator) handleGetAudioSettings(ctx context.Context) error {
	o.emit(AudioSettingsEvent{Type: EventAudioSettings, Settings: o.account.Audio})
	return nil
}

func (o *Orchestrator) handleGetCallHistory(ctx context.Context, cmd Command) error {
	records, err := o.history.List(ctx, cmd.FilterType)
	if err != nil {
		return &Error{Kind: KindEngineFailure, Message: "call history query failed", Err: err}
	}
	o.emit(CallHistoryEvent{Type: EventCallHistory, History: records})
	return nil
}

func (o *Orchestrator) handleClearCallHistory(ctx context.Context) error {
	if err := o.history.Clear(ctx); err != nil {
		return &Error{Kind: KindEngineFailure, Message: "clearing call history failed", Err: err}
	}
	o.emit(HistoryClearedEvent{Type: EventHistoryCleared})
	return nil
}

func (o *Orchestrator) handleGetContacts(ctx context.Context) error {
	contacts, err := o.contacts.List(ctx)
	if err != nil {
		return &Error{Kind: KindEngineFailure, Message: "contact query failed", Err: err}
	}
	o.emit(ContactsEvent{Type: EventContacts, Contacts: contacts})
	return nil
}

func (o *Orchestrator) handleSearchContacts(ctx context.Context, cmd Command) error {
	results, err := o.contacts.Search(ctx, cmd.Query)
	if err != nil {
		return &Error{Kind: KindEngineFailure, Message: "contact search failed", Err: err}
	}
	o.emit(ContactSearchEvent{Type: EventContactSearch, Results: results})
	return nil
}

func (o *Orchestrator) handleSaveContact(ctx context.Context, cmd Command) error {
	if cmd.Contact == nil {
		return newError(KindInvalidState, "save_contact requires a contact")
	}
	created, err := o.contacts.Save(ctx, cmd.Contact)
	if err != nil {
		return &Error{Kind: KindEngineFailure, Message: "saving contact failed", Err: err}
	}
	o.emit(ContactSavedEvent{Type: EventContactSaved, Contact: *cmd.Contact, Created: created})
	return nil
}

func (o *Orchestrator) handleDeleteContact(ctx context.Context, cmd Command) error {
	if cmd.ContactID == "" {
		return newError(KindInvalidState, "delete_contact requires a contact_id")
	}
	if err := o.contacts.Delete(ctx, cmd.ContactID); err != nil {
		return &Error{Kind: KindEngineFailure, Message: "deleting contact failed", Err: err}
	}
	o.emit(ContactDeletedEvent{Type: EventContactDeleted, ID: cmd.ContactID})
	return nil
}
