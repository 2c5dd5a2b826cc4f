package call

import (
	"github.com/softdial/softdial/internal/config"
	"github.com/softdial/softdial/internal/engine"
	"github.com/softdial/softdial/internal/store"
)

// Outbound event kinds. Every frontend message carries one of these in its
// "type" field.
const (
	EventRegistered       = "registered"
	EventCallState        = "call_state"
	EventIncomingCall     = "incoming_call"
	EventCallInit         = "call_init"
	EventMuteState        = "call_mute_state"
	EventHoldState        = "call_hold_state"
	EventCallSwitch       = "call_switch"
	EventConferenceState  = "conference_state"
	EventConferenceEnded  = "conference_ended"
	EventError            = "error"
	EventCallHistory      = "call_history"
	EventContacts         = "contacts"
	EventContactSearch    = "contact_search_results"
	EventAudioDevices     = "audio_devices"
	EventAudioSettings    = "audio_settings"
	EventContactSaved     = "contact_saved"
	EventContactDeleted   = "contact_deleted"
	EventHistoryCleared   = "call_history_cleared"
)

// RegisteredEvent reports SIP registration state.
type RegisteredEvent struct {
	Type       string `json:"type"`
	Registered bool   `json:"registered"`
	Message    string `json:"message"`
}

// CallStateEvent reports a session's signaling state to the frontend.
type CallStateEvent struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Number    string `json:"number,omitempty"`
	RemoteURI string `json:"remote_uri,omitempty"`
	State     string `json:"state"`
	Code      int    `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// IncomingCallEvent announces a new inbound call.
type IncomingCallEvent struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Number    string `json:"number"`
	RemoteURI string `json:"remote_uri"`
}

// CallInitEvent acknowledges an outbound call placement.
type CallInitEvent struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Number string `json:"number"`
}

// MuteStateEvent reports the result of a set_mute command.
type MuteStateEvent struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Muted   bool   `json:"muted"`
	Message string `json:"message"`
}

// HoldStateEvent reports the result of a set_hold command.
type HoldStateEvent struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	OnHold  bool   `json:"on_hold"`
	Message string `json:"message"`
}

// CallSwitchEvent reports which call now has exclusive focus.
type CallSwitchEvent struct {
	Type       string `json:"type"`
	ActiveCall string `json:"active_call"`
	Message    string `json:"message"`
}

// Participant describes one conference member in a ConferenceStateEvent.
type Participant struct {
	ID     string `json:"id"`
	Number string `json:"number"`
	State  string `json:"state"`
}

// ConferenceStateEvent reports a successful conference setup or merge.
type ConferenceStateEvent struct {
	Type    string        `json:"type"`
	GroupID string        `json:"group_id"`
	Calls   []Participant `json:"calls"`
	Message string        `json:"message"`
}

// ConferenceEndedEvent reports that a conference group was torn down.
type ConferenceEndedEvent struct {
	Type    string `json:"type"`
	GroupID string `json:"group_id"`
	Message string `json:"message"`
}

// ErrorEvent reports a rejected or failed command.
type ErrorEvent struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

// CallHistoryEvent carries call history records, newest first.
type CallHistoryEvent struct {
	Type    string             `json:"type"`
	History []store.CallRecord `json:"history"`
}

// ContactsEvent carries the full contact list.
type ContactsEvent struct {
	Type     string          `json:"type"`
	Contacts []store.Contact `json:"contacts"`
}

// ContactSearchEvent carries contacts matching a search query.
type ContactSearchEvent struct {
	Type    string          `json:"type"`
	Results []store.Contact `json:"results"`
}

// DeviceList groups audio devices by direction.
type DeviceList struct {
	Input  []engine.AudioDevice `json:"input"`
	Output []engine.AudioDevice `json:"output"`
}

// AudioDevicesEvent carries the engine's configured audio devices.
type AudioDevicesEvent struct {
	Type    string     `json:"type"`
	Devices DeviceList `json:"devices"`
}

// AudioSettingsEvent carries the persisted audio device selection.
type AudioSettingsEvent struct {
	Type     string               `json:"type"`
	Settings config.AudioSettings `json:"settings"`
}

// ContactSavedEvent acknowledges a save_contact command.
type ContactSavedEvent struct {
	Type    string        `json:"type"`
	Contact store.Contact `json:"contact"`
	Created bool          `json:"created"`
}

// ContactDeletedEvent acknowledges a delete_contact command.
type ContactDeletedEvent struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// HistoryClearedEvent acknowledges a clear_call_history command.
type HistoryClearedEvent struct {
	Type string `json:"type"`
}

func errorEvent(err error, sessionID string) ErrorEvent {
	return ErrorEvent{
		Type:    EventError,
		Kind:    string(kindOf(err)),
		ID:      sessionID,
		Message: err.Error(),
	}
}
