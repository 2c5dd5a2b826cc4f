package call

import "github.com/softdial/softdial/internal/store"

// Command kinds accepted on the frontend channel.
const (
	CmdRegisterSIP      = "register_sip"
	CmdUnregisterSIP    = "unregister_sip"
	CmdMakeCall         = "make_call"
	CmdAnswerCall       = "answer_call"
	CmdHangupCall       = "hangup_call"
	CmdSetMute          = "set_mute"
	CmdSetHold          = "set_hold"
	CmdSwitchCall       = "switch_call"
	CmdSetupConference  = "setup_conference"
	CmdMergeCall        = "merge_call_to_conference"
	CmdEndConference    = "end_conference"
	CmdGetAudioDevices  = "get_audio_devices"
	CmdGetAudioSettings = "get_audio_settings"
	CmdGetCallHistory   = "get_call_history"
	CmdClearCallHistory = "clear_call_history"
	CmdGetContacts      = "get_contacts"
	CmdSearchContacts   = "search_contacts"
	CmdSaveContact      = "save_contact"
	CmdDeleteContact    = "delete_contact"
)

// HangupAll is the call_id wildcard that hangs up every tracked session.
const HangupAll = "all"

// Command is one frontend request, one JSON object per line or message.
// Fields beyond Type are populated per command kind.
type Command struct {
	Type       string         `json:"type"`
	CallID     string         `json:"call_id,omitempty"`
	CallIDs    []string       `json:"call_ids,omitempty"`
	Number     string         `json:"number,omitempty"`
	Muted      bool           `json:"muted,omitempty"`
	OnHold     bool           `json:"on_hold,omitempty"`
	GroupID    string         `json:"group_id,omitempty"`
	FilterType string         `json:"filter_type,omitempty"`
	Query      string         `json:"query,omitempty"`
	ContactID  string         `json:"contact_id,omitempty"`
	Contact    *store.Contact `json:"contact,omitempty"`
}
