package call

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/softdial/softdial/internal/engine"
	"github.com/softdial/softdial/internal/store"
)

func TestMakeCallHoldsExistingActiveCall(t *testing.T) {
	o, fe, _ := newTestOrchestrator(t)
	first := placeActiveCall(t, o, fe, "100", 1)

	o.dispatch(context.Background(), Command{Type: CmdMakeCall, Number: "200"})
	events := drainEvents(o)

	if !fe.did("hold " + first.Handle) {
		t.Errorf("expected hold for first call, ops %v", fe.ops)
	}
	if got := first.State(); got != StateHeld {
		t.Errorf("first call state = %s, want %s", got, StateHeld)
	}
	init, ok := findEvent[CallInitEvent](events)
	if !ok {
		t.Fatalf("no call_init event in %v", events)
	}
	if init.Number != "200" {
		t.Errorf("call_init number = %q, want 200", init.Number)
	}
	if !fe.did("place sip:200@pbx.example.com") {
		t.Errorf("expected place with account domain, ops %v", fe.ops)
	}
}

func TestAnswerHoldsOtherActiveCalls(t *testing.T) {
	o, fe, _ := newTestOrchestrator(t)
	ctx := context.Background()

	active := placeActiveCall(t, o, fe, "100", 1)
	in := ringInbound(t, o, "in1", "sip:300@pbx.example.com")

	o.dispatch(ctx, Command{Type: CmdAnswerCall, CallID: in.ID})
	if ev, ok := findEvent[ErrorEvent](drainEvents(o)); ok {
		t.Fatalf("unexpected error event: %+v", ev)
	}

	if !fe.did("answer in1") {
		t.Errorf("expected answer, ops %v", fe.ops)
	}
	if !fe.did("hold " + active.Handle) {
		t.Errorf("expected hold for previously active call, ops %v", fe.ops)
	}
	if got := active.State(); got != StateHeld {
		t.Errorf("previously active call state = %s, want %s", got, StateHeld)
	}
}

func TestAnswerLeavesConferenceMembersActive(t *testing.T) {
	o, fe, _ := newTestOrchestrator(t)
	ctx := context.Background()

	a := placeActiveCall(t, o, fe, "100", 1)
	b := placeActiveCall(t, o, fe, "200", 2)
	o.dispatch(ctx, Command{Type: CmdSetupConference})
	drainEvents(o)

	in := ringInbound(t, o, "in1", "sip:300@pbx.example.com")
	before := len(fe.ops)
	o.dispatch(ctx, Command{Type: CmdAnswerCall, CallID: in.ID})
	if ev, ok := findEvent[ErrorEvent](drainEvents(o)); ok {
		t.Fatalf("unexpected error event: %+v", ev)
	}

	if got := a.State(); got != StateActive {
		t.Errorf("conference member state = %s, want %s", got, StateActive)
	}
	if got := b.State(); got != StateActive {
		t.Errorf("conference member state = %s, want %s", got, StateActive)
	}
	if !fe.connected(1, 2) {
		t.Error("conference mesh must survive answering a new call")
	}
	for _, op := range fe.ops[before:] {
		if strings.HasPrefix(op, "hold ") {
			t.Errorf("answer must not hold conference members, got op %q", op)
		}
	}
}

func TestAnswerRejectedOutsideRinging(t *testing.T) {
	o, fe, _ := newTestOrchestrator(t)
	s := placeActiveCall(t, o, fe, "100", 1)

	o.dispatch(context.Background(), Command{Type: CmdAnswerCall, CallID: s.ID})
	ev, ok := findEvent[ErrorEvent](drainEvents(o))
	if !ok {
		t.Fatal("expected error event")
	}
	if ev.Kind != string(KindInvalidState) {
		t.Errorf("error kind = %s, want %s", ev.Kind, KindInvalidState)
	}
}

func TestHangupUnknownIDIsIdempotent(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	o.dispatch(context.Background(), Command{Type: CmdHangupCall, CallID: "nope"})
	events := drainEvents(o)

	if _, ok := findEvent[ErrorEvent](events); ok {
		t.Error("hangup of unknown id must not produce an error event")
	}
	ev, ok := findEvent[CallStateEvent](events)
	if !ok {
		t.Fatal("expected call_state event")
	}
	if ev.State != string(StateDisconnected) {
		t.Errorf("state = %s, want %s", ev.State, StateDisconnected)
	}
}

func TestHangupReleasesMediaAndRecordsHistory(t *testing.T) {
	o, fe, hist := newTestOrchestrator(t)
	s := placeActiveCall(t, o, fe, "100", 3)

	o.dispatch(context.Background(), Command{Type: CmdHangupCall, CallID: s.ID})

	if fe.connected(3, engine.LocalAudioSlot) {
		t.Error("local audio path must be released on hangup")
	}
	if got := o.reg.Count(); got != 0 {
		t.Errorf("registry count = %d, want 0", got)
	}
	if len(hist.records) != 1 {
		t.Fatalf("history records = %d, want 1", len(hist.records))
	}
	if got := hist.records[0].Type; got != store.CallTypeOutgoing {
		t.Errorf("history type = %s, want %s", got, store.CallTypeOutgoing)
	}
}

func TestHangupAllReportsFailuresIndividually(t *testing.T) {
	o, fe, _ := newTestOrchestrator(t)
	ctx := context.Background()

	a := placeActiveCall(t, o, fe, "100", 1)
	b := placeActiveCall(t, o, fe, "200", 2)
	c := placeActiveCall(t, o, fe, "300", 3)
	fe.failHangup[b.Handle] = true

	o.dispatch(ctx, Command{Type: CmdHangupCall, CallID: HangupAll})
	events := drainEvents(o)

	errEv, ok := findEvent[ErrorEvent](events)
	if !ok {
		t.Fatal("expected one error event for the failing call")
	}
	if errEv.ID != b.ID {
		t.Errorf("error event id = %s, want %s", errEv.ID, b.ID)
	}
	if got := countEvents[CallStateEvent](events); got != 2 {
		t.Errorf("call_state events = %d, want 2", got)
	}
	// Teardown proceeds for every session, failed hangup included.
	if got := o.reg.Count(); got != 0 {
		t.Errorf("registry count = %d, want 0", got)
	}
	_ = a
	_ = c
}

func TestAnsweredCallDurationFinalizedAtTeardown(t *testing.T) {
	o, fe, hist := newTestOrchestrator(t)
	s := placeActiveCall(t, o, fe, "100", 1)

	if len(hist.records) != 1 {
		t.Fatalf("history records after confirm = %d, want 1", len(hist.records))
	}
	if got := hist.records[0].Type; got != store.CallTypeOutgoing {
		t.Errorf("history type = %s, want %s", got, store.CallTypeOutgoing)
	}
	if got := hist.records[0].Duration; got != 0 {
		t.Errorf("duration before teardown = %d, want 0", got)
	}

	s.AnsweredAt = time.Now().Add(-3 * time.Second)
	o.dispatch(context.Background(), Command{Type: CmdHangupCall, CallID: s.ID})

	if len(hist.records) != 1 {
		t.Fatalf("history records after hangup = %d, want 1", len(hist.records))
	}
	if got := hist.records[0].Duration; got < 3 {
		t.Errorf("duration = %d, want at least 3", got)
	}
}

func TestAnsweredInboundRecordedAsIncoming(t *testing.T) {
	o, _, hist := newTestOrchestrator(t)
	ctx := context.Background()
	s := ringInbound(t, o, "in1", "sip:300@pbx.example.com")

	o.dispatch(ctx, Command{Type: CmdAnswerCall, CallID: s.ID})
	o.onCallState(ctx, engine.CallStateEvent{Handle: s.Handle, State: engine.CallStateConfirmed, Code: 200})
	o.onCallState(ctx, engine.CallStateEvent{Handle: s.Handle, State: engine.CallStateDisconnected, Code: 200})

	if len(hist.records) != 1 {
		t.Fatalf("history records = %d, want 1", len(hist.records))
	}
	if got := hist.records[0].Type; got != store.CallTypeIncoming {
		t.Errorf("history type = %s, want %s", got, store.CallTypeIncoming)
	}
}

func TestMissedInboundCallRecordedAsMissed(t *testing.T) {
	o, _, hist := newTestOrchestrator(t)
	s := ringInbound(t, o, "in1", "sip:300@pbx.example.com")

	o.onCallState(context.Background(), engine.CallStateEvent{
		Handle: s.Handle,
		State:  engine.CallStateDisconnected,
		Code:   487,
	})

	if len(hist.records) != 1 {
		t.Fatalf("history records = %d, want 1", len(hist.records))
	}
	if got := hist.records[0].Type; got != store.CallTypeMissed {
		t.Errorf("history type = %s, want %s", got, store.CallTypeMissed)
	}
	if got := hist.records[0].Number; got != "300" {
		t.Errorf("history number = %s, want 300", got)
	}
}

func TestHoldRequiresActiveMedia(t *testing.T) {
	o, fe, _ := newTestOrchestrator(t)
	ctx := context.Background()

	s := placeActiveCall(t, o, fe, "100", 1)
	dropMedia(o, s)

	o.dispatch(ctx, Command{Type: CmdSetHold, CallID: s.ID, OnHold: true})
	ev, ok := findEvent[ErrorEvent](drainEvents(o))
	if !ok {
		t.Fatal("expected error event")
	}
	if ev.Kind != string(KindInvalidState) {
		t.Errorf("error kind = %s, want %s", ev.Kind, KindInvalidState)
	}
	if got := s.State(); got != StateActive {
		t.Errorf("state = %s, want unchanged %s", got, StateActive)
	}
}

func TestHoldAndResumeRoundTrip(t *testing.T) {
	o, fe, _ := newTestOrchestrator(t)
	ctx := context.Background()
	s := placeActiveCall(t, o, fe, "100", 1)

	o.dispatch(ctx, Command{Type: CmdSetHold, CallID: s.ID, OnHold: true})
	hold, ok := findEvent[HoldStateEvent](drainEvents(o))
	if !ok || !hold.OnHold {
		t.Fatalf("expected on-hold event, got %+v ok=%v", hold, ok)
	}
	if got := s.State(); got != StateHeld {
		t.Fatalf("state = %s, want %s", got, StateHeld)
	}

	o.dispatch(ctx, Command{Type: CmdSetHold, CallID: s.ID, OnHold: false})
	resume, ok := findEvent[HoldStateEvent](drainEvents(o))
	if !ok || resume.OnHold {
		t.Fatalf("expected resume event, got %+v ok=%v", resume, ok)
	}
	if got := s.State(); got != StateActive {
		t.Errorf("state = %s, want %s", got, StateActive)
	}
}

func TestMuteDetachesLocalAudioAndIsReversible(t *testing.T) {
	o, fe, _ := newTestOrchestrator(t)
	ctx := context.Background()
	s := placeActiveCall(t, o, fe, "100", 4)

	if !fe.connected(4, engine.LocalAudioSlot) {
		t.Fatal("active media must be connected to local audio")
	}

	o.dispatch(ctx, Command{Type: CmdSetMute, CallID: s.ID, Muted: true})
	if fe.connected(4, engine.LocalAudioSlot) {
		t.Error("muted call must be detached from local audio")
	}
	if !s.Muted {
		t.Error("session not marked muted")
	}
	ev, ok := findEvent[MuteStateEvent](drainEvents(o))
	if !ok || !ev.Muted {
		t.Fatalf("expected muted event, got %+v ok=%v", ev, ok)
	}
	if got := s.State(); got != StateActive {
		t.Errorf("mute must not change signaling state, got %s", got)
	}

	o.dispatch(ctx, Command{Type: CmdSetMute, CallID: s.ID, Muted: false})
	if !fe.connected(4, engine.LocalAudioSlot) {
		t.Error("unmute must restore the local audio path")
	}
	if s.Muted {
		t.Error("session still marked muted")
	}
}

func TestMuteRequiresActiveMedia(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	s := ringInbound(t, o, "in1", "sip:300@pbx.example.com")

	o.dispatch(context.Background(), Command{Type: CmdSetMute, CallID: s.ID, Muted: true})
	ev, ok := findEvent[ErrorEvent](drainEvents(o))
	if !ok {
		t.Fatal("expected error event")
	}
	if ev.Kind != string(KindInvalidState) {
		t.Errorf("error kind = %s, want %s", ev.Kind, KindInvalidState)
	}
}

func TestSwitchResumesTargetAndHoldsOthers(t *testing.T) {
	o, fe, _ := newTestOrchestrator(t)
	ctx := context.Background()

	a := placeActiveCall(t, o, fe, "100", 1)
	b := placeActiveCall(t, o, fe, "200", 2)
	// a was held by placing b
	dropMedia(o, a)

	o.dispatch(ctx, Command{Type: CmdSwitchCall, CallID: a.ID})
	events := drainEvents(o)

	if !fe.did("resume " + a.Handle) {
		t.Errorf("expected resume of target, ops %v", fe.ops)
	}
	if !fe.did("hold " + b.Handle) {
		t.Errorf("expected hold of other active call, ops %v", fe.ops)
	}
	if got := a.State(); got != StateActive {
		t.Errorf("target state = %s, want %s", got, StateActive)
	}
	if got := b.State(); got != StateHeld {
		t.Errorf("other state = %s, want %s", got, StateHeld)
	}
	sw, ok := findEvent[CallSwitchEvent](events)
	if !ok {
		t.Fatal("expected call_switch event")
	}
	if sw.ActiveCall != a.ID {
		t.Errorf("active_call = %s, want %s", sw.ActiveCall, a.ID)
	}
}

func TestResumeLastRemainingAfterHangup(t *testing.T) {
	o, fe, _ := newTestOrchestrator(t)
	ctx := context.Background()

	a := placeActiveCall(t, o, fe, "100", 1)
	b := placeActiveCall(t, o, fe, "200", 2)
	// a is held; hang up the active call b
	o.dispatch(ctx, Command{Type: CmdHangupCall, CallID: b.ID})

	if !fe.did("resume " + a.Handle) {
		t.Errorf("expected resume of last remaining call, ops %v", fe.ops)
	}
	if got := a.State(); got != StateActive {
		t.Errorf("remaining call state = %s, want %s", got, StateActive)
	}
}

func TestIncomingCallCreatesRingingSession(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	o.onCallState(ctx, engine.CallStateEvent{
		Handle:    "in1",
		State:     engine.CallStateIncoming,
		RemoteURI: "<sip:400@pbx.example.com>",
	})
	events := drainEvents(o)

	ev, ok := findEvent[IncomingCallEvent](events)
	if !ok {
		t.Fatal("expected incoming_call event")
	}
	if ev.Number != "400" {
		t.Errorf("number = %q, want 400", ev.Number)
	}
	s, err := o.reg.Get(ev.ID)
	if err != nil {
		t.Fatalf("Get(%s): %v", ev.ID, err)
	}
	if got := s.State(); got != StateRingingIn {
		t.Errorf("state = %s, want %s", got, StateRingingIn)
	}
	if s.Direction != DirectionInbound {
		t.Errorf("direction = %s, want %s", s.Direction, DirectionInbound)
	}
}

func TestUnrecognizedCommand(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	o.dispatch(context.Background(), Command{Type: "reboot_universe"})
	ev, ok := findEvent[ErrorEvent](drainEvents(o))
	if !ok {
		t.Fatal("expected error event")
	}
	if ev.Kind != string(KindUnrecognizedCommand) {
		t.Errorf("error kind = %s, want %s", ev.Kind, KindUnrecognizedCommand)
	}
}

func TestRegisterFlowsThroughContinuation(t *testing.T) {
	o, fe, _ := newTestOrchestrator(t)
	ctx := context.Background()

	o.dispatch(ctx, Command{Type: CmdRegisterSIP})
	// The register result re-enters the loop as a continuation.
	fn := <-o.cont
	fn(ctx)

	if !fe.did("register 100") {
		t.Errorf("expected register, ops %v", fe.ops)
	}
	ev, ok := findEvent[RegisteredEvent](drainEvents(o))
	if !ok {
		t.Fatal("expected registered event")
	}
	if !ev.Registered {
		t.Error("registered = false, want true")
	}
	if !o.Registered() {
		t.Error("orchestrator must report registered")
	}
}

func TestQueryCommandsEmitSnapshots(t *testing.T) {
	o, _, hist := newTestOrchestrator(t)
	ctx := context.Background()

	hist.records = []store.CallRecord{
		{Number: "100", Type: store.CallTypeOutgoing},
		{Number: "200", Type: store.CallTypeMissed},
	}

	o.dispatch(ctx, Command{Type: CmdGetCallHistory, FilterType: "missed"})
	he, ok := findEvent[CallHistoryEvent](drainEvents(o))
	if !ok {
		t.Fatal("expected call_history event")
	}
	if len(he.History) != 1 || he.History[0].Number != "200" {
		t.Errorf("filtered history = %+v, want only 200", he.History)
	}

	o.dispatch(ctx, Command{Type: CmdGetAudioDevices})
	de, ok := findEvent[AudioDevicesEvent](drainEvents(o))
	if !ok {
		t.Fatal("expected audio_devices event")
	}
	if len(de.Devices.Input) != 1 || len(de.Devices.Output) != 1 {
		t.Errorf("devices = %+v, want 1 input and 1 output", de.Devices)
	}

	o.dispatch(ctx, Command{Type: CmdSaveContact, Contact: &store.Contact{Name: "Ada", Number: "42"}})
	se, ok := findEvent[ContactSavedEvent](drainEvents(o))
	if !ok {
		t.Fatal("expected contact_saved event")
	}
	if !se.Created || se.Contact.ID == "" {
		t.Errorf("contact_saved = %+v, want created with id", se)
	}
}
