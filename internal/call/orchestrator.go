package call

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/softdial/softdial/internal/config"
	"github.com/softdial/softdial/internal/engine"
	"github.com/softdial/softdial/internal/store"
)

const (
	// mediaWaitTimeout bounds how long conference setup waits for a
	// re-invited call to report active media.
	mediaWaitTimeout = 4 * time.Second

	// waitPollInterval is how often pending media waits are re-checked.
	waitPollInterval = 250 * time.Millisecond
)

// mediaWait is a scheduled continuation for a session whose media must
// become active before an operation can complete. Waits never block the
// orchestrator loop; they are resolved by media events or expired by the
// poll tick.
type mediaWait struct {
	deadline time.Time
	onReady  func(ctx context.Context)
	onFail   func(ctx context.Context, kind Kind)
}

// Orchestrator drives all call sessions from a single goroutine. Inbound
// commands, engine call-state events, engine media-state events and
// deferred continuations are serialized through its run loop, so no two
// transitions race on the same or different sessions. Operations run to
// completion before the next begins.
type Orchestrator struct {
	eng      engine.Engine
	reg      *Registry
	coord    *Coordinator
	history  store.HistoryRepository
	contacts store.ContactRepository
	account  *config.Account
	logger   *slog.Logger

	commands chan Command
	events   chan any
	cont     chan func(context.Context)

	// handles maps engine dialog handles to session ids. Only the
	// orchestrator goroutine touches it.
	handles map[string]string

	// waits holds pending media waits keyed by session id.
	waits map[string]*mediaWait

	// pendingConf is the in-flight conference setup, if any. At most one
	// setup runs at a time.
	pendingConf *confSetup

	registered atomic.Bool
}

// NewOrchestrator wires the orchestration core together.
func NewOrchestrator(
	eng engine.Engine,
	reg *Registry,
	history store.HistoryRepository,
	contacts store.ContactRepository,
	account *config.Account,
	logger *slog.Logger,
) *Orchestrator {
	l := logger.With("component", "orchestrator")
	return &Orchestrator{
		eng:      eng,
		reg:      reg,
		coord:    NewCoordinator(eng, l),
		history:  history,
		contacts: contacts,
		account:  account,
		logger:   l,
		commands: make(chan Command, 16),
		events:   make(chan any, 128),
		cont:     make(chan func(context.Context), 16),
		handles:  make(map[string]string),
		waits:    make(map[string]*mediaWait),
	}
}

// Submit enqueues a frontend command for serialized processing.
func (o *Orchestrator) Submit(cmd Command) {
	o.commands <- cmd
}

// Events returns the outbound event stream for the frontend channel.
func (o *Orchestrator) Events() <-chan any {
	return o.events
}

// Registered reports whether the SIP account is currently registered.
func (o *Orchestrator) Registered() bool {
	return o.registered.Load()
}

// Run is the single serialization point. It blocks until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	o.logger.Info("orchestrator started")
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator stopped")
			return ctx.Err()
		case cmd := <-o.commands:
			o.dispatch(ctx, cmd)
		case ev := <-o.eng.CallEvents():
			o.onCallState(ctx, ev)
		case ev := <-o.eng.MediaEvents():
			o.onMediaState(ctx, ev)
		case fn := <-o.cont:
			fn(ctx)
		case <-ticker.C:
			o.expireWaits(ctx)
		}
	}
}

// emit sends an event to the frontend channel. A full channel drops the
// event rather than stalling the serialization point.
func (o *Orchestrator) emit(ev any) {
	select {
	case o.events <- ev:
	default:
		o.logger.Warn("event channel full, dropping event")
	}
}

// later hands a continuation back to the run loop from a helper
// goroutine, keeping all state mutation serialized.
func (o *Orchestrator) later(fn func(context.Context)) {
	o.cont <- fn
}

// awaitMedia registers a bounded wait for the session's media to become
// active. Exactly one of onReady/onFail fires, always on the run loop. A
// wait already pending for the session is failed first, so the command that
// registered it still gets its outcome.
func (o *Orchestrator) awaitMedia(ctx context.Context, s *Session, onReady func(context.Context), onFail func(context.Context, Kind)) {
	if prev, pending := o.waits[s.ID]; pending {
		delete(o.waits, s.ID)
		o.logger.Warn("media wait superseded", "id", s.ID)
		prev.onFail(ctx, KindMediaNotReady)
	}
	o.waits[s.ID] = &mediaWait{
		deadline: time.Now().Add(mediaWaitTimeout),
		onReady:  onReady,
		onFail:   onFail,
	}
}

// expireWaits fails media waits whose deadline passed.
func (o *Orchestrator) expireWaits(ctx context.Context) {
	if len(o.waits) == 0 {
		return
	}
	now := time.Now()
	for id, w := range o.waits {
		if now.Before(w.deadline) {
			continue
		}
		delete(o.waits, id)
		o.logger.Warn("media wait timed out", "id", id)
		w.onFail(ctx, KindMediaNotReady)
	}
}

// onCallState applies an engine signaling event to the owning session.
func (o *Orchestrator) onCallState(ctx context.Context, ev engine.CallStateEvent) {
	id, ok := o.handles[ev.Handle]
	if !ok {
		if ev.State == engine.CallStateIncoming {
			s := o.reg.Create(DirectionInbound, ev.RemoteURI)
			s.Handle = ev.Handle
			o.handles[ev.Handle] = s.ID
			o.logger.Info("incoming call",
				"id", s.ID,
				"remote", s.RemoteParty,
			)
			o.emit(IncomingCallEvent{
				Type:      EventIncomingCall,
				ID:        s.ID,
				Number:    s.RemoteParty,
				RemoteURI: s.RemoteURI,
			})
			return
		}
		o.logger.Debug("call event for unknown handle",
			"handle", ev.Handle,
			"state", string(ev.State),
		)
		return
	}

	s, err := o.reg.Get(id)
	if err != nil {
		delete(o.handles, ev.Handle)
		return
	}

	switch ev.State {
	case engine.CallStateEarly, engine.CallStateCalling, engine.CallStateConnecting:
		if s.can(eventProgress) {
			_ = s.apply(ctx, eventProgress)
		}
		o.emitCallState(s, ev.Code, "")

	case engine.CallStateConfirmed:
		if s.can(eventConfirm) {
			_ = s.apply(ctx, eventConfirm)
			s.AnsweredAt = time.Now()
			o.recordAnswered(ctx, s)
		}
		o.emitCallState(s, ev.Code, "")

	case engine.CallStateDisconnected:
		o.emitCallState(s, ev.Code, "call disconnected")
		o.teardown(ctx, s)

	default:
		o.logger.Debug("unhandled call state",
			"id", s.ID,
			"state", string(ev.State),
		)
	}
}

// onMediaState applies an engine media event and resolves pending waits.
func (o *Orchestrator) onMediaState(ctx context.Context, ev engine.MediaStateEvent) {
	id, ok := o.handles[ev.Handle]
	if !ok {
		return
	}
	s, err := o.reg.Get(id)
	if err != nil {
		return
	}

	if ev.Active {
		s.MediaActive = true
		if ev.Slot != engine.NoSlot {
			s.Slot = ev.Slot
		}
		// Local audio follows the active call unless it is muted.
		if !s.Muted && s.Slot != engine.NoSlot {
			if err := o.coord.ConnectLocal(s.Slot); err != nil {
				o.logger.Warn("failed to connect local audio",
					"id", s.ID,
					"error", err,
				)
			}
		}
		// A conference member whose media came back is re-bridged to its
		// peers; the mesh only carries slots with active media.
		if s.Slot != engine.NoSlot {
			for _, peer := range o.reg.Group(s.GroupID) {
				if peer.ID == s.ID || !peer.MediaActive || peer.Slot == engine.NoSlot {
					continue
				}
				if err := o.coord.ConnectPair(s.Slot, peer.Slot); err != nil {
					o.logger.Warn("failed to re-bridge conference peer",
						"id", s.ID,
						"peer", peer.ID,
						"error", err,
					)
				}
			}
		}
		if w, pending := o.waits[s.ID]; pending {
			delete(o.waits, s.ID)
			w.onReady(ctx)
		}
		return
	}

	s.MediaActive = false
	if s.Slot == engine.NoSlot {
		return
	}
	if err := o.coord.DisconnectLocal(s.Slot); err != nil {
		o.logger.Warn("failed to disconnect local audio",
			"id", s.ID,
			"error", err,
		)
	}
	for _, peer := range o.reg.Group(s.GroupID) {
		if peer.ID == s.ID || peer.Slot == engine.NoSlot {
			continue
		}
		if err := o.coord.DisconnectPair(s.Slot, peer.Slot); err != nil {
			o.logger.Warn("failed to unbridge conference peer",
				"id", s.ID,
				"peer", peer.ID,
				"error", err,
			)
		}
	}
}

// emitCallState publishes the session's state to the frontend.
func (o *Orchestrator) emitCallState(s *Session, code int, message string) {
	o.emit(CallStateEvent{
		Type:      EventCallState,
		ID:        s.ID,
		Number:    s.RemoteParty,
		RemoteURI: s.RemoteURI,
		State:     string(s.State()),
		Code:      code,
		Message:   message,
	})
}

// teardown finishes a session's life: abandons pending waits, releases its
// media topology, records history, removes it from the registry and applies
// the resume-last-remaining policy.
func (o *Orchestrator) teardown(ctx context.Context, s *Session) {
	if w, pending := o.waits[s.ID]; pending {
		delete(o.waits, s.ID)
		w.onFail(ctx, KindUnknownSession)
	}

	if s.can(eventDisconnect) {
		_ = s.apply(ctx, eventDisconnect)
	}

	o.releaseMedia(s)
	s.GroupID = ""

	if s.Handle != "" {
		delete(o.handles, s.Handle)
	}
	if err := o.reg.Remove(s.ID); err != nil {
		o.logger.Error("failed to remove session",
			"id", s.ID,
			"error", err,
		)
		o.emit(errorEvent(err, s.ID))
		return
	}

	o.recordHistory(ctx, s)
	o.resumeLastRemaining(ctx)
}

// releaseMedia disconnects the session's slot from the local endpoint and
// from any conference peers. Must run before registry removal so the
// media-active removal invariant holds.
func (o *Orchestrator) releaseMedia(s *Session) {
	if s.Slot == engine.NoSlot {
		s.MediaActive = false
		return
	}

	if err := o.coord.DisconnectLocal(s.Slot); err != nil {
		o.logger.Warn("failed to detach local audio", "id", s.ID, "error", err)
	}
	for _, peer := range o.reg.Group(s.GroupID) {
		if peer.ID == s.ID || peer.Slot == engine.NoSlot {
			continue
		}
		if err := o.coord.DisconnectPair(s.Slot, peer.Slot); err != nil {
			o.logger.Warn("failed to disconnect conference peer",
				"id", s.ID,
				"peer", peer.ID,
				"error", err,
			)
		}
	}
	s.MediaActive = false
}

// recordAnswered inserts the call's history entry the moment it is
// answered; the duration stays zero until teardown fills it in.
func (o *Orchestrator) recordAnswered(ctx context.Context, s *Session) {
	rec := &store.CallRecord{
		Number:    s.RemoteParty,
		Type:      store.CallTypeIncoming,
		Timestamp: s.CreatedAt,
	}
	if s.Direction == DirectionOutbound {
		rec.Type = store.CallTypeOutgoing
	}
	if err := o.history.Add(ctx, rec); err != nil {
		o.logger.Warn("failed to record call history",
			"id", s.ID,
			"error", err,
		)
	}
}

// recordHistory finalizes the call's history at teardown. Answered calls
// were recorded at confirm time and only get their duration set; calls
// that never connected are inserted here.
func (o *Orchestrator) recordHistory(ctx context.Context, s *Session) {
	if !s.AnsweredAt.IsZero() {
		seconds := int(time.Since(s.AnsweredAt) / time.Second)
		ok, err := o.history.UpdateDuration(ctx, s.RemoteParty, seconds)
		if err != nil {
			o.logger.Warn("failed to update call duration",
				"id", s.ID,
				"error", err,
			)
		} else if !ok {
			o.logger.Warn("no history entry to update",
				"id", s.ID,
				"number", s.RemoteParty,
			)
		}
		return
	}

	rec := &store.CallRecord{
		Number:    s.RemoteParty,
		Type:      store.CallTypeMissed,
		Timestamp: s.CreatedAt,
	}
	if s.Direction == DirectionOutbound {
		rec.Type = store.CallTypeOutgoing
	}
	if err := o.history.Add(ctx, rec); err != nil {
		o.logger.Warn("failed to record call history",
			"id", s.ID,
			"error", err,
		)
	}
}

// resumeLastRemaining restores the last surviving held call to active
// after a hangup, so the user is never left listening to silence.
func (o *Orchestrator) resumeLastRemaining(ctx context.Context) {
	remaining := o.reg.ListActive()
	if len(remaining) != 1 {
		return
	}
	last := remaining[0]
	if last.State() != StateHeld {
		return
	}
	if err := o.eng.Resume(ctx, last.Handle); err != nil {
		o.logger.Warn("failed to resume remaining call",
			"id", last.ID,
			"error", err,
		)
		return
	}
	_ = last.apply(ctx, eventResume)
	o.logger.Info("resumed last remaining call", "id", last.ID)
}
