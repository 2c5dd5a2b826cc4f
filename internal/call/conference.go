package call

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/softdial/softdial/internal/engine"
)

// Coordinator owns all conference-matrix mutations. Audio paths between
// slots are only ever created and removed here, so the mesh invariants have
// a single enforcement point.
type Coordinator struct {
	eng    engine.Engine
	logger *slog.Logger
}

// NewCoordinator creates the bridge coordinator for the given engine.
func NewCoordinator(eng engine.Engine, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		eng:    eng,
		logger: logger.With("subsystem", "bridge"),
	}
}

// ConnectLocal attaches a call slot to the local audio endpoint in both
// directions.
func (c *Coordinator) ConnectLocal(slot engine.Slot) error {
	return c.ConnectPair(slot, engine.LocalAudioSlot)
}

// DisconnectLocal detaches a call slot from the local audio endpoint in
// both directions. Muting a call is exactly this operation.
func (c *Coordinator) DisconnectLocal(slot engine.Slot) error {
	return c.DisconnectPair(slot, engine.LocalAudioSlot)
}

// ConnectPair creates a bidirectional audio path between two slots.
func (c *Coordinator) ConnectPair(a, b engine.Slot) error {
	if err := c.eng.Connect(a, b); err != nil {
		return engineError("connecting slots", err)
	}
	if err := c.eng.Connect(b, a); err != nil {
		// Roll back the half-open path so audio never flows one way.
		if derr := c.eng.Disconnect(a, b); derr != nil {
			c.logger.Warn("failed to roll back half-open path",
				"a", int(a), "b", int(b), "error", derr)
		}
		return engineError("connecting slots", err)
	}
	return nil
}

// DisconnectPair removes the audio path between two slots in both
// directions. Absent paths are no-ops.
func (c *Coordinator) DisconnectPair(a, b engine.Slot) error {
	if err := c.eng.Disconnect(a, b); err != nil {
		return engineError("disconnecting slots", err)
	}
	if err := c.eng.Disconnect(b, a); err != nil {
		return engineError("disconnecting slots", err)
	}
	return nil
}

// confSetup tracks an in-flight setup_conference command while its members'
// media is being reactivated.
type confSetup struct {
	groupID string

	// ids are the candidate member sessions in selection order.
	ids []string

	// pending holds sessions still waiting for active media.
	pending map[string]bool

	// excluded holds sessions whose media never came up; they are left out
	// of the mesh and reported, but do not fail the conference.
	excluded map[string]bool
}

func newGroupID() string {
	return "conf-" + uuid.NewString()[:8]
}

// handleSetupConference bridges active and held calls into one conference.
// An explicit call_ids list scopes the selection; otherwise every eligible
// call joins. Held members are re-invited first; the mesh is built once all
// media waits resolve, on the run loop.
func (o *Orchestrator) handleSetupConference(ctx context.Context, cmd Command) error {
	if o.pendingConf != nil {
		return newError(KindInvalidState, "conference setup already in progress")
	}

	var wanted map[string]bool
	if len(cmd.CallIDs) > 0 {
		wanted = make(map[string]bool, len(cmd.CallIDs))
		for _, id := range cmd.CallIDs {
			if _, err := o.reg.Get(id); err != nil {
				return err
			}
			wanted[id] = true
		}
	}

	var members []*Session
	for _, s := range o.reg.ListActive() {
		if s.Quarantined {
			continue
		}
		if wanted != nil && !wanted[s.ID] {
			continue
		}
		if s.State() == StateActive || s.State() == StateHeld {
			members = append(members, s)
		}
	}
	if len(members) < 2 {
		return newError(KindInsufficientParticipants,
			"conference requires at least 2 calls, have %d", len(members))
	}

	setup := &confSetup{
		groupID:  newGroupID(),
		pending:  make(map[string]bool),
		excluded: make(map[string]bool),
	}
	o.pendingConf = setup
	o.logger.Info("setting up conference",
		"group_id", setup.groupID,
		"members", len(members),
	)

	for _, s := range members {
		setup.ids = append(setup.ids, s.ID)
		if s.MediaActive {
			continue
		}

		sid := s.ID
		if err := o.eng.Resume(ctx, s.Handle); err != nil {
			o.logger.Warn("conference member resume failed",
				"id", sid,
				"error", err,
			)
			setup.excluded[sid] = true
			continue
		}
		setup.pending[sid] = true
		o.awaitMedia(ctx, s,
			func(ctx context.Context) { o.confMemberReady(ctx, sid, true) },
			func(ctx context.Context, kind Kind) { o.confMemberReady(ctx, sid, false) },
		)
	}

	if len(setup.pending) == 0 {
		o.finishConference(ctx)
	}
	return nil
}

// confMemberReady resolves one member's media wait during conference setup.
func (o *Orchestrator) confMemberReady(ctx context.Context, id string, ok bool) {
	setup := o.pendingConf
	if setup == nil || !setup.pending[id] {
		return
	}
	delete(setup.pending, id)
	if !ok {
		setup.excluded[id] = true
	}
	if len(setup.pending) == 0 {
		o.finishConference(ctx)
	}
}

// finishConference builds the mesh once every member's media wait resolved.
// Members whose media never came up are excluded and reported; fewer than
// two survivors fails the whole setup.
func (o *Orchestrator) finishConference(ctx context.Context) {
	setup := o.pendingConf
	o.pendingConf = nil

	var eligible []*Session
	for _, id := range setup.ids {
		if setup.excluded[id] {
			continue
		}
		s, err := o.reg.Get(id)
		if err != nil || s.Quarantined || !s.MediaActive || s.Slot == engine.NoSlot {
			setup.excluded[id] = true
			continue
		}
		eligible = append(eligible, s)
	}

	for id := range setup.excluded {
		o.logger.Warn("call excluded from conference", "id", id, "group_id", setup.groupID)
		o.emit(errorEvent(newError(KindMediaNotReady,
			"call %s media did not become active, excluded from conference", id), id))
	}

	if len(eligible) < 2 {
		o.emit(errorEvent(newError(KindInsufficientParticipants,
			"conference requires at least 2 calls with active media, have %d",
			len(eligible)), ""))
		return
	}

	// Full mesh: every unordered pair gets a bidirectional path. A failed
	// pair aborts the setup and rolls the partial mesh back, so a group is
	// never left half-bridged.
	var built [][2]engine.Slot
	for i := 0; i < len(eligible); i++ {
		for j := i + 1; j < len(eligible); j++ {
			a, b := eligible[i].Slot, eligible[j].Slot
			if err := o.coord.ConnectPair(a, b); err != nil {
				for _, p := range built {
					if derr := o.coord.DisconnectPair(p[0], p[1]); derr != nil {
						o.logger.Warn("failed to roll back mesh pair", "error", derr)
					}
				}
				o.emit(errorEvent(engineError("building conference mesh", err), ""))
				return
			}
			built = append(built, [2]engine.Slot{a, b})
		}
	}

	for _, s := range eligible {
		s.GroupID = setup.groupID
		if s.State() == StateHeld {
			_ = s.apply(ctx, eventResume)
		}
	}

	o.logger.Info("conference established",
		"group_id", setup.groupID,
		"participants", len(eligible),
	)
	o.emit(ConferenceStateEvent{
		Type:    EventConferenceState,
		GroupID: setup.groupID,
		Calls:   o.participantsOf(setup.groupID),
		Message: "conference call set up successfully",
	})
}

// handleMergeCall adds one call to the existing conference group. The group
// must already exist; merging cannot create one.
func (o *Orchestrator) handleMergeCall(ctx context.Context, cmd Command) error {
	s, err := o.target(cmd.CallID)
	if err != nil {
		return err
	}

	groupID := cmd.GroupID
	if groupID == "" {
		for _, t := range o.reg.ListActive() {
			if t.GroupID != "" {
				groupID = t.GroupID
				break
			}
		}
	}
	if groupID == "" || len(o.reg.Group(groupID)) == 0 {
		return newError(KindInvalidState, "no conference to merge call %s into", s.ID)
	}
	if s.GroupID == groupID {
		return newError(KindInvalidState, "call %s is already in the conference", s.ID)
	}

	if s.MediaActive {
		return o.completeMerge(ctx, s, groupID)
	}

	if err := o.eng.Resume(ctx, s.Handle); err != nil {
		return engineError("resuming call for merge", err)
	}
	sid := s.ID
	o.awaitMedia(ctx, s,
		func(ctx context.Context) {
			m, err := o.reg.Get(sid)
			if err != nil {
				return
			}
			if err := o.completeMerge(ctx, m, groupID); err != nil {
				o.emit(errorEvent(err, sid))
			}
		},
		func(ctx context.Context, kind Kind) {
			o.emit(errorEvent(newError(kind,
				"call %s media did not become active, merge aborted", sid), sid))
		},
	)
	return nil
}

// completeMerge bridges the session to every current group member and
// adopts the group id.
func (o *Orchestrator) completeMerge(ctx context.Context, s *Session, groupID string) error {
	var built [][2]engine.Slot
	for _, m := range o.reg.Group(groupID) {
		if m.ID == s.ID || !m.MediaActive || m.Slot == engine.NoSlot {
			continue
		}
		if err := o.coord.ConnectPair(s.Slot, m.Slot); err != nil {
			for _, p := range built {
				if derr := o.coord.DisconnectPair(p[0], p[1]); derr != nil {
					o.logger.Warn("failed to roll back merge pair", "error", derr)
				}
			}
			return engineError("bridging call into conference", err)
		}
		built = append(built, [2]engine.Slot{s.Slot, m.Slot})
	}

	s.GroupID = groupID
	if s.State() == StateHeld {
		_ = s.apply(ctx, eventResume)
	}

	o.logger.Info("call merged into conference", "id", s.ID, "group_id", groupID)
	o.emit(ConferenceStateEvent{
		Type:    EventConferenceState,
		GroupID: groupID,
		Calls:   o.participantsOf(groupID),
		Message: "call merged into conference successfully",
	})
	return nil
}

// handleEndConference hangs up every member of the conference group.
// Member failures are reported individually and never stop the teardown.
func (o *Orchestrator) handleEndConference(ctx context.Context, cmd Command) error {
	groupID := cmd.GroupID
	if groupID == "" {
		for _, s := range o.reg.ListActive() {
			if s.GroupID != "" {
				groupID = s.GroupID
				break
			}
		}
	}

	members := o.reg.Group(groupID)
	if len(members) == 0 {
		return newError(KindUnknownSession, "no active conference to end")
	}

	o.logger.Info("ending conference", "group_id", groupID, "members", len(members))
	for _, m := range members {
		o.hangupSession(ctx, m)
	}

	o.emit(ConferenceEndedEvent{
		Type:    EventConferenceEnded,
		GroupID: groupID,
		Message: "conference ended successfully",
	})
	return nil
}

// participantsOf snapshots the group membership for a conference event.
func (o *Orchestrator) participantsOf(groupID string) []Participant {
	var out []Participant
	for _, s := range o.reg.Group(groupID) {
		out = append(out, Participant{
			ID:     s.ID,
			Number: s.RemoteParty,
			State:  string(s.State()),
		})
	}
	return out
}
