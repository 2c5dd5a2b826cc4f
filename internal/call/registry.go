package call

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Registry is the single source of truth for session existence and state.
// Writes happen only on the orchestrator goroutine; the mutex makes
// snapshots safe for readers on other goroutines (metrics scraping).
type Registry struct {
	logger *slog.Logger

	// strict turns invariant violations into errors instead of logged
	// skips. Enabled in debug builds and tests.
	strict bool

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *slog.Logger, strict bool) *Registry {
	return &Registry{
		logger:   logger.With("subsystem", "registry"),
		strict:   strict,
		sessions: make(map[string]*Session),
	}
}

// Create adds a new session for the given direction and remote URI and
// returns it. Session ids are unique and never reused.
func (r *Registry) Create(dir Direction, remoteURI string) *Session {
	s := newSession(uuid.NewString(), dir, remoteURI)

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.logger.Debug("session created",
		"id", s.ID,
		"direction", string(dir),
		"remote", s.RemoteParty,
	)
	return s
}

// Get looks up a session by id. Unknown ids fail explicitly.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()

	if !ok {
		return nil, newError(KindUnknownSession, "no call with id %q", id)
	}
	return s, nil
}

// Update runs fn against the session under the registry lock, so no two
// operations observe a torn session state.
func (r *Registry) Update(id string, fn func(*Session) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return newError(KindUnknownSession, "no call with id %q", id)
	}
	return fn(s)
}

// Remove deletes a session. Removing a session that still has active media
// is a contract violation: the caller must disconnect media first. In
// strict mode this is an error; otherwise the removal proceeds with a
// logged warning so a stuck session cannot leak forever.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return newError(KindUnknownSession, "no call with id %q", id)
	}
	if s.MediaActive {
		if r.strict {
			s.Quarantined = true
			return newError(KindInvariantViolation,
				"call %s removed with active media", id)
		}
		r.logger.Warn("removing session with active media",
			"id", id,
			"slot", int(s.Slot),
		)
	}
	delete(r.sessions, id)
	return nil
}

// ListActive returns all non-disconnected sessions ordered by creation
// time, oldest first. The explicit ordering is the tie-break for policies
// like resume-last-remaining; callers must not rely on map iteration.
func (r *Registry) ListActive() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.State() != StateDisconnected {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Group returns the members of a conference group, oldest first.
func (r *Registry) Group(groupID string) []*Session {
	if groupID == "" {
		return nil
	}
	var members []*Session
	for _, s := range r.ListActive() {
		if s.GroupID == groupID {
			members = append(members, s)
		}
	}
	return members
}

// Count returns the number of tracked sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CountByState returns session counts keyed by state.
func (r *Registry) CountByState() map[State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[State]int)
	for _, s := range r.sessions {
		counts[s.State()]++
	}
	return counts
}

// GroupCount returns the number of distinct conference groups.
func (r *Registry) GroupCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	groups := make(map[string]bool)
	for _, s := range r.sessions {
		if s.GroupID != "" {
			groups[s.GroupID] = true
		}
	}
	return len(groups)
}
