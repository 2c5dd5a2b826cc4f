package engine

import (
	"log/slog"
	"sync"
)

// Matrix is the engine's conference-mixing connection table. It tracks
// which media slots feed which and hands out slot numbers for new dialogs.
// Slot 0 is reserved for the local audio endpoint and is never allocated.
//
// The matrix only records topology; moving actual audio between slots is
// the job of the mixing backend behind it.
type Matrix struct {
	logger *slog.Logger

	mu    sync.Mutex
	next  Slot
	inUse map[Slot]bool
	links map[[2]Slot]bool
}

// NewMatrix creates an empty mixing matrix.
func NewMatrix(logger *slog.Logger) *Matrix {
	return &Matrix{
		logger: logger.With("subsystem", "mix-matrix"),
		next:   LocalAudioSlot + 1,
		inUse:  map[Slot]bool{LocalAudioSlot: true},
		links:  make(map[[2]Slot]bool),
	}
}

// Allocate reserves a slot for a new dialog.
func (m *Matrix) Allocate() Slot {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.inUse[m.next] {
		m.next++
	}
	s := m.next
	m.inUse[s] = true
	m.next++
	return s
}

// Release frees a slot and removes every link it participates in.
func (m *Matrix) Release(s Slot) {
	if s == LocalAudioSlot || s == NoSlot {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for l := range m.links {
		if l[0] == s || l[1] == s {
			delete(m.links, l)
		}
	}
	delete(m.inUse, s)
	if s < m.next {
		m.next = s
	}
}

// Connect records a one-directional mixing path from a to b.
func (m *Matrix) Connect(a, b Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.links[[2]Slot{a, b}] = true
	m.logger.Debug("slots connected", "src", int(a), "dst", int(b))
}

// Disconnect removes the path from a to b. Absent paths are a no-op.
func (m *Matrix) Disconnect(a, b Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.links, [2]Slot{a, b})
	m.logger.Debug("slots disconnected", "src", int(a), "dst", int(b))
}

// InUse reports whether a slot is currently allocated.
func (m *Matrix) InUse(s Slot) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inUse[s]
}

// Connected reports whether a path from a to b exists.
func (m *Matrix) Connected(a, b Slot) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[[2]Slot{a, b}]
}

// Peers returns the set of slots s has an outgoing path to.
func (m *Matrix) Peers(s Slot) []Slot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var peers []Slot
	for l := range m.links {
		if l[0] == s {
			peers = append(peers, l[1])
		}
	}
	return peers
}

// LinkCount returns the number of recorded one-directional paths.
func (m *Matrix) LinkCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}
