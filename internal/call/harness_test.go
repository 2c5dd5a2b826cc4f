package call

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/softdial/softdial/internal/config"
	"github.com/softdial/softdial/internal/engine"
	"github.com/softdial/softdial/internal/store"
)

// fakeEngine records intents and lets tests fail specific operations and
// inject events.
type fakeEngine struct {
	mu        sync.Mutex
	ops       []string
	links     map[[2]engine.Slot]bool
	handleSeq int
	last      string

	registerErr error
	placeErr    error
	failHangup  map[string]bool
	failHold    map[string]bool
	failResume  map[string]bool

	callCh  chan engine.CallStateEvent
	mediaCh chan engine.MediaStateEvent
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		links:      make(map[[2]engine.Slot]bool),
		failHangup: make(map[string]bool),
		failHold:   make(map[string]bool),
		failResume: make(map[string]bool),
		callCh:     make(chan engine.CallStateEvent, 16),
		mediaCh:    make(chan engine.MediaStateEvent, 16),
	}
}

func (f *fakeEngine) record(op string) {
	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.mu.Unlock()
}

func (f *fakeEngine) did(op string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.ops {
		if strings.HasPrefix(o, op) {
			return true
		}
	}
	return false
}

func (f *fakeEngine) lastHandle() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// connected reports a bidirectional path between two slots.
func (f *fakeEngine) connected(a, b engine.Slot) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[[2]engine.Slot{a, b}] && f.links[[2]engine.Slot{b, a}]
}

func (f *fakeEngine) Register(ctx context.Context, creds engine.Credentials) error {
	f.record("register " + creds.Username)
	return f.registerErr
}

func (f *fakeEngine) Unregister(ctx context.Context) error {
	f.record("unregister")
	return nil
}

func (f *fakeEngine) Place(ctx context.Context, uri string) (string, error) {
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.mu.Lock()
	f.handleSeq++
	h := fmt.Sprintf("h%d", f.handleSeq)
	f.last = h
	f.mu.Unlock()
	f.record("place " + uri)
	return h, nil
}

func (f *fakeEngine) Answer(ctx context.Context, handle string) error {
	f.record("answer " + handle)
	return nil
}

func (f *fakeEngine) Hangup(ctx context.Context, handle string) error {
	if f.failHangup[handle] {
		return fmt.Errorf("hangup refused for %s", handle)
	}
	f.record("hangup " + handle)
	return nil
}

func (f *fakeEngine) Hold(ctx context.Context, handle string) error {
	if f.failHold[handle] {
		return fmt.Errorf("hold refused for %s", handle)
	}
	f.record("hold " + handle)
	return nil
}

func (f *fakeEngine) Resume(ctx context.Context, handle string) error {
	if f.failResume[handle] {
		return fmt.Errorf("resume refused for %s", handle)
	}
	f.record("resume " + handle)
	return nil
}

func (f *fakeEngine) Connect(a, b engine.Slot) error {
	f.mu.Lock()
	f.links[[2]engine.Slot{a, b}] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) Disconnect(a, b engine.Slot) error {
	f.mu.Lock()
	delete(f.links, [2]engine.Slot{a, b})
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) Devices() (input, output []engine.AudioDevice) {
	input = []engine.AudioDevice{{ID: 1, Name: "fake mic"}}
	output = []engine.AudioDevice{{ID: 2, Name: "fake speaker"}}
	return input, output
}

func (f *fakeEngine) CallEvents() <-chan engine.CallStateEvent   { return f.callCh }
func (f *fakeEngine) MediaEvents() <-chan engine.MediaStateEvent { return f.mediaCh }

func (f *fakeEngine) Close() { f.record("close") }

// fakeHistory is an in-memory HistoryRepository.
type fakeHistory struct {
	records []store.CallRecord
}

func (h *fakeHistory) Add(ctx context.Context, rec *store.CallRecord) error {
	rec.ID = int64(len(h.records) + 1)
	h.records = append(h.records, *rec)
	return nil
}

func (h *fakeHistory) List(ctx context.Context, filterType string) ([]store.CallRecord, error) {
	var out []store.CallRecord
	for i := len(h.records) - 1; i >= 0; i-- {
		if filterType == "" || filterType == "all" || h.records[i].Type == filterType {
			out = append(out, h.records[i])
		}
	}
	return out, nil
}

func (h *fakeHistory) UpdateDuration(ctx context.Context, number string, seconds int) (bool, error) {
	for i := len(h.records) - 1; i >= 0; i-- {
		if h.records[i].Number == number {
			h.records[i].Duration = seconds
			return true, nil
		}
	}
	return false, nil
}

func (h *fakeHistory) Clear(ctx context.Context) error {
	h.records = nil
	return nil
}

func (h *fakeHistory) CountByType(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64)
	for _, r := range h.records {
		counts[r.Type]++
	}
	return counts, nil
}

// fakeContacts is an in-memory ContactRepository.
type fakeContacts struct {
	byID map[string]store.Contact
}

func newFakeContacts() *fakeContacts {
	return &fakeContacts{byID: make(map[string]store.Contact)}
}

func (c *fakeContacts) List(ctx context.Context) ([]store.Contact, error) {
	var out []store.Contact
	for _, v := range c.byID {
		out = append(out, v)
	}
	return out, nil
}

func (c *fakeContacts) Get(ctx context.Context, id string) (*store.Contact, error) {
	v, ok := c.byID[id]
	if !ok {
		return nil, store.ErrContactNotFound
	}
	return &v, nil
}

func (c *fakeContacts) Save(ctx context.Context, contact *store.Contact) (bool, error) {
	if contact.ID == "" {
		contact.ID = fmt.Sprintf("c%d", len(c.byID)+1)
	}
	_, existed := c.byID[contact.ID]
	c.byID[contact.ID] = *contact
	return !existed, nil
}

func (c *fakeContacts) Delete(ctx context.Context, id string) error {
	if _, ok := c.byID[id]; !ok {
		return store.ErrContactNotFound
	}
	delete(c.byID, id)
	return nil
}

func (c *fakeContacts) Search(ctx context.Context, query string) ([]store.Contact, error) {
	var out []store.Contact
	for _, v := range c.byID {
		if strings.Contains(strings.ToLower(v.Name), strings.ToLower(query)) {
			out = append(out, v)
		}
	}
	return out, nil
}

// newTestOrchestrator builds an orchestrator on fakes. Tests call dispatch
// and the event handlers directly, standing in for the run loop goroutine.
func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeEngine, *fakeHistory) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fe := newFakeEngine()
	hist := &fakeHistory{}
	acc := &config.Account{
		SIP: config.SIPSettings{
			Username: "100",
			Password: "secret",
			Domain:   "pbx.example.com",
		},
	}
	o := NewOrchestrator(fe, NewRegistry(logger, true), hist, newFakeContacts(), acc, logger)
	return o, fe, hist
}

// drainEvents empties the outbound event channel.
func drainEvents(o *Orchestrator) []any {
	var out []any
	for {
		select {
		case ev := <-o.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// placeActiveCall drives an outbound call to confirmed with active media.
func placeActiveCall(t *testing.T, o *Orchestrator, fe *fakeEngine, number string, slot engine.Slot) *Session {
	t.Helper()
	ctx := context.Background()

	o.dispatch(ctx, Command{Type: CmdMakeCall, Number: number})
	h := fe.lastHandle()
	if h == "" {
		t.Fatalf("place was not called for %s", number)
	}
	o.onCallState(ctx, engine.CallStateEvent{Handle: h, State: engine.CallStateConfirmed, Code: 200})
	o.onMediaState(ctx, engine.MediaStateEvent{Handle: h, Active: true, Slot: slot})

	id, ok := o.handles[h]
	if !ok {
		t.Fatalf("no session for handle %s", h)
	}
	s, err := o.reg.Get(id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	drainEvents(o)
	return s
}

// ringInbound announces an incoming call and returns its session.
func ringInbound(t *testing.T, o *Orchestrator, handle, uri string) *Session {
	t.Helper()
	ctx := context.Background()

	o.onCallState(ctx, engine.CallStateEvent{
		Handle:    handle,
		State:     engine.CallStateIncoming,
		RemoteURI: uri,
	})
	id, ok := o.handles[handle]
	if !ok {
		t.Fatalf("no session for incoming handle %s", handle)
	}
	s, err := o.reg.Get(id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	drainEvents(o)
	return s
}

// dropMedia reports the session's media as inactive, as an engine does
// after a hold renegotiation.
func dropMedia(o *Orchestrator, s *Session) {
	o.onMediaState(context.Background(), engine.MediaStateEvent{
		Handle: s.Handle,
		Active: false,
	})
}

// findEvent returns the first event of type T, if any.
func findEvent[T any](events []any) (T, bool) {
	for _, ev := range events {
		if v, ok := ev.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// countEvents returns how many events have type T.
func countEvents[T any](events []any) int {
	n := 0
	for _, ev := range events {
		if _, ok := ev.(T); ok {
			n++
		}
	}
	return n
}
