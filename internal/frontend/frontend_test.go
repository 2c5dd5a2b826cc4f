package frontend

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/softdial/softdial/internal/call"
)

type recordingSink struct {
	mu   sync.Mutex
	cmds []call.Command
}

func (r *recordingSink) Submit(cmd call.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
}

func (r *recordingSink) commands() []call.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call.Command(nil), r.cmds...)
}

func (r *recordingSink) waitForCommands(t *testing.T, n int) []call.Command {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cmds := r.commands(); len(cmds) >= n {
			return cmds
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d commands, got %d", n, len(r.commands()))
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHubBroadcastReachesAllSubscribers(t *testing.T) {
	hub := NewHub(discard())

	a, cancelA := hub.Subscribe()
	b, cancelB := hub.Subscribe()
	defer cancelA()
	defer cancelB()

	hub.broadcast(call.RegisteredEvent{Type: call.EventRegistered, Registered: true})

	for name, ch := range map[string]<-chan []byte{"a": a, "b": b} {
		select {
		case data := <-ch:
			var ev call.RegisteredEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				t.Fatalf("%s: unmarshal: %v", name, err)
			}
			if !ev.Registered {
				t.Errorf("%s: registered = false, want true", name)
			}
		default:
			t.Fatalf("%s: no event delivered", name)
		}
	}
}

func TestHubCancelStopsDelivery(t *testing.T) {
	hub := NewHub(discard())

	ch, cancel := hub.Subscribe()
	cancel()

	hub.broadcast(call.HistoryClearedEvent{Type: call.EventHistoryCleared})

	if _, ok := <-ch; ok {
		t.Error("canceled subscriber still received an event")
	}
}

func TestHubDropsEventsForSlowSubscriber(t *testing.T) {
	hub := NewHub(discard())

	ch, cancel := hub.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBuffer+10; i++ {
		hub.broadcast(call.HistoryClearedEvent{Type: call.EventHistoryCleared})
	}

	if got := len(ch); got != subscriberBuffer {
		t.Errorf("buffered events = %d, want %d", got, subscriberBuffer)
	}
}

func TestStdioReadsCommandsPerLine(t *testing.T) {
	sink := &recordingSink{}
	input := strings.Join([]string{
		`{"type":"make_call","number":"100"}`,
		`not json`,
		``,
		`{"type":"hangup_call","call_id":"abc"}`,
	}, "\n")

	s := NewStdio(sink, NewHub(discard()), strings.NewReader(input), io.Discard, discard())
	if err := s.readLoop(context.Background()); err != nil {
		t.Fatalf("readLoop: %v", err)
	}

	cmds := sink.commands()
	if len(cmds) != 2 {
		t.Fatalf("commands = %d, want 2", len(cmds))
	}
	if cmds[0].Type != call.CmdMakeCall || cmds[0].Number != "100" {
		t.Errorf("first command = %+v", cmds[0])
	}
	if cmds[1].Type != call.CmdHangupCall || cmds[1].CallID != "abc" {
		t.Errorf("second command = %+v", cmds[1])
	}
}

func TestStdioWritesEventsAsJSONLines(t *testing.T) {
	hub := NewHub(discard())
	pr, pw := io.Pipe()
	s := NewStdio(&recordingSink{}, hub, strings.NewReader(""), pw, discard())

	events, cancel := hub.Subscribe()
	defer cancel()
	go s.writeLoop(context.Background(), events)

	hub.broadcast(call.CallInitEvent{Type: call.EventCallInit, ID: "s1", Number: "100"})

	line, err := bufio.NewReader(pr).ReadString('\n')
	if err != nil {
		t.Fatalf("reading event line: %v", err)
	}
	var ev call.CallInitEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != call.EventCallInit || ev.ID != "s1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestWebsocketRoundTrip(t *testing.T) {
	sink := &recordingSink{}
	hub := NewHub(discard())
	ws := NewWSServer(sink, hub, discard())

	srv := httptest.NewServer(ws.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, res, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if res.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusSwitchingProtocols)
	}

	if err := conn.WriteJSON(call.Command{Type: call.CmdGetContacts}); err != nil {
		t.Fatalf("write command: %v", err)
	}
	cmds := sink.waitForCommands(t, 1)
	if cmds[0].Type != call.CmdGetContacts {
		t.Errorf("command type = %q, want %q", cmds[0].Type, call.CmdGetContacts)
	}

	// Broadcast retries: the server registers its hub subscription
	// asynchronously after the upgrade.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-done:
				return
			default:
				hub.broadcast(call.RegisteredEvent{Type: call.EventRegistered, Registered: true})
				time.Sleep(10 * time.Millisecond)
			}
		}
	}()

	var ev call.RegisteredEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	done <- struct{}{}
	if ev.Type != call.EventRegistered || !ev.Registered {
		t.Errorf("event = %+v", ev)
	}
}
