package frontend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/softdial/softdial/internal/call"
)

// maxCommandLine bounds a single stdio command line. Anything larger is
// a malformed client, not a real command.
const maxCommandLine = 64 * 1024

// Stdio is the JSON-lines transport: one command object per input line,
// one event object per output line. It is the native channel for a
// desktop frontend that spawns the backend as a child process.
type Stdio struct {
	sink   commandSink
	hub    *Hub
	in     io.Reader
	out    io.Writer
	logger *slog.Logger
}

// NewStdio wires a JSON-lines frontend over the given reader and writer.
func NewStdio(sink commandSink, hub *Hub, in io.Reader, out io.Writer, logger *slog.Logger) *Stdio {
	return &Stdio{
		sink:   sink,
		hub:    hub,
		in:     in,
		out:    out,
		logger: logger.With("component", "stdio"),
	}
}

// Run starts the read and write sides and blocks until ctx is canceled
// or the input stream ends.
func (s *Stdio) Run(ctx context.Context) error {
	events, cancel := s.hub.Subscribe()
	defer cancel()

	go s.writeLoop(ctx, events)
	return s.readLoop(ctx)
}

// readLoop decodes commands line by line and submits them. Unparseable
// lines are logged and skipped so one bad client message cannot kill
// the channel.
func (s *Stdio) readLoop(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 4096), maxCommandLine)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var cmd call.Command
		if err := json.Unmarshal(line, &cmd); err != nil {
			s.logger.Warn("discarding malformed command line", "error", err)
			continue
		}
		s.logger.Debug("command received", "type", cmd.Type)
		s.sink.Submit(cmd)
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	return nil
}

// writeLoop prints each event as one JSON line on the output stream.
func (s *Stdio) writeLoop(ctx context.Context, events <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-events:
			if !ok {
				return
			}
			if _, err := s.out.Write(append(data, '\n')); err != nil {
				s.logger.Error("failed to write event", "error", err)
				return
			}
		}
	}
}
