package frontend

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/softdial/softdial/internal/call"
)

const (
	// writeTimeout bounds a single websocket write.
	writeTimeout = 5 * time.Second

	// pongTimeout is how long a connection may stay silent before the
	// read side gives up on it.
	pongTimeout = 60 * time.Second

	// pingInterval keeps NATs and proxies from reaping idle connections.
	pingInterval = 30 * time.Second

	// maxMessageSize bounds inbound command frames.
	maxMessageSize = 64 * 1024
)

// Command rate limits per websocket connection. A frontend submitting
// faster than this is looping, not clicking.
const (
	cmdRate  = rate.Limit(20)
	cmdBurst = 40
)

// WSServer upgrades HTTP requests to websocket connections that speak
// the same JSON command/event protocol as the stdio channel.
type WSServer struct {
	sink     commandSink
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWSServer creates a websocket frontend backed by the given command
// sink and event hub.
func NewWSServer(sink commandSink, hub *Hub, logger *slog.Logger) *WSServer {
	return &WSServer{
		sink: sink,
		hub:  hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The backend serves a local frontend, not the open web.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "ws"),
	}
}

// Handler returns the HTTP handler that upgrades and serves one
// websocket client.
func (s *WSServer) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed",
				"remote", r.RemoteAddr,
				"error", err,
			)
			return
		}

		c := &wsConn{
			srv:     s,
			conn:    conn,
			limiter: rate.NewLimiter(cmdRate, cmdBurst),
			logger:  s.logger.With("remote", r.RemoteAddr),
		}
		c.logger.Info("websocket client connected")

		events, cancel := s.hub.Subscribe()
		go c.writeLoop(events, cancel)
		c.readLoop()
	}
}

// wsConn is one connected websocket client.
type wsConn struct {
	srv     *WSServer
	conn    *websocket.Conn
	limiter *rate.Limiter
	logger  *slog.Logger
}

// readLoop decodes inbound command frames and submits them until the
// connection drops.
func (c *wsConn) readLoop() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("websocket read failed", "error", err)
			} else {
				c.logger.Info("websocket client disconnected")
			}
			return
		}

		if !c.limiter.Allow() {
			c.logger.Warn("command rate limit exceeded, dropping command")
			continue
		}

		var cmd call.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.logger.Warn("discarding malformed command frame", "error", err)
			continue
		}
		c.logger.Debug("command received", "type", cmd.Type)
		c.srv.sink.Submit(cmd)
	}
}

// writeLoop pushes hub events and keepalive pings to the client. It
// exits, closing the connection, on the first failed write.
func (c *wsConn) writeLoop(events <-chan []byte, cancel func()) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		cancel()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-events:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
