package media

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// preludeTimeout bounds how long the server waits for the carrier's start
// event identifying the call.
const preludeTimeout = 10 * time.Second

// Attacher receives an identified media connection and runs it until the
// call ends. The server's handler goroutine blocks inside AttachStream.
type Attacher interface {
	AttachStream(ctx context.Context, callID string, conn Conn)
}

// Server accepts the carrier's media WebSocket connections, reads the JSON
// control prelude, and hands the identified stream to the Attacher.
type Server struct {
	attach   Attacher
	log      *slog.Logger
	maxConns int64
	active   atomic.Int64
}

// ServerOption is a functional option for the Server.
type ServerOption func(*Server)

// WithMaxConns caps concurrent media connections. Should be at least twice
// the dialler's concurrency limit.
func WithMaxConns(n int) ServerOption {
	return func(s *Server) { s.maxConns = int64(n) }
}

// WithServerLogger sets the server's logger.
func WithServerLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// NewServer builds a media Server dispatching to attach.
func NewServer(attach Attacher, opts ...ServerOption) *Server {
	s := &Server{
		attach:   attach,
		log:      slog.Default(),
		maxConns: 100,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ActiveStreams returns the number of live media connections.
func (s *Server) ActiveStreams() int64 {
	return s.active.Load()
}

// startEvent is the carrier's stream prelude.
type startEvent struct {
	Event string `json:"event"`
	Start struct {
		CallControlID string `json:"call_control_id"`
	} `json:"start"`
}

// HandleStream is the HTTP handler the carrier dials for bidirectional
// media.
func (s *Server) HandleStream(w http.ResponseWriter, r *http.Request) {
	if s.active.Load() >= s.maxConns {
		http.Error(w, "too many streams", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("media accept failed", "error", err)
		return
	}
	s.active.Add(1)
	defer s.active.Add(-1)

	callID, err := readPrelude(r.Context(), conn)
	if err != nil {
		s.log.Warn("media prelude failed", "error", err)
		conn.Close(websocket.StatusPolicyViolation, "missing start event")
		return
	}

	s.log.Debug("media stream attached", "call_id", callID)
	s.attach.AttachStream(r.Context(), callID, conn)
}

// readPrelude consumes messages until the start event arrives and returns
// the call control id.
func readPrelude(ctx context.Context, conn Conn) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, preludeTimeout)
	defer cancel()

	for {
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			return "", err
		}
		if typ != websocket.MessageText {
			continue
		}
		var ev startEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			continue
		}
		if ev.Event == "start" && ev.Start.CallControlID != "" {
			return ev.Start.CallControlID, nil
		}
	}
}
