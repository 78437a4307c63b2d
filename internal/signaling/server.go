package signaling

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/meshproto"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/relay"
)

var ErrServerClosed = errors.New("signaling server closed")

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Relay   *relay.Relay
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// WebSocket keepalive. The server pings every WSPingInterval and closes a
	// connection that has sent nothing (pongs included) for WSIdleTimeout.
	WSIdleTimeout  time.Duration
	WSPingInterval time.Duration

	// Inbound hardening. Zero rate limits disable that dimension.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	MaxBytesPerSecond    int

	// SendQueueLen bounds the envelopes queued for one connection.
	SendQueueLen int
}

// Server implements the participant-facing signaling surface.
//
// Endpoints:
//   - GET /signal       : WebSocket envelope transport
//   - GET /rooms/{room} : current roster of a room
type Server struct {
	relay   *relay.Relay
	metrics *metrics.Metrics
	log     *slog.Logger

	idleTimeout          time.Duration
	pingInterval         time.Duration
	maxMessageBytes      int64
	maxMessagesPerSecond int
	maxBytesPerSecond    int
	sendQueueLen         int

	upgrader websocket.Upgrader

	mu     sync.Mutex
	closed bool
	conns  map[*wsConn]struct{}
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := cfg.Relay
	if r == nil {
		r = relay.New(relay.NewRegistry(0), cfg.Metrics, logger)
	}
	s := &Server{
		relay:                r,
		metrics:              cfg.Metrics,
		log:                  logger,
		idleTimeout:          cfg.WSIdleTimeout,
		pingInterval:         cfg.WSPingInterval,
		maxMessageBytes:      cfg.MaxMessageBytes,
		maxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		maxBytesPerSecond:    cfg.MaxBytesPerSecond,
		sendQueueLen:         cfg.SendQueueLen,
		conns:                make(map[*wsConn]struct{}),
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = 60 * time.Second
	}
	if s.pingInterval <= 0 || s.pingInterval >= s.idleTimeout {
		s.pingInterval = s.idleTimeout / 3
	}
	if s.maxMessageBytes <= 0 {
		s.maxMessageBytes = 64 * 1024
	}
	if s.sendQueueLen <= 0 {
		s.sendQueueLen = 256
	}
	s.upgrader = websocket.Upgrader{
		Subprotocols: []string{meshproto.SubprotocolMsgpack, meshproto.SubprotocolJSON},
		// Origin checks are enforced by the outer httpserver origin middleware.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.handleSignal)
	mux.HandleFunc("GET /rooms/{room}", s.handleRoster)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Ready reports ErrServerClosed once Close has been called.
func (s *Server) Ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	return nil
}

// Close refuses new connections and closes the live ones with 1001.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[*wsConn]struct{})
	s.mu.Unlock()

	for _, c := range conns {
		c.finish(websocket.CloseGoingAway, "server shutting down")
	}
}

func (s *Server) track(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

// ConnCount returns the number of open signaling connections. A connection
// is counted until its departures have been broadcast.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	if room == "" {
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"code":   meshproto.CodeMissingRoom,
			"reason": relay.ErrMissingRoom.Error(),
		})
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"room":   room,
		"roster": s.relay.RoomRoster(room),
	})
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	if requested := websocket.Subprotocols(r); len(requested) > 0 && !supportsAny(requested) {
		s.metrics.Inc(metrics.SignalingUnknownProto)
		http.Error(w, "unsupported subprotocol", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.Inc(metrics.SignalingUpgradeFailure)
		return
	}

	codec, ok := meshproto.CodecForSubprotocol(ws.Subprotocol())
	if !ok {
		codec = meshproto.JSON
	}

	c := &wsConn{
		id:      uuid.NewString(),
		srv:     s,
		ws:      ws,
		codec:   codec,
		queue:   newSendQueue(s.sendQueueLen),
		limiter: ratelimit.NewConnLimiter(ratelimit.RealClock{}, s.maxMessagesPerSecond, s.maxBytesPerSecond),
		done:    make(chan struct{}),
	}
	c.log = s.log.With("conn", c.id, "remote", r.RemoteAddr)

	if !s.track(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(wsWriteWait))
		_ = ws.Close()
		return
	}
	defer s.untrack(c)

	s.metrics.Inc(metrics.SignalingConnections)
	c.log.Debug("signaling connection opened", "subprotocol", codec.Subprotocol())
	c.run()
}

func supportsAny(requested []string) bool {
	for _, p := range requested {
		if _, ok := meshproto.CodecForSubprotocol(p); ok && p != "" {
			return true
		}
	}
	return false
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// usageCode maps a relay usage error to its wire error code.
func usageCode(err error) string {
	switch {
	case errors.Is(err, relay.ErrMissingRoom):
		return meshproto.CodeMissingRoom
	case errors.Is(err, relay.ErrMissingParticipant):
		return meshproto.CodeMissingParticipant
	case errors.Is(err, relay.ErrParticipantMismatch):
		return meshproto.CodeParticipantMismatch
	case errors.Is(err, relay.ErrRoomFull):
		return meshproto.CodeRoomFull
	default:
		return meshproto.CodeBadMessage
	}
}

type usageError struct {
	code   string
	reason string
}

func (e *usageError) Error() string { return fmt.Sprintf("%s: %s", e.code, e.reason) }

func newUsageError(code string, err error) *usageError {
	return &usageError{code: code, reason: err.Error()}
}
