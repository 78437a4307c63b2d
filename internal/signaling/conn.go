package signaling

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/meshproto"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/relay"
)

const (
	wsWriteWait = 1 * time.Second
	// wsDrainWait bounds how long a closing connection waits for its queued
	// frames to be written.
	wsDrainWait = 2 * time.Second
)

var (
	errNotJoined    = errors.New("connection has not joined a room")
	errNotMember    = errors.New("participant is not a member of the room")
	errFromMismatch = errors.New("message.from does not match the joined participant")
)

// wsConn is the server side of one signaling WebSocket. It implements
// relay.Conn.
type wsConn struct {
	id    string
	srv   *Server
	ws    *websocket.Conn
	codec meshproto.Codec
	log   *slog.Logger

	queue   *sendQueue
	limiter *ratelimit.ConnLimiter

	// participant is the id bound by the first successful join. Only the read
	// goroutine touches it.
	participant string

	done      chan struct{}
	closeOnce sync.Once
}

var _ relay.Conn = (*wsConn)(nil)

func (c *wsConn) ID() string { return c.id }

// Send encodes env with the connection's codec and queues it. It never
// blocks; a full queue drops the envelope.
func (c *wsConn) Send(env meshproto.Envelope) bool {
	data, err := c.codec.Marshal(env)
	if err != nil {
		c.log.Error("failed to encode envelope", "type", env.Type, "err", err)
		return false
	}
	if !c.queue.Enqueue(outbound{data: data, binary: c.codec.Binary()}) {
		c.srv.metrics.Inc(metrics.SignalingSendQueueFull)
		c.log.Debug("dropping envelope for slow connection", "type", env.Type)
		return false
	}
	return true
}

// finish queues a close frame behind any pending envelopes.
func (c *wsConn) finish(code int, reason string) {
	c.queue.Finish(outbound{closeMsg: websocket.FormatCloseMessage(code, reason)})
}

// fail reports a protocol error to the peer and closes the connection.
func (c *wsConn) fail(code, reason string, closeCode int, closeReason string) {
	if data, err := c.codec.Marshal(meshproto.ErrorEnvelope(code, reason)); err == nil {
		_ = c.queue.Enqueue(outbound{data: data, binary: c.codec.Binary()})
	}
	c.finish(closeCode, closeReason)
}

func (c *wsConn) run() {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()
	go c.pingLoop()

	c.readLoop()

	departures := c.srv.relay.Disconnect(c)
	for _, d := range departures {
		c.log.Info("participant disconnected", "room", d.Room, "participant", d.Participant)
	}

	// Let an error envelope and close frame queued by the read loop go out
	// before tearing the socket down.
	c.queue.Finish(outbound{closeMsg: websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")})
	select {
	case <-writerDone:
	case <-time.After(wsDrainWait):
	}
	c.close()
	<-writerDone
	c.log.Debug("signaling connection closed")
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.queue.Close()
		_ = c.ws.Close()
	})
}

func (c *wsConn) writePump() {
	for {
		frame, ok := c.queue.Dequeue()
		if !ok {
			return
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if frame.closeMsg != nil {
			_ = c.ws.WriteMessage(websocket.CloseMessage, frame.closeMsg)
			// Give the peer a moment to answer the close handshake.
			_ = c.ws.SetReadDeadline(time.Now().Add(wsDrainWait))
			return
		}
		msgType := websocket.TextMessage
		if frame.binary {
			msgType = websocket.BinaryMessage
		}
		if err := c.ws.WriteMessage(msgType, frame.data); err != nil {
			c.log.Debug("signaling write failed", "err", err)
			// Unblock the read loop so the connection is torn down.
			_ = c.ws.Close()
			return
		}
	}
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.srv.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) extendDeadline() {
	_ = c.ws.SetReadDeadline(time.Now().Add(c.srv.idleTimeout))
}

func (c *wsConn) readLoop() {
	c.ws.SetReadLimit(c.srv.maxMessageBytes)
	c.extendDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.extendDeadline()
		return nil
	})

	wantType := websocket.TextMessage
	if c.codec.Binary() {
		wantType = websocket.BinaryMessage
	}

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				// gorilla has already sent 1009.
				c.srv.metrics.Inc(metrics.SignalingBadMessage)
			case isTimeout(err):
				c.log.Debug("closing idle signaling connection")
				c.finish(websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		c.extendDeadline()

		// Apply the rate limit after reading so the close frame is not lost to
		// a TCP reset caused by unread data.
		if !c.limiter.AllowMessage(len(data)) {
			c.srv.metrics.Inc(metrics.SignalingRateLimited)
			c.fail(meshproto.CodeRateLimited, "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != wantType {
			c.srv.metrics.Inc(metrics.SignalingBadMessage)
			c.fail(meshproto.CodeBadMessage, "unexpected frame type for "+c.codec.Subprotocol(), websocket.CloseUnsupportedData, "unexpected frame type")
			return
		}

		env, err := c.codec.Unmarshal(data)
		if err != nil {
			c.srv.metrics.Inc(metrics.SignalingBadMessage)
			c.fail(meshproto.CodeBadMessage, err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}

		if err := c.handle(env); err != nil {
			var ue *usageError
			if errors.As(err, &ue) {
				c.Send(meshproto.ErrorEnvelope(ue.code, ue.reason))
				continue
			}
			c.srv.metrics.Inc(metrics.SignalingBadMessage)
			c.fail(meshproto.CodeBadMessage, err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}
	}
}

// handle applies one client envelope. A *usageError is reported to the peer
// and the connection stays open; any other error closes it.
func (c *wsConn) handle(env meshproto.Envelope) error {
	switch env.Type {
	case meshproto.EnvelopeJoin:
		return c.handleJoin(env)
	case meshproto.EnvelopeLeave:
		return c.handleLeave(env)
	case meshproto.EnvelopeSignal:
		return c.handleSignal(env)
	case meshproto.EnvelopeRoster:
		if env.Room == "" {
			return newUsageError(meshproto.CodeMissingRoom, relay.ErrMissingRoom)
		}
		c.Send(meshproto.Envelope{
			Type:   meshproto.EnvelopeRoster,
			Room:   env.Room,
			Roster: c.srv.relay.RoomRoster(env.Room),
		})
		return nil
	default:
		return fmt.Errorf("unexpected envelope type %q from client", env.Type)
	}
}

func (c *wsConn) handleJoin(env meshproto.Envelope) error {
	if c.participant != "" && env.ParticipantID != "" && env.ParticipantID != c.participant {
		return newUsageError(meshproto.CodeParticipantMismatch, relay.ErrParticipantMismatch)
	}
	if _, err := c.srv.relay.Join(env.Room, env.ParticipantID, c); err != nil {
		return newUsageError(usageCode(err), err)
	}
	if c.participant == "" {
		c.participant = env.ParticipantID
		c.log = c.log.With("participant", c.participant)
	}
	c.log.Info("participant joined", "room", env.Room)
	return nil
}

func (c *wsConn) handleLeave(env meshproto.Envelope) error {
	if env.Room == "" {
		return newUsageError(meshproto.CodeMissingRoom, relay.ErrMissingRoom)
	}
	if c.participant == "" {
		return newUsageError(meshproto.CodeNotJoined, errNotJoined)
	}
	if env.ParticipantID != "" && env.ParticipantID != c.participant {
		return newUsageError(meshproto.CodeParticipantMismatch, relay.ErrParticipantMismatch)
	}
	if err := c.srv.relay.Leave(env.Room, c.participant, c); err != nil {
		return newUsageError(usageCode(err), err)
	}
	c.log.Info("participant left", "room", env.Room)
	return nil
}

func (c *wsConn) handleSignal(env meshproto.Envelope) error {
	if env.Room == "" {
		return newUsageError(meshproto.CodeMissingRoom, relay.ErrMissingRoom)
	}
	if c.participant == "" {
		return newUsageError(meshproto.CodeNotJoined, errNotJoined)
	}
	reg := c.srv.relay.Registry()
	if owner, ok := reg.Owner(c); !ok || owner != c.participant || !reg.IsMember(env.Room, c.participant) {
		return newUsageError(meshproto.CodeNotJoined, errNotMember)
	}

	msg := *env.Message
	switch msg.From {
	case "":
		msg.From = c.participant
	case c.participant:
	default:
		return newUsageError(meshproto.CodeParticipantMismatch, errFromMismatch)
	}

	n := c.srv.relay.Forward(env.Room, msg)
	c.log.Debug("signal forwarded", "room", env.Room, "type", msg.Type, "to", msg.To, "recipients", n)
	return nil
}
