package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/meshproto"
)

var ErrClientClosed = errors.New("signaling client closed")

type ClientConfig struct {
	// URL is the ws:// or wss:// address of the /signal endpoint.
	URL string
	// Codec selects the subprotocol. Defaults to JSON.
	Codec  meshproto.Codec
	Dialer *websocket.Dialer
	Header http.Header
	Logger *slog.Logger
	// QueueLen bounds the buffered inbound envelopes. Defaults to 64.
	QueueLen int
}

// Client is the participant side of the signaling transport. Envelopes from
// the server are delivered in order on Events. Send methods may be called
// from any goroutine.
type Client struct {
	ws    *websocket.Conn
	codec meshproto.Codec
	log   *slog.Logger

	events  chan meshproto.Envelope
	done    chan struct{}
	closing chan struct{}

	writeMu sync.Mutex

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	codec := cfg.Codec
	if codec == nil {
		codec = meshproto.JSON
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queueLen := cfg.QueueLen
	if queueLen <= 0 {
		queueLen = 64
	}

	d := *dialer
	d.Subprotocols = []string{codec.Subprotocol()}

	ws, resp, err := d.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	if got := ws.Subprotocol(); got != codec.Subprotocol() && !(got == "" && codec == meshproto.JSON) {
		_ = ws.Close()
		return nil, fmt.Errorf("server negotiated subprotocol %q, want %q", got, codec.Subprotocol())
	}

	c := &Client{
		ws:      ws,
		codec:   codec,
		log:     logger.With("server", cfg.URL),
		events:  make(chan meshproto.Envelope, queueLen),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events is closed when the connection ends; Err then reports why.
func (c *Client) Events() <-chan meshproto.Envelope {
	return c.events
}

func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

func (c *Client) Join(room, participant string) error {
	return c.Send(meshproto.JoinRequest(room, participant))
}

func (c *Client) Leave(room, participant string) error {
	return c.Send(meshproto.LeaveRequest(room, participant))
}

func (c *Client) Signal(room string, msg meshproto.SignalMessage) error {
	return c.Send(meshproto.SignalRequest(room, msg))
}

func (c *Client) QueryRoster(room string) error {
	return c.Send(meshproto.RosterRequest(room))
}

func (c *Client) Send(env meshproto.Envelope) error {
	data, err := c.codec.Marshal(env)
	if err != nil {
		return err
	}
	msgType := websocket.TextMessage
	if c.codec.Binary() {
		msgType = websocket.BinaryMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(msgType, data)
}

// Close performs the WebSocket close handshake and waits briefly for the
// server to end the connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsWriteWait))
		c.writeMu.Unlock()

		select {
		case <-c.done:
		case <-time.After(wsDrainWait):
		}
		c.setErr(ErrClientClosed)
		_ = c.ws.Close()
	})
	return nil
}

func (c *Client) readLoop() {
	defer close(c.events)
	defer close(c.done)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.setErr(ErrClientClosed)
			} else {
				c.setErr(err)
			}
			return
		}
		env, err := c.codec.Unmarshal(data)
		if err != nil {
			c.log.Warn("dropping malformed envelope from server", "err", err)
			continue
		}
		select {
		case c.events <- env:
		case <-c.closing:
			return
		}
	}
}
