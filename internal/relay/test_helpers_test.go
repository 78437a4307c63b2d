package relay

import (
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/meshproto"
)

type recordingConn struct {
	id string

	mu     sync.Mutex
	full   bool
	frames []meshproto.Envelope
}

func newRecordingConn(id string) *recordingConn {
	return &recordingConn{id: id}
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(env meshproto.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.frames = append(c.frames, env)
	return true
}

func (c *recordingConn) setFull(full bool) {
	c.mu.Lock()
	c.full = full
	c.mu.Unlock()
}

func (c *recordingConn) take() []meshproto.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.frames
	c.frames = nil
	return out
}

func countType(envs []meshproto.Envelope, typ meshproto.EnvelopeType) int {
	n := 0
	for _, env := range envs {
		if env.Type == typ {
			n++
		}
	}
	return n
}
