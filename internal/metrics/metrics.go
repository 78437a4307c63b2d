package metrics

import "sync"

// Event names counted by the signaling server.
const (
	RelayJoin           = "relay_join"
	RelayLeave          = "relay_leave"
	RelayDisconnect     = "relay_disconnect"
	RelayForward        = "relay_forward"
	RelayForwardDropped = "relay_forward_dropped"
	RelaySuperseded     = "relay_superseded"

	SignalingRateLimited    = "signaling_rate_limited"
	SignalingBadMessage     = "signaling_bad_message"
	SignalingSendQueueFull  = "signaling_send_queue_full"
	SignalingConnections    = "signaling_connections"
	SignalingUnknownProto   = "signaling_unknown_subprotocol"
	SignalingUpgradeFailure = "signaling_upgrade_failed"
)

// Metrics is a concurrency-safe counter registry keyed by event name.
//
// A nil *Metrics is valid and drops every update, so components can be built
// without one in tests.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
