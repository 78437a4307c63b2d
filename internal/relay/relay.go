package relay

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/meshproto"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
)

// Relay routes membership events and negotiation messages between the members
// of a room. Delivery is fire-and-forget through Conn.Send; a recipient whose
// queue is full simply misses the envelope.
//
// Envelopes from one sender to one recipient are delivered in the order Relay
// receives them as long as each sender's calls are made from a single
// goroutine, which the signaling server guarantees per connection.
type Relay struct {
	reg     *Registry
	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(reg *Registry, m *metrics.Metrics, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{reg: reg, metrics: m, log: logger}
}

func (r *Relay) Registry() *Registry { return r.reg }

// Join registers participant in room on conn, acknowledges the join to conn
// with the full roster and announces the participant to the other members.
//
// A join that supersedes another handle first announces the participant's
// departure from every room the old handle was in, so members drop sessions
// negotiated with the previous connection before the new one shows up.
func (r *Relay) Join(room, participant string, conn Conn) ([]string, error) {
	res, err := r.reg.Join(room, participant, conn)
	if err != nil {
		return nil, err
	}
	r.metrics.Inc(metrics.RelayJoin)
	if res.Superseded != nil {
		r.metrics.Inc(metrics.RelaySuperseded)
		r.log.Info("participant connection superseded",
			"room", room,
			"participant", participant,
			"old_conn", res.Superseded.ID(),
			"new_conn", conn.ID(),
			"departures", len(res.Departures),
		)
	}
	for _, d := range res.Departures {
		r.BroadcastLeave(d.Room, d.Participant)
	}

	r.send(conn, meshproto.Envelope{
		Type:          meshproto.EnvelopeJoined,
		Room:          room,
		ParticipantID: participant,
		Roster:        res.Roster,
	})
	if res.Added {
		r.BroadcastJoin(room, participant)
	}
	return res.Roster, nil
}

// Leave removes participant from room if conn is its current handle. Leaving
// a room one is not in, or leaving through a superseded handle, is
// acknowledged without any registry change or broadcast.
func (r *Relay) Leave(room, participant string, conn Conn) error {
	if room == "" {
		return ErrMissingRoom
	}
	if participant == "" {
		return ErrMissingParticipant
	}
	removed := r.reg.LeaveFrom(room, participant, conn)
	r.send(conn, meshproto.Envelope{Type: meshproto.EnvelopeLeft, Room: room, ParticipantID: participant})
	if removed {
		r.metrics.Inc(metrics.RelayLeave)
		r.BroadcastLeave(room, participant)
	}
	return nil
}

// Disconnect drops every membership owned by conn and announces each
// departure to the rooms concerned, exactly once per room.
func (r *Relay) Disconnect(conn Conn) []Departure {
	deps := r.reg.Disconnect(conn)
	if len(deps) > 0 {
		r.metrics.Inc(metrics.RelayDisconnect)
	}
	for _, d := range deps {
		r.BroadcastLeave(d.Room, d.Participant)
	}
	return deps
}

func (r *Relay) BroadcastJoin(room, participant string) {
	r.broadcast(room, participant, meshproto.Envelope{
		Type:          meshproto.EnvelopeParticipantJoined,
		Room:          room,
		ParticipantID: participant,
	})
}

func (r *Relay) BroadcastLeave(room, participant string) {
	r.broadcast(room, participant, meshproto.Envelope{
		Type:          meshproto.EnvelopeParticipantLeft,
		Room:          room,
		ParticipantID: participant,
	})
}

// Forward delivers msg within room and returns the number of recipients it
// was queued for. With msg.To set only that member is a candidate recipient;
// otherwise every member except msg.From is. The message type is not
// inspected.
func (r *Relay) Forward(room string, msg meshproto.SignalMessage) int {
	env := meshproto.SignalRequest(room, msg)
	if msg.To != "" {
		conn, ok := r.reg.lookup(room, msg.To)
		if !ok {
			r.metrics.Inc(metrics.RelayForwardDropped)
			r.log.Debug("dropping signal for absent participant", "room", room, "from", msg.From, "to", msg.To, "type", msg.Type)
			return 0
		}
		if !r.send(conn, env) {
			return 0
		}
		r.metrics.Inc(metrics.RelayForward)
		return 1
	}

	n := 0
	for _, conn := range r.reg.recipients(room, msg.From) {
		if r.send(conn, env) {
			n++
		}
	}
	r.metrics.Add(metrics.RelayForward, uint64(n))
	return n
}

// RoomRoster returns the current sorted membership of room.
func (r *Relay) RoomRoster(room string) []string {
	return r.reg.Roster(room)
}

func (r *Relay) broadcast(room, except string, env meshproto.Envelope) {
	for _, conn := range r.reg.recipients(room, except) {
		r.send(conn, env)
	}
}

func (r *Relay) send(conn Conn, env meshproto.Envelope) bool {
	if conn.Send(env) {
		return true
	}
	r.metrics.Inc(metrics.RelayForwardDropped)
	return false
}
