package mesh

import (
	"errors"
	"log/slog"
	"sort"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/meshproto"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/webrtcpeer"
)

var (
	// ErrNoLocalMedia is returned by Publish before SetMedia supplied tracks.
	ErrNoLocalMedia = errors.New("local media not available")
	// ErrRosterTooSmall is returned by Publish when nobody else is in the room.
	ErrRosterTooSmall = errors.New("roster has fewer than two participants")
)

type Config struct {
	LocalID    string
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Loop       *Loop
	Logger     *slog.Logger

	// Send transmits a negotiation message through the signaling transport.
	Send func(meshproto.SignalMessage)

	// Optional observers, all called on the loop.
	OnTrack        func(remote string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	OnSessionState func(remote string, state webrtcpeer.State)
	// OnSessionMedia is called after local tracks were attached to a session.
	OnSessionMedia func(remote string, senders []*webrtc.RTPSender)
	// OnSessionClosed is called when a session is torn down so remote media
	// state for that participant can be released.
	OnSessionClosed func(remote string)
}

// Coordinator owns the local roster view and the Peer Sessions of one local
// participant. All methods must be called on the loop.
type Coordinator struct {
	cfg  Config
	self string
	log  *slog.Logger

	roster map[string]struct{}
	// departed holds ids announced as left and not seen joining since. Late
	// offers from them are dropped instead of re-adding them to the roster.
	departed map[string]struct{}
	sessions map[string]*webrtcpeer.Session
	tracks   []webrtc.TrackLocal
}

func NewCoordinator(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Loop == nil {
		cfg.Loop = NewLoop()
	}
	return &Coordinator{
		cfg:      cfg,
		self:     cfg.LocalID,
		log:      logger.With("self", cfg.LocalID),
		roster:   make(map[string]struct{}),
		departed: make(map[string]struct{}),
		sessions: make(map[string]*webrtcpeer.Session),
	}
}

func (c *Coordinator) Loop() *Loop { return c.cfg.Loop }

// SetMedia supplies the local tracks attached to sessions created from now on.
func (c *Coordinator) SetMedia(tracks ...webrtc.TrackLocal) {
	c.tracks = append([]webrtc.TrackLocal(nil), tracks...)
}

func (c *Coordinator) HasMedia() bool { return len(c.tracks) > 0 }

// OnRosterSnapshot replaces the local roster with the membership reported on
// joining a room. It does not create sessions.
func (c *Coordinator) OnRosterSnapshot(ids []string) {
	c.roster = make(map[string]struct{}, len(ids)+1)
	c.departed = make(map[string]struct{})
	for _, id := range ids {
		c.roster[id] = struct{}{}
	}
	c.roster[c.self] = struct{}{}
	c.log.Debug("roster snapshot", "roster", c.Roster())
}

// OnParticipantJoined adds id to the roster. A session already held for id
// belongs to a previous connection of that participant and is torn down.
func (c *Coordinator) OnParticipantJoined(id string) {
	if id == "" || id == c.self {
		return
	}
	delete(c.departed, id)
	c.roster[id] = struct{}{}
	c.log.Info("participant joined", "participant", id)
	if _, ok := c.sessions[id]; ok {
		c.log.Info("participant rejoined, dropping previous session", "participant", id)
		c.teardown(id)
	}
}

// OnParticipantLeft drops id from the roster and tears down its session.
func (c *Coordinator) OnParticipantLeft(id string) {
	if id == c.self {
		return
	}
	delete(c.roster, id)
	if id != "" {
		c.departed[id] = struct{}{}
	}
	c.log.Info("participant left", "participant", id)
	c.teardown(id)
}

// Publish starts negotiation toward every roster member that has no session.
// Members that already have one are left alone, so calling Publish again only
// reaches newcomers.
func (c *Coordinator) Publish() error {
	if !c.HasMedia() {
		c.log.Warn("publish requested without local media")
		return ErrNoLocalMedia
	}
	if len(c.roster) < 2 {
		c.log.Info("publish skipped, nobody else in the room", "roster", len(c.roster))
		return ErrRosterTooSmall
	}

	for _, id := range c.Roster() {
		if id == c.self {
			continue
		}
		if _, ok := c.sessions[id]; ok {
			continue
		}
		sess, err := c.newSession(id)
		if err != nil {
			c.log.Error("failed to create peer session", "participant", id, "err", err)
			continue
		}
		if err := sess.Initiate(); err != nil {
			c.log.Error("failed to initiate negotiation", "participant", id, "err", err)
			c.teardown(id)
		}
	}
	return nil
}

// Unpublish hangs up every session and clears remote media state.
func (c *Coordinator) Unpublish() {
	for _, id := range c.Sessions() {
		c.send(meshproto.NewHangup(c.self, id))
		c.teardown(id)
	}
}

// DispatchSignal routes an inbound negotiation message to the session keyed
// by its sender.
func (c *Coordinator) DispatchSignal(msg meshproto.SignalMessage) {
	log := c.log.With("participant", msg.From, "type", msg.Type)

	if msg.From == c.self {
		log.Warn("ignoring signal authored by self")
		return
	}
	if msg.To != "" && msg.To != c.self {
		log.Warn("ignoring signal addressed to another participant", "to", msg.To)
		return
	}
	if msg.From == "" {
		// The signaling server stamps From on everything it forwards, so a
		// hangup without sender only comes from local callers.
		if msg.Type == meshproto.SignalHangup {
			log.Info("hangup without sender, tearing down every session")
			for _, id := range c.Sessions() {
				c.teardown(id)
			}
			return
		}
		log.Warn("ignoring signal without sender")
		return
	}

	switch msg.Type {
	case meshproto.SignalOffer:
		c.handleOffer(log, msg)
	case meshproto.SignalAnswer:
		sess, ok := c.sessions[msg.From]
		if !ok {
			log.Debug("dropping answer for unknown session")
			return
		}
		desc, err := msg.Description()
		if err != nil {
			log.Warn("dropping malformed answer", "err", err)
			return
		}
		if err := sess.ReceiveAnswer(desc); err != nil {
			log.Debug("dropping answer", "state", sess.State().String(), "err", err)
		}
	case meshproto.SignalCandidate:
		sess, ok := c.sessions[msg.From]
		if !ok {
			log.Debug("dropping candidate for unknown session")
			return
		}
		cand, err := msg.CandidateInit()
		if err != nil {
			log.Warn("dropping malformed candidate", "err", err)
			return
		}
		if err := sess.ReceiveCandidate(cand); err != nil {
			log.Debug("dropping candidate", "err", err)
		}
	case meshproto.SignalHangup:
		if _, ok := c.sessions[msg.From]; !ok {
			log.Debug("hangup for unknown session")
			return
		}
		log.Info("remote hung up")
		c.teardown(msg.From)
	default:
		log.Warn("ignoring unsupported signal type")
	}
}

func (c *Coordinator) handleOffer(log *slog.Logger, msg meshproto.SignalMessage) {
	desc, err := msg.Description()
	if err != nil {
		log.Warn("dropping malformed offer", "err", err)
		return
	}

	sess, ok := c.sessions[msg.From]
	if ok && sess.Offering() {
		// Glare: the lexicographically smaller id yields.
		if c.self < msg.From {
			log.Info("offer collision, yielding to remote offer")
			c.discard(msg.From)
			ok = false
		} else {
			log.Info("offer collision, ignoring remote offer")
			return
		}
	}

	if !ok {
		if _, known := c.roster[msg.From]; !known {
			if _, gone := c.departed[msg.From]; gone {
				log.Debug("dropping offer from departed participant")
				return
			}
			// The offer can overtake the participant-joined event.
			c.roster[msg.From] = struct{}{}
		}
		sess, err = c.newSession(msg.From)
		if err != nil {
			log.Error("failed to create peer session", "err", err)
			return
		}
	}

	if err := sess.ReceiveOffer(desc); err != nil {
		log.Warn("dropping offer", "state", sess.State().String(), "err", err)
	}
}

// Roster returns the sorted local roster, self included.
func (c *Coordinator) Roster() []string {
	return sortedKeys(c.roster)
}

// Sessions returns the sorted ids of remote participants with a session.
func (c *Coordinator) Sessions() []string {
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Coordinator) SessionState(id string) (webrtcpeer.State, bool) {
	sess, ok := c.sessions[id]
	if !ok {
		return webrtcpeer.StateClosed, false
	}
	return sess.State(), true
}

// Session returns the live session for id, if any.
func (c *Coordinator) Session(id string) (*webrtcpeer.Session, bool) {
	sess, ok := c.sessions[id]
	return sess, ok
}

// Close tears down every session without signalling. The roster is kept.
func (c *Coordinator) Close() {
	for _, id := range c.Sessions() {
		c.teardown(id)
	}
}

func (c *Coordinator) newSession(remote string) (*webrtcpeer.Session, error) {
	var sess *webrtcpeer.Session
	sess, err := webrtcpeer.NewSession(c.cfg.API, webrtcpeer.SessionConfig{
		LocalID:    c.self,
		RemoteID:   remote,
		ICEServers: c.cfg.ICEServers,
		Logger:     c.log,
		Handlers: webrtcpeer.Handlers{
			Post:   c.cfg.Loop.Post,
			Signal: c.send,
			OnState: func(remote string, state webrtcpeer.State) {
				if c.cfg.OnSessionState != nil {
					c.cfg.OnSessionState(remote, state)
				}
			},
			OnTrack: c.cfg.OnTrack,
			OnFailure: func(remote string, err error) {
				if c.sessions[remote] != sess {
					return
				}
				delete(c.sessions, remote)
				c.log.Warn("peer session failed, hanging up", "participant", remote, "err", err)
				c.send(meshproto.NewHangup(c.self, remote))
				if c.cfg.OnSessionClosed != nil {
					c.cfg.OnSessionClosed(remote)
				}
			},
		},
	})
	if err != nil {
		return nil, err
	}

	if c.HasMedia() {
		if err := sess.AttachMedia(c.tracks...); err != nil {
			_ = sess.Close()
			return nil, err
		}
		if c.cfg.OnSessionMedia != nil {
			c.cfg.OnSessionMedia(remote, sess.Senders())
		}
	}
	c.sessions[remote] = sess
	return sess, nil
}

// discard closes the session for id without notifying observers of a
// teardown; a replacement is about to be created.
func (c *Coordinator) discard(id string) {
	sess, ok := c.sessions[id]
	if !ok {
		return
	}
	delete(c.sessions, id)
	if err := sess.Close(); err != nil {
		c.log.Debug("close peer session", "participant", id, "err", err)
	}
}

func (c *Coordinator) teardown(id string) {
	if _, ok := c.sessions[id]; !ok {
		return
	}
	c.discard(id)
	if c.cfg.OnSessionClosed != nil {
		c.cfg.OnSessionClosed(id)
	}
}

func (c *Coordinator) send(msg meshproto.SignalMessage) {
	if c.cfg.Send == nil {
		return
	}
	c.cfg.Send(msg)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
