package webrtcpeer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/meshproto"
)

var (
	// ErrNoLocalMedia is returned by Initiate when no local track is attached.
	ErrNoLocalMedia = errors.New("no local media attached")
	// ErrInvalidState is returned when an operation is not legal in the
	// session's current state, e.g. a duplicate or late answer.
	ErrInvalidState = errors.New("operation not valid in current session state")
	// ErrNegotiationInProgress is returned when an offer or answer operation is
	// requested while another one is still running.
	ErrNegotiationInProgress = errors.New("negotiation step already in progress")
	ErrSessionClosed         = errors.New("session closed")
	// ErrStaleCandidate is returned for a remote candidate gathered for a
	// different remote description, e.g. one from an offer dropped in glare.
	ErrStaleCandidate = errors.New("candidate belongs to another remote description")

	errTransportFailed = errors.New("peer connection failed")
)

type State int

const (
	StateNew State = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Handlers connect a Session to its owner. Post is required; the others may
// be nil.
type Handlers struct {
	// Post schedules fn on the owner's event loop. It must not block.
	Post func(fn func())
	// Signal transmits a negotiation message to the remote participant.
	Signal func(meshproto.SignalMessage)
	// OnState observes every state transition.
	OnState func(remote string, state State)
	// OnTrack is called on the loop for each remote track.
	OnTrack func(remote string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	// OnFailure reports a transport failure or rejected description. The
	// session is already closed when it is called.
	OnFailure func(remote string, err error)
}

type SessionConfig struct {
	LocalID    string
	RemoteID   string
	ICEServers []webrtc.ICEServer
	Handlers   Handlers
	Logger     *slog.Logger
}

type operation int

const (
	opNone operation = iota
	opInitiate
	opReceiveOffer
	opReceiveAnswer
)

// Session negotiates the media connection with one remote participant.
type Session struct {
	local  string
	remote string
	pc     *webrtc.PeerConnection
	h      Handlers
	log    *slog.Logger

	state   State
	pending operation

	// Remote candidates received before a remote description was applied, in
	// arrival order.
	remoteApplied bool
	buffered      []webrtc.ICECandidateInit

	// Local candidates are held back until our offer or answer has been
	// signalled so the remote never sees a candidate before the description.
	localSent       bool
	localCandidates []webrtc.ICECandidateInit

	// ICE username fragments of the applied descriptions. Outgoing candidates
	// carry localUfrag; incoming ones tagged with anything but remoteUfrag
	// are stale.
	localUfrag  string
	remoteUfrag string

	senders []*webrtc.RTPSender

	detached       atomic.Bool
	transportState atomic.Int32
}

func NewSession(api *webrtc.API, cfg SessionConfig) (*Session, error) {
	if cfg.Handlers.Post == nil {
		return nil, errors.New("webrtcpeer: Handlers.Post is required")
	}
	if api == nil {
		api = webrtc.NewAPI()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, err
	}

	s := &Session{
		local:  cfg.LocalID,
		remote: cfg.RemoteID,
		pc:     pc,
		h:      cfg.Handlers,
		log:    logger.With("participant", cfg.RemoteID),
	}
	s.transportState.Store(int32(webrtc.PeerConnectionStateNew))
	s.installHandlers()
	return s, nil
}

// post runs fn on the loop unless the session has been torn down.
func (s *Session) post(fn func()) {
	if s.detached.Load() {
		return
	}
	s.h.Post(func() {
		if s.state == StateClosed {
			return
		}
		fn()
	})
}

func (s *Session) installHandlers() {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		cand := c.ToJSON()
		s.post(func() { s.sendLocalCandidate(cand) })
	})

	s.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.post(func() {
			s.log.Info("remote track", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
			if s.h.OnTrack != nil {
				s.h.OnTrack(s.remote, track, receiver)
			}
		})
	})

	s.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.transportState.Store(int32(state))
		s.post(func() {
			s.log.Debug("peer connection state", "state", state.String())
			if state == webrtc.PeerConnectionStateFailed {
				s.fail(errTransportFailed)
			}
		})
	})
}

func (s *Session) Remote() string { return s.remote }

func (s *Session) State() State { return s.state }

// Pending reports whether an offer or answer step is still running.
func (s *Session) Pending() bool { return s.pending != opNone }

// Offering reports whether the session has sent, or is producing, a local
// offer that has not been answered yet.
func (s *Session) Offering() bool {
	return s.state == StateHaveLocalOffer || s.pending == opInitiate
}

// HasLocalMedia reports whether AttachMedia added at least one track.
func (s *Session) HasLocalMedia() bool { return len(s.senders) > 0 }

// BufferedCandidates is the number of remote candidates awaiting a remote
// description.
func (s *Session) BufferedCandidates() int { return len(s.buffered) }

// TransportState is the last connection state reported by pion. It may be
// read from any goroutine.
func (s *Session) TransportState() webrtc.PeerConnectionState {
	return webrtc.PeerConnectionState(s.transportState.Load())
}

// Senders returns the RTP senders of the attached local tracks.
func (s *Session) Senders() []*webrtc.RTPSender {
	return append([]*webrtc.RTPSender(nil), s.senders...)
}

// AttachMedia adds local tracks. It is only legal before negotiation starts.
func (s *Session) AttachMedia(tracks ...webrtc.TrackLocal) error {
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if s.state != StateNew || s.pending != opNone {
		return ErrInvalidState
	}
	for _, track := range tracks {
		sender, err := s.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		s.senders = append(s.senders, sender)
	}
	return nil
}

func (s *Session) checkIdle(want State) error {
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if s.pending != opNone {
		return ErrNegotiationInProgress
	}
	if s.state != want {
		return ErrInvalidState
	}
	return nil
}

// Initiate produces a local offer in the background. The offer is signalled
// and the session moves to StateHaveLocalOffer once it is ready.
func (s *Session) Initiate() error {
	if err := s.checkIdle(StateNew); err != nil {
		return err
	}
	if len(s.senders) == 0 {
		return ErrNoLocalMedia
	}

	s.pending = opInitiate
	go func() {
		offer, err := s.pc.CreateOffer(nil)
		if err == nil {
			err = s.pc.SetLocalDescription(offer)
		}
		s.complete(func() {
			if err != nil {
				s.fail(fmt.Errorf("create offer: %w", err))
				return
			}
			s.localUfrag = iceUfrag(offer)
			s.setState(StateHaveLocalOffer)
			s.sendLocalDescription(meshproto.NewOffer(s.local, s.remote, offer))
		})
	}()
	return nil
}

// ReceiveOffer applies a remote offer and answers it in the background.
func (s *Session) ReceiveOffer(offer webrtc.SessionDescription) error {
	if err := s.checkIdle(StateNew); err != nil {
		return err
	}

	s.pending = opReceiveOffer
	go func() {
		var answer webrtc.SessionDescription
		err := s.pc.SetRemoteDescription(offer)
		if err != nil {
			err = fmt.Errorf("apply remote offer: %w", err)
		} else {
			answer, err = s.pc.CreateAnswer(nil)
			if err == nil {
				err = s.pc.SetLocalDescription(answer)
			}
			if err != nil {
				err = fmt.Errorf("create answer: %w", err)
			}
		}
		s.complete(func() {
			if err != nil {
				s.fail(err)
				return
			}
			s.remoteApplied = true
			s.remoteUfrag = iceUfrag(offer)
			s.localUfrag = iceUfrag(answer)
			s.setState(StateHaveRemoteOffer)
			s.flushRemoteCandidates()
			s.sendLocalDescription(meshproto.NewAnswer(s.local, s.remote, answer))
			s.setState(StateConnected)
		})
	}()
	return nil
}

// ReceiveAnswer applies the remote answer to our outstanding offer.
func (s *Session) ReceiveAnswer(answer webrtc.SessionDescription) error {
	if err := s.checkIdle(StateHaveLocalOffer); err != nil {
		return err
	}

	s.pending = opReceiveAnswer
	go func() {
		err := s.pc.SetRemoteDescription(answer)
		s.complete(func() {
			if err != nil {
				s.fail(fmt.Errorf("apply remote answer: %w", err))
				return
			}
			s.remoteApplied = true
			s.remoteUfrag = iceUfrag(answer)
			s.flushRemoteCandidates()
			s.setState(StateConnected)
		})
	}()
	return nil
}

// ReceiveCandidate applies a remote candidate, or buffers it until a remote
// description has been applied.
func (s *Session) ReceiveCandidate(c webrtc.ICECandidateInit) error {
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if !s.remoteApplied {
		s.buffered = append(s.buffered, c)
		return nil
	}
	return s.addCandidate(c)
}

// Close tears the session down. It detaches local media, stops reacting to
// pion callbacks and releases the PeerConnection. Close is idempotent; a step
// still running in the background is discarded when it completes.
func (s *Session) Close() error {
	if s.state == StateClosed {
		return nil
	}
	s.detached.Store(true)
	s.setState(StateClosed)
	s.buffered = nil
	s.localCandidates = nil

	for _, sender := range s.senders {
		if err := s.pc.RemoveTrack(sender); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
			s.log.Debug("remove track", "err", err)
		}
	}
	s.senders = nil
	return s.pc.Close()
}

// complete posts the result of a background step. Results that arrive after
// Close are discarded.
func (s *Session) complete(fn func()) {
	s.h.Post(func() {
		if s.state == StateClosed {
			s.log.Debug("discarding negotiation result for closed session")
			return
		}
		s.pending = opNone
		fn()
	})
}

func (s *Session) fail(err error) {
	s.log.Warn("peer session failed", "err", err)
	_ = s.Close()
	if s.h.OnFailure != nil {
		s.h.OnFailure(s.remote, err)
	}
}

func (s *Session) setState(state State) {
	if s.state == state {
		return
	}
	s.state = state
	s.log.Debug("peer session state", "state", state.String())
	if s.h.OnState != nil {
		s.h.OnState(s.remote, state)
	}
}

func (s *Session) signal(msg meshproto.SignalMessage) {
	if s.h.Signal != nil {
		s.h.Signal(msg)
	}
}

func (s *Session) sendLocalDescription(msg meshproto.SignalMessage) {
	s.signal(msg)
	s.localSent = true
	pending := s.localCandidates
	s.localCandidates = nil
	for _, c := range pending {
		s.signal(meshproto.NewCandidate(s.local, s.remote, s.tagCandidate(c)))
	}
}

func (s *Session) sendLocalCandidate(c webrtc.ICECandidateInit) {
	if !s.localSent {
		s.localCandidates = append(s.localCandidates, c)
		return
	}
	s.signal(meshproto.NewCandidate(s.local, s.remote, s.tagCandidate(c)))
}

func (s *Session) tagCandidate(c webrtc.ICECandidateInit) webrtc.ICECandidateInit {
	if c.UsernameFragment == nil && s.localUfrag != "" {
		ufrag := s.localUfrag
		c.UsernameFragment = &ufrag
	}
	return c
}

func (s *Session) flushRemoteCandidates() {
	pending := s.buffered
	s.buffered = nil
	for _, c := range pending {
		if err := s.addCandidate(c); err != nil {
			s.log.Debug("dropping buffered candidate", "err", err)
		}
	}
}

func (s *Session) addCandidate(c webrtc.ICECandidateInit) error {
	if c.Candidate == "" {
		// End-of-candidates marker.
		return nil
	}
	if c.UsernameFragment != nil && s.remoteUfrag != "" && *c.UsernameFragment != s.remoteUfrag {
		return ErrStaleCandidate
	}
	return s.pc.AddICECandidate(c)
}

// iceUfrag returns the ICE username fragment of desc, or "" if it has none
// or cannot be parsed.
func iceUfrag(desc webrtc.SessionDescription) string {
	parsed, err := desc.Unmarshal()
	if err != nil {
		return ""
	}
	if v, ok := parsed.Attribute("ice-ufrag"); ok {
		return v
	}
	for _, md := range parsed.MediaDescriptions {
		if v, ok := md.Attribute("ice-ufrag"); ok {
			return v
		}
	}
	return ""
}
