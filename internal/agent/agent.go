// Package agent runs one mesh participant: it joins a room over the signaling
// transport and feeds what the server reports into a mesh.Coordinator.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/mesh"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/meshproto"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/webrtcpeer"
)

// ErrJoinRejected wraps the error envelope the server answered a join with.
var ErrJoinRejected = errors.New("join rejected")

// Signaler is the participant side of the signaling transport.
// *signaling.Client implements it.
type Signaler interface {
	Join(room, participant string) error
	Leave(room, participant string) error
	Signal(room string, msg meshproto.SignalMessage) error
	Events() <-chan meshproto.Envelope
	Err() error
	Close() error
}

type Config struct {
	Signaler      Signaler
	Room          string
	ParticipantID string

	API        *webrtc.API
	ICEServers []webrtc.ICEServer

	// Source supplies local media. Nil joins receive-only.
	Source *media.Source
	// Publish starts negotiation on the join snapshot and toward every
	// participant that joins later.
	Publish bool

	Sink     *media.Sink
	Feedback *media.Feedback
	Logger   *slog.Logger
}

// SessionInfo describes one peer session.
type SessionInfo struct {
	Participant string
	State       webrtcpeer.State
	Transport   webrtc.PeerConnectionState
}

type Agent struct {
	cfg   Config
	log   *slog.Logger
	loop  *mesh.Loop
	coord *mesh.Coordinator

	joined     chan struct{}
	joinedSeen bool
}

func New(cfg Config) (*Agent, error) {
	if cfg.Signaler == nil {
		return nil, errors.New("agent: Signaler is required")
	}
	if cfg.Room == "" {
		return nil, errors.New("agent: Room is required")
	}
	if cfg.ParticipantID == "" {
		return nil, errors.New("agent: ParticipantID is required")
	}
	if cfg.Publish && cfg.Source == nil {
		return nil, errors.New("agent: Publish requires a media Source")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Sink == nil {
		cfg.Sink = media.NewSink(logger)
	}
	if cfg.Feedback == nil {
		cfg.Feedback = media.NewFeedback()
	}

	a := &Agent{
		cfg:    cfg,
		log:    logger.With("room", cfg.Room, "participant", cfg.ParticipantID),
		loop:   mesh.NewLoop(),
		joined: make(chan struct{}),
	}
	a.coord = mesh.NewCoordinator(mesh.Config{
		LocalID:    cfg.ParticipantID,
		API:        cfg.API,
		ICEServers: cfg.ICEServers,
		Loop:       a.loop,
		Logger:     logger.With("room", cfg.Room),
		Send:       a.sendSignal,
		OnTrack: func(remote string, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			cfg.Sink.Consume(remote, track)
		},
		OnSessionMedia: func(remote string, senders []*webrtc.RTPSender) {
			cfg.Feedback.Watch(remote, senders)
		},
		OnSessionClosed: func(remote string) {
			cfg.Sink.Remove(remote)
			cfg.Feedback.Remove(remote)
		},
	})
	if cfg.Source != nil {
		a.coord.SetMedia(cfg.Source.Tracks()...)
	}
	return a, nil
}

// Joined is closed once the server acknowledged the join.
func (a *Agent) Joined() <-chan struct{} { return a.joined }

func (a *Agent) Sink() *media.Sink { return a.cfg.Sink }

func (a *Agent) Feedback() *media.Feedback { return a.cfg.Feedback }

// Run joins the room and processes signaling events until ctx is done or the
// connection ends. On the way out it hangs up every session, leaves the room
// and closes the signaling connection.
func (a *Agent) Run(ctx context.Context) error {
	loopCtx, stopLoop := context.WithCancel(context.Background())
	go func() { _ = a.loop.Run(loopCtx) }()
	defer func() {
		stopLoop()
		<-a.loop.Done()
	}()

	if err := a.cfg.Signaler.Join(a.cfg.Room, a.cfg.ParticipantID); err != nil {
		_ = a.cfg.Signaler.Close()
		return fmt.Errorf("send join: %w", err)
	}

	events := a.cfg.Signaler.Events()
	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return nil
		case env, ok := <-events:
			if !ok {
				_ = a.loop.Do(context.Background(), a.coord.Close)
				return a.cfg.Signaler.Err()
			}
			if err := a.handle(env); err != nil {
				a.shutdown()
				return err
			}
		}
	}
}

func (a *Agent) shutdown() {
	_ = a.loop.Do(context.Background(), func() {
		a.coord.Unpublish()
		a.coord.Close()
	})
	if a.joinedSeen {
		if err := a.cfg.Signaler.Leave(a.cfg.Room, a.cfg.ParticipantID); err != nil {
			a.log.Debug("send leave", "err", err)
		}
	}
	_ = a.cfg.Signaler.Close()
}

func (a *Agent) handle(env meshproto.Envelope) error {
	switch env.Type {
	case meshproto.EnvelopeJoined:
		if a.joinedSeen {
			return nil
		}
		a.joinedSeen = true
		a.log.Info("joined room", "roster", env.Roster)
		roster := env.Roster
		a.loop.Post(func() {
			a.coord.OnRosterSnapshot(roster)
			a.publish()
		})
		// Closed after the snapshot is queued so loop queries see it.
		close(a.joined)
	case meshproto.EnvelopeParticipantJoined:
		id := env.ParticipantID
		a.loop.Post(func() {
			a.coord.OnParticipantJoined(id)
			a.publish()
		})
	case meshproto.EnvelopeParticipantLeft:
		id := env.ParticipantID
		a.loop.Post(func() { a.coord.OnParticipantLeft(id) })
	case meshproto.EnvelopeSignal:
		if env.Message == nil {
			return nil
		}
		msg := *env.Message
		a.loop.Post(func() { a.coord.DispatchSignal(msg) })
	case meshproto.EnvelopeLeft:
		a.log.Info("left room")
	case meshproto.EnvelopeRoster:
		a.log.Debug("roster", "roster", env.Roster)
	case meshproto.EnvelopeError:
		if !a.joinedSeen {
			return fmt.Errorf("%w: %s: %s", ErrJoinRejected, env.Code, env.Reason)
		}
		a.log.Warn("signaling error", "code", env.Code, "reason", env.Reason)
	default:
		a.log.Debug("ignoring envelope", "type", env.Type)
	}
	return nil
}

// publish runs on the loop.
func (a *Agent) publish() {
	if !a.cfg.Publish {
		return
	}
	if err := a.coord.Publish(); err != nil && !errors.Is(err, mesh.ErrRosterTooSmall) {
		a.log.Warn("publish failed", "err", err)
	}
}

// sendSignal runs on the loop.
func (a *Agent) sendSignal(msg meshproto.SignalMessage) {
	if err := a.cfg.Signaler.Signal(a.cfg.Room, msg); err != nil {
		a.log.Warn("send signal", "type", msg.Type, "to", msg.To, "err", err)
	}
}

// Roster returns the coordinator's view of the room.
func (a *Agent) Roster(ctx context.Context) ([]string, error) {
	var roster []string
	err := a.loop.Do(ctx, func() { roster = a.coord.Roster() })
	return roster, err
}

// Sessions describes every live peer session.
func (a *Agent) Sessions(ctx context.Context) ([]SessionInfo, error) {
	var out []SessionInfo
	err := a.loop.Do(ctx, func() {
		for _, id := range a.coord.Sessions() {
			sess, _ := a.coord.Session(id)
			out = append(out, SessionInfo{
				Participant: id,
				State:       sess.State(),
				Transport:   sess.TransportState(),
			})
		}
	})
	return out, err
}
