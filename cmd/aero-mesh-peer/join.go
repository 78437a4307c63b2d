package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/agent"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/webrtcpeer"
)

const dialTimeout = 10 * time.Second

func newJoinCmd(f *peerFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a room and connect to every other participant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runJoin(ctx, f.opts)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.opts.ParticipantID, "id", "", "Participant id; random UUID when unset (env AERO_MESH_PARTICIPANT_ID)")
	fl.StringVar(&f.opts.Codec, "codec", "", "Signaling frame codec: json or msgpack (env AERO_MESH_CODEC)")
	fl.BoolVar(&f.opts.Publish, "publish", false, "Publish local media to every participant")
	fl.StringVar(&f.opts.VideoFile, "video-file", "", "IVF (VP8) file played on the video track")
	fl.StringVar(&f.opts.AudioFile, "audio-file", "", "Ogg (Opus) file played on the audio track")
	fl.StringVar(&f.opts.ICE.JSON, "ice-servers-json", "", "ICE servers as JSON (env AERO_ICE_SERVERS_JSON)")
	fl.StringVar(&f.opts.ICE.STUNURLs, "stun-urls", "", "Comma-separated STUN URLs (env AERO_STUN_URLS)")
	fl.StringVar(&f.opts.ICE.TURNURLs, "turn-urls", "", "Comma-separated TURN URLs (env AERO_TURN_URLS)")
	fl.StringVar(&f.opts.ICE.TURNUsername, "turn-username", "", "TURN username (env AERO_TURN_USERNAME)")
	fl.StringVar(&f.opts.ICE.TURNCredential, "turn-credential", "", "TURN credential (env AERO_TURN_CREDENTIAL)")
	fl.StringVar(&f.opts.ICE.TURNRESTSecret, "turn-rest-shared-secret", "", "Derive TURN credentials from this shared secret (env AERO_TURN_REST_SHARED_SECRET)")
	fl.DurationVar(&f.opts.ICE.TURNRESTTTL, "turn-rest-ttl", 0, "Lifetime of derived TURN credentials (env AERO_TURN_REST_TTL)")
	fl.UintVar(&f.opts.UDPPortMin, "webrtc-udp-port-min", 0, "Lowest local UDP port for ICE (env WEBRTC_UDP_PORT_MIN)")
	fl.UintVar(&f.opts.UDPPortMax, "webrtc-udp-port-max", 0, "Highest local UDP port for ICE (env WEBRTC_UDP_PORT_MAX)")
	fl.StringVar(&f.opts.UDPListenIP, "webrtc-udp-listen-ip", "", "Local IP ICE binds to (env WEBRTC_UDP_LISTEN_IP)")
	fl.StringVar(&f.opts.NAT1To1IPs, "webrtc-nat-1to1-ips", "", "Public IPs advertised behind a 1:1 NAT (env WEBRTC_NAT_1TO1_IPS)")
	fl.StringVar(&f.opts.NAT1To1CandidateType, "webrtc-nat-1to1-ip-candidate-type", "", "host or srflx (env WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE)")
	return cmd
}

func runJoin(ctx context.Context, opts config.PeerOptions) error {
	cfg, err := config.LoadPeerFromEnv(opts)
	if err != nil {
		return err
	}
	if cfg.Room == "" {
		return errors.New("AERO_MESH_ROOM/--room is required")
	}

	logger, err := config.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	api, err := webrtcpeer.NewAPI(cfg.WebRTC, webrtcpeer.WithLoggerFactory(webrtcpeer.SlogLoggerFactory{Logger: logger}))
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}

	var src *media.Source
	if cfg.Publish {
		src, err = media.NewSource(cfg.ParticipantID, cfg.VideoFile != "", cfg.AudioFile != "")
		if err != nil {
			return err
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	client, err := signaling.Dial(dialCtx, signaling.ClientConfig{
		URL:    cfg.ServerURL,
		Codec:  cfg.Codec,
		Logger: logger,
	})
	cancel()
	if err != nil {
		return err
	}

	a, err := agent.New(agent.Config{
		Signaler:      client,
		Room:          cfg.Room,
		ParticipantID: cfg.ParticipantID,
		API:           api,
		ICEServers:    cfg.WebRTC.ICEServers,
		Source:        src,
		Publish:       cfg.Publish,
		Logger:        logger,
	})
	if err != nil {
		_ = client.Close()
		return err
	}

	// The agent is stopped explicitly so the session table can be read after
	// an interrupt and before teardown.
	runCtx, stopRun := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRun()
	done := make(chan error, 1)
	go func() { done <- a.Run(runCtx) }()

	select {
	case <-a.Joined():
	case err := <-done:
		return err
	case <-ctx.Done():
		stopRun()
		return <-done
	}

	if roster, err := a.Roster(ctx); err == nil {
		fmt.Println(rosterView(cfg.Room, roster, cfg.ParticipantID))
	}

	if src != nil {
		go func() {
			if err := src.PlayFiles(runCtx, cfg.VideoFile, cfg.AudioFile); err != nil {
				logger.Error("media playback failed", "err", err)
				return
			}
			logger.Info("media playback finished",
				"video_frames", src.VideoFrames(),
				"audio_pages", src.AudioPages(),
			)
		}()
	}

	var sessions []agent.SessionInfo
	select {
	case <-ctx.Done():
		snapCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		sessions, _ = a.Sessions(snapCtx)
		cancel()
		stopRun()
		err = <-done
	case err = <-done:
	}

	fmt.Println(sessionsView(sessions))
	fmt.Println(receiveStatsView(a.Sink().Snapshot(), a.Feedback().Snapshot()))
	return err
}
