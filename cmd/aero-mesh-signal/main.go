package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/discovery"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/webrtcpeer"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

// app is the wired signaling service.
type app struct {
	http    *httpserver.Server
	sig     *signaling.Server
	metrics *metrics.Metrics
}

func newApp(cfg config.Config, logger *slog.Logger, build httpserver.BuildInfo) *app {
	m := metrics.New()
	reg := relay.NewRegistry(cfg.MaxRoomParticipants)
	r := relay.New(reg, m, logger)

	srv := httpserver.New(cfg, logger, build)
	sig := signaling.NewServer(signaling.Config{
		Relay:                r,
		Metrics:              m,
		Logger:               logger,
		WSIdleTimeout:        cfg.SignalingWSIdleTimeout,
		WSPingInterval:       cfg.SignalingWSPingInterval,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		MaxBytesPerSecond:    cfg.MaxSignalingBytesPerSecond,
		SendQueueLen:         cfg.SignalingSendQueueLen,
	})

	// Method routing happens inside the signaling handler so the origin
	// policy can answer CORS preflights first.
	sigHandler := srv.WithOriginPolicy(sig.Handler())
	srv.Mux().Handle("/signal", sigHandler)
	srv.Mux().Handle("/rooms/{room}", sigHandler)

	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m,
		metrics.Gauge{Name: "aero_mesh_signal_rooms", Help: "Rooms with at least one participant.", Value: reg.RoomCount},
		metrics.Gauge{Name: "aero_mesh_signal_participants", Help: "Participants with a live connection.", Value: reg.ParticipantCount},
		metrics.Gauge{Name: "aero_mesh_signal_connections", Help: "Open signaling WebSocket connections.", Value: sig.ConnCount},
	))
	srv.AddReadinessCheck("signaling", sig.Ready)

	return &app{http: srv, sig: sig, metrics: m}
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-mesh-signal",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"max_room_participants", cfg.MaxRoomParticipants,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"signaling_ws_idle_timeout", cfg.SignalingWSIdleTimeout,
		"mdns", cfg.MDNS,
	)
	logStartupSecurityWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	a := newApp(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})

	var adv *discovery.Advertisement
	if cfg.MDNS {
		port := ln.Addr().(*net.TCPAddr).Port
		adv, err = discovery.Advertise(discovery.AdvertiserConfig{
			Instance:      cfg.MDNSInstance,
			Port:          port,
			Path:          "/signal",
			LoggerFactory: webrtcpeer.SlogLoggerFactory{Logger: logger},
		})
		if err != nil {
			// Discovery is a convenience; peers can still be pointed at the
			// server explicitly.
			logger.Warn("mdns advertisement failed", "err", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.http.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		a.sig.Close()
		if adv != nil {
			adv.Shutdown()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	if adv != nil {
		adv.Shutdown()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Close the WebSockets first: http.Server.Shutdown does not wait for
	// hijacked connections.
	a.sig.Close()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
