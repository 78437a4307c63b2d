package main

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxRoomParticipants <= 0 {
		logger.Warn("startup security warning: MAX_ROOM_PARTICIPANTS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_room_participants_unlimited_in_prod",
			"max_room_participants", cfg.MaxRoomParticipants,
			"mode", cfg.Mode,
		)
	}

	if cfg.LargeSignalingMessages() {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
