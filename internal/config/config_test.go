package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func noEnv(string) (string, bool) { return "", false }

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(noEnv, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("logLevel=%v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.SignalingWSIdleTimeout != DefaultSignalingWSIdleTimeout {
		t.Fatalf("SignalingWSIdleTimeout=%v, want %v", cfg.SignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	}
	if cfg.MaxSignalingMessageBytes != DefaultMaxSignalingMessageBytes {
		t.Fatalf("MaxSignalingMessageBytes=%d, want %d", cfg.MaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	}
	if cfg.SignalingSendQueueLen != DefaultSignalingSendQueueLen {
		t.Fatalf("SignalingSendQueueLen=%d, want %d", cfg.SignalingSendQueueLen, DefaultSignalingSendQueueLen)
	}
	if cfg.MaxRoomParticipants != 0 {
		t.Fatalf("MaxRoomParticipants=%d, want 0", cfg.MaxRoomParticipants)
	}
	if cfg.MDNS {
		t.Fatalf("MDNS=true, want false")
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Fatalf("AllowedOrigins=%v, want empty", cfg.AllowedOrigins)
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(noEnv, []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeProd)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("logLevel=%v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
}

func TestLogFormatExplicitOverride(t *testing.T) {
	cfg, err := load(noEnv, []string{"--mode", "prod", "--log-format", "text"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarListenAddr:            "0.0.0.0:9000",
		envVarMaxRoomParticipants:   "4",
		envVarSignalingSendQueueLen: "32",
	}), []string{"--max-room-participants", "8"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Fatalf("ListenAddr=%q, want env value", cfg.ListenAddr)
	}
	if cfg.MaxRoomParticipants != 8 {
		t.Fatalf("MaxRoomParticipants=%d, want 8", cfg.MaxRoomParticipants)
	}
	if cfg.SignalingSendQueueLen != 32 {
		t.Fatalf("SignalingSendQueueLen=%d, want 32", cfg.SignalingSendQueueLen)
	}
}

func TestPingIntervalMustBeBelowIdleTimeout(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarSignalingWSIdleTimeout:  "10s",
		envVarSignalingWSPingInterval: "10s",
	}), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), envVarSignalingWSPingInterval) {
		t.Fatalf("err=%v, expected it to name %s", err, envVarSignalingWSPingInterval)
	}
}

func TestInvalidValuesAreRejected(t *testing.T) {
	cases := []map[string]string{
		{envVarShutdownTimeout: "soon"},
		{envVarMaxSignalingMessagesPerSecond: "0"},
		{envVarSignalingSendQueueLen: "-1"},
		{envVarMaxRoomParticipants: "-2"},
		{envVarMDNS: "maybe"},
		{envVarMode: "staging"},
		{envVarAllowedOrigins: "example.com"},
		{envVarMaxSignalingBytesPerSecond: "100"},
	}
	for _, env := range cases {
		if _, err := load(lookupMap(env), nil); err == nil {
			t.Fatalf("expected error for %v", env)
		}
	}
}

func TestDurationsFromEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarShutdownTimeout:         "3s",
		envVarSignalingWSIdleTimeout:  "2m",
		envVarSignalingWSPingInterval: "30s",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ShutdownTimeout != 3*time.Second || cfg.SignalingWSIdleTimeout != 2*time.Minute || cfg.SignalingWSPingInterval != 30*time.Second {
		t.Fatalf("unexpected durations: %+v", cfg)
	}
}

func TestLargeSignalingMessages(t *testing.T) {
	cfg, err := load(noEnv, []string{"--max-signaling-message-bytes", "4194304"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.LargeSignalingMessages() {
		t.Fatalf("expected 4MiB cap to be flagged as large")
	}
}

func TestParseAllowedOrigins_NormalizesAndValidates(t *testing.T) {
	got, err := parseAllowedOrigins("HTTPS://Example.COM:443, http://localhost:5173/")
	if err != nil {
		t.Fatalf("parseAllowedOrigins: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len=%d, want 2 (%v)", len(got), got)
	}
	if got[0] != "https://example.com" {
		t.Fatalf("got[0]=%q, want %q", got[0], "https://example.com")
	}
	if got[1] != "http://localhost:5173" {
		t.Fatalf("got[1]=%q, want %q", got[1], "http://localhost:5173")
	}
}

func TestParseAllowedOrigins_AllowsStarAndNull(t *testing.T) {
	got, err := parseAllowedOrigins("*,null")
	if err != nil {
		t.Fatalf("parseAllowedOrigins: %v", err)
	}
	if len(got) != 2 || got[0] != "*" || got[1] != "null" {
		t.Fatalf("got=%v, want [* null]", got)
	}
}

func TestParseAllowedOrigins_RejectsPathQueryAndCredentials(t *testing.T) {
	cases := []string{
		"ftp://example.com",
		"https://example.com/path",
		"https://example.com/?q=1",
		"https://user@example.com",
		"https://example.com/#frag",
	}
	for _, raw := range cases {
		if _, err := parseAllowedOrigins(raw); err == nil {
			t.Fatalf("expected error for %q, got nil", raw)
		}
	}
}

func TestOriginAllowed_SameHostByDefault(t *testing.T) {
	origin, host, ok := NormalizeOrigin("https://mesh.example.com")
	if !ok {
		t.Fatalf("NormalizeOrigin failed")
	}
	if !OriginAllowed(origin, host, "mesh.example.com:443", nil) {
		t.Fatalf("expected same host with default port to be allowed")
	}
	if OriginAllowed(origin, host, "other.example.com", nil) {
		t.Fatalf("expected different host to be rejected")
	}

	v6, v6Host, ok := NormalizeOrigin("http://[::1]:8080")
	if !ok || v6 != "http://[::1]:8080" {
		t.Fatalf("NormalizeOrigin(ipv6)=%q,%v", v6, ok)
	}
	if !OriginAllowed(v6, v6Host, "[::1]:8080", nil) {
		t.Fatalf("expected ipv6 same host to be allowed")
	}
	if OriginAllowed("null", "", "mesh.example.com", nil) {
		t.Fatalf("expected null origin to be rejected without an allow list")
	}
	if !OriginAllowed(origin, host, "anything", []string{"*"}) {
		t.Fatalf("expected wildcard allow list to accept any origin")
	}
}
