package config

import (
	"net"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/meshproto"
)

func TestLoadPeer_Defaults(t *testing.T) {
	cfg, err := LoadPeer(noEnv, PeerOptions{})
	if err != nil {
		t.Fatalf("LoadPeer: %v", err)
	}
	if cfg.ServerURL != DefaultServerURL {
		t.Fatalf("ServerURL=%q, want %q", cfg.ServerURL, DefaultServerURL)
	}
	if _, err := uuid.Parse(cfg.ParticipantID); err != nil {
		t.Fatalf("ParticipantID=%q is not a uuid: %v", cfg.ParticipantID, err)
	}
	if cfg.Codec != meshproto.JSON {
		t.Fatalf("Codec=%v, want JSON", cfg.Codec)
	}
	if cfg.WebRTC.UDPPortRange != nil {
		t.Fatalf("expected UDPPortRange unset, got %+v", *cfg.WebRTC.UDPPortRange)
	}
	if !cfg.WebRTC.UDPListenIP.Equal(net.IPv4zero) {
		t.Fatalf("UDPListenIP=%v, want 0.0.0.0", cfg.WebRTC.UDPListenIP)
	}
	if cfg.WebRTC.NAT1To1CandidateType != NAT1To1CandidateTypeHost {
		t.Fatalf("NAT1To1CandidateType=%q, want %q", cfg.WebRTC.NAT1To1CandidateType, NAT1To1CandidateTypeHost)
	}
	if len(cfg.WebRTC.ICEServers) != 0 {
		t.Fatalf("ICEServers=%v, want none", cfg.WebRTC.ICEServers)
	}
}

func TestLoadPeer_FlagBeatsEnv(t *testing.T) {
	env := lookupMap(map[string]string{
		envVarRoom:          "env-room",
		envVarParticipantID: "env-id",
		envVarCodec:         "msgpack",
	})
	cfg, err := LoadPeer(env, PeerOptions{Room: "flag-room"})
	if err != nil {
		t.Fatalf("LoadPeer: %v", err)
	}
	if cfg.Room != "flag-room" {
		t.Fatalf("Room=%q, want flag-room", cfg.Room)
	}
	if cfg.ParticipantID != "env-id" {
		t.Fatalf("ParticipantID=%q, want env-id", cfg.ParticipantID)
	}
	if cfg.Codec != meshproto.Msgpack {
		t.Fatalf("Codec=%v, want msgpack", cfg.Codec)
	}
}

func TestLoadPeer_RejectsNonWebSocketServer(t *testing.T) {
	if _, err := LoadPeer(noEnv, PeerOptions{ServerURL: "http://127.0.0.1:8080/signal"}); err == nil {
		t.Fatalf("expected error, got nil")
	}
	if _, err := LoadPeer(noEnv, PeerOptions{Codec: "protobuf"}); err == nil {
		t.Fatalf("expected codec error, got nil")
	}
}

func TestLoadPeer_PublishRequiresMedia(t *testing.T) {
	_, err := LoadPeer(noEnv, PeerOptions{Publish: true})
	if err == nil || !strings.Contains(err.Error(), "--publish") {
		t.Fatalf("err=%v, want --publish usage error", err)
	}
	if _, err := LoadPeer(noEnv, PeerOptions{Publish: true, VideoFile: "clip.ivf"}); err != nil {
		t.Fatalf("LoadPeer: %v", err)
	}
}

func TestWebRTCUDPPortRange_RequiresBoth(t *testing.T) {
	_, err := LoadPeer(lookupMap(map[string]string{
		envVarWebRTCPortMin: "40000",
	}), PeerOptions{})
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestWebRTCUDPPortRange_TooSmall(t *testing.T) {
	_, err := LoadPeer(lookupMap(map[string]string{
		envVarWebRTCPortMin: "40000",
		envVarWebRTCPortMax: "40010",
	}), PeerOptions{})
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "too small") {
		t.Fatalf("err=%v, expected mention of too small range", err)
	}
}

func TestWebRTCUDPPortRange_FlagsOverrideEnv(t *testing.T) {
	cfg, err := LoadPeer(lookupMap(map[string]string{
		envVarWebRTCPortMin: "1",
		envVarWebRTCPortMax: "2",
	}), PeerOptions{UDPPortMin: 40000, UDPPortMax: 40199})
	if err != nil {
		t.Fatalf("LoadPeer: %v", err)
	}
	if r := cfg.WebRTC.UDPPortRange; r == nil || r.Min != 40000 || r.Max != 40199 {
		t.Fatalf("UDPPortRange=%+v, want 40000-40199", r)
	}
}

func TestWebRTCNAT1To1IPsAndCandidateType(t *testing.T) {
	cfg, err := LoadPeer(lookupMap(map[string]string{
		envVarNAT1To1IPs:  "203.0.113.1, 2001:db8::1",
		envVarNAT1To1Type: "srflx",
	}), PeerOptions{})
	if err != nil {
		t.Fatalf("LoadPeer: %v", err)
	}
	if got := cfg.WebRTC.NAT1To1IPs; len(got) != 2 || got[0] != "203.0.113.1" || got[1] != "2001:db8::1" {
		t.Fatalf("NAT1To1IPs=%v", got)
	}
	if cfg.WebRTC.NAT1To1CandidateType != NAT1To1CandidateTypeSrflx {
		t.Fatalf("NAT1To1CandidateType=%q, want srflx", cfg.WebRTC.NAT1To1CandidateType)
	}

	if _, err := LoadPeer(lookupMap(map[string]string{envVarNAT1To1IPs: "not-an-ip"}), PeerOptions{}); err == nil {
		t.Fatalf("expected invalid IP error")
	}
	if _, err := LoadPeer(noEnv, PeerOptions{NAT1To1CandidateType: "relay"}); err == nil {
		t.Fatalf("expected invalid candidate type error")
	}
}

func TestWebRTCUDPListenIP(t *testing.T) {
	cfg, err := LoadPeer(noEnv, PeerOptions{UDPListenIP: "127.0.0.1"})
	if err != nil {
		t.Fatalf("LoadPeer: %v", err)
	}
	if !cfg.WebRTC.UDPListenIP.Equal(net.ParseIP("127.0.0.1")) {
		t.Fatalf("UDPListenIP=%v, want 127.0.0.1", cfg.WebRTC.UDPListenIP)
	}
	if _, err := LoadPeer(noEnv, PeerOptions{UDPListenIP: "localhost"}); err == nil {
		t.Fatalf("expected error for hostname listen IP")
	}
}

func TestLoadPeer_ICEServersFromEnv(t *testing.T) {
	cfg, err := LoadPeer(lookupMap(map[string]string{
		envStunURLs: "stun:stun.example.com:3478",
	}), PeerOptions{})
	if err != nil {
		t.Fatalf("LoadPeer: %v", err)
	}
	if len(cfg.WebRTC.ICEServers) != 1 {
		t.Fatalf("ICEServers=%v, want 1", cfg.WebRTC.ICEServers)
	}
}

func TestLoadPeer_TURNRESTFromEnv(t *testing.T) {
	env := lookupMap(map[string]string{
		envVarParticipantID: "carol",
		envTurnURLs:         "turn:turn.example.com:3478",
		envTurnRESTSecret:   "secret",
		envTurnRESTTTL:      "10m",
	})
	cfg, err := LoadPeer(env, PeerOptions{})
	if err != nil {
		t.Fatalf("LoadPeer: %v", err)
	}
	if len(cfg.WebRTC.ICEServers) != 1 {
		t.Fatalf("ICEServers=%v, want one TURN entry", cfg.WebRTC.ICEServers)
	}
	if got := cfg.WebRTC.ICEServers[0].Username; !strings.HasSuffix(got, ":carol") {
		t.Fatalf("Username=%q, want suffix :carol", got)
	}

	env = lookupMap(map[string]string{
		envTurnURLs:       "turn:turn.example.com:3478",
		envTurnRESTSecret: "secret",
		envTurnRESTTTL:    "soon",
	})
	if _, err := LoadPeer(env, PeerOptions{}); err == nil || !strings.Contains(err.Error(), envTurnRESTTTL) {
		t.Fatalf("err=%v, want invalid %s", err, envTurnRESTTTL)
	}
}
