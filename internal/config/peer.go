package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/meshproto"
)

const (
	envVarServerURL      = "AERO_MESH_SERVER_URL"
	envVarRoom           = "AERO_MESH_ROOM"
	envVarParticipantID  = "AERO_MESH_PARTICIPANT_ID"
	envVarCodec          = "AERO_MESH_CODEC"
	envVarPeerLogFormat  = "AERO_MESH_PEER_LOG_FORMAT"
	envVarPeerLogLevel   = "AERO_MESH_PEER_LOG_LEVEL"
	envVarWebRTCPortMin  = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCPortMax  = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCListenIP = "WEBRTC_UDP_LISTEN_IP"
	envVarNAT1To1IPs     = "WEBRTC_NAT_1TO1_IPS"
	envVarNAT1To1Type    = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"

	DefaultServerURL         = "ws://127.0.0.1:8080/signal"
	DefaultWebRTCUDPListenIP = "0.0.0.0"
)

// recommendedWebRTCUDPPortRangeSize is a conservative floor: every peer
// session gathers its own candidates, and a full mesh of N peers needs N-1
// sessions.
const recommendedWebRTCUDPPortRangeSize = 100

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// WebRTCConfig holds the media stack settings shared by every peer session.
type WebRTCConfig struct {
	ICEServers []webrtc.ICEServer

	// UDPPortRange restricts the ports used for ICE. Nil leaves port selection
	// to the OS.
	UDPPortRange *UDPPortRange

	// UDPListenIP restricts which local address ICE binds to. An unspecified
	// address means every interface.
	UDPListenIP net.IP

	// NAT1To1IPs are public addresses advertised in place of local ones when
	// the peer sits behind a static 1:1 NAT.
	NAT1To1IPs           []string
	NAT1To1CandidateType NAT1To1IPCandidateType
}

// PeerOptions carries command line values. Zero values fall through to the
// environment and then to defaults.
type PeerOptions struct {
	ServerURL     string
	Room          string
	ParticipantID string
	Codec         string

	ICE ICESource

	UDPPortMin           uint
	UDPPortMax           uint
	UDPListenIP          string
	NAT1To1IPs           string
	NAT1To1CandidateType string

	Publish   bool
	VideoFile string
	AudioFile string

	LogFormat string
	LogLevel  string
}

// PeerConfig is the resolved configuration of one mesh participant.
type PeerConfig struct {
	ServerURL     string
	Room          string
	ParticipantID string
	Codec         meshproto.Codec

	WebRTC WebRTCConfig

	Publish   bool
	VideoFile string
	AudioFile string

	LogFormat LogFormat
	LogLevel  slog.Level
}

func LoadPeerFromEnv(opts PeerOptions) (PeerConfig, error) {
	return LoadPeer(os.LookupEnv, opts)
}

// LoadPeer resolves opts against the environment. Room is not required here;
// commands that join a room check it themselves.
func LoadPeer(lookup func(string) (string, bool), opts PeerOptions) (PeerConfig, error) {
	pick := func(flagValue, env, fallback string) string {
		if v := strings.TrimSpace(flagValue); v != "" {
			return v
		}
		return strings.TrimSpace(envOrDefault(lookup, env, fallback))
	}

	serverURL := pick(opts.ServerURL, envVarServerURL, DefaultServerURL)
	u, err := url.Parse(serverURL)
	if err != nil {
		return PeerConfig{}, fmt.Errorf("invalid %s/--server %q: %w", envVarServerURL, serverURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return PeerConfig{}, fmt.Errorf("invalid %s/--server %q (expected ws:// or wss://)", envVarServerURL, serverURL)
	}
	if u.Host == "" {
		return PeerConfig{}, fmt.Errorf("invalid %s/--server %q (missing host)", envVarServerURL, serverURL)
	}

	participantID := pick(opts.ParticipantID, envVarParticipantID, "")
	if participantID == "" {
		participantID = uuid.NewString()
	}

	codecName := pick(opts.Codec, envVarCodec, "json")
	var codec meshproto.Codec
	switch strings.ToLower(codecName) {
	case "json":
		codec = meshproto.JSON
	case "msgpack":
		codec = meshproto.Msgpack
	default:
		return PeerConfig{}, fmt.Errorf("invalid %s/--codec %q (expected json or msgpack)", envVarCodec, codecName)
	}

	logFormat, err := parseLogFormat(pick(opts.LogFormat, envVarPeerLogFormat, string(LogFormatText)))
	if err != nil {
		return PeerConfig{}, err
	}
	logLevel, err := parseLogLevel(pick(opts.LogLevel, envVarPeerLogLevel, "info"))
	if err != nil {
		return PeerConfig{}, err
	}

	webrtcCfg, err := loadWebRTC(lookup, opts, participantID, pick)
	if err != nil {
		return PeerConfig{}, err
	}

	if opts.Publish && opts.VideoFile == "" && opts.AudioFile == "" {
		return PeerConfig{}, fmt.Errorf("--publish requires --video-file and/or --audio-file")
	}

	return PeerConfig{
		ServerURL:     serverURL,
		Room:          pick(opts.Room, envVarRoom, ""),
		ParticipantID: participantID,
		Codec:         codec,
		WebRTC:        webrtcCfg,
		Publish:       opts.Publish,
		VideoFile:     opts.VideoFile,
		AudioFile:     opts.AudioFile,
		LogFormat:     logFormat,
		LogLevel:      logLevel,
	}, nil
}

func loadWebRTC(lookup func(string) (string, bool), opts PeerOptions, participantID string, pick func(string, string, string) string) (WebRTCConfig, error) {
	ttl := opts.ICE.TURNRESTTTL
	if ttl == 0 {
		var err error
		ttl, err = envDurationOrDefault(lookup, envTurnRESTTTL, 0)
		if err != nil {
			return WebRTCConfig{}, err
		}
	}
	ice := ICESource{
		JSON:           pick(opts.ICE.JSON, envICEServersJSON, ""),
		STUNURLs:       pick(opts.ICE.STUNURLs, envStunURLs, ""),
		TURNURLs:       pick(opts.ICE.TURNURLs, envTurnURLs, ""),
		TURNUsername:   pick(opts.ICE.TURNUsername, envTurnUsername, ""),
		TURNCredential: pick(opts.ICE.TURNCredential, envTurnCredential, ""),
		TURNRESTSecret: pick(opts.ICE.TURNRESTSecret, envTurnRESTSecret, ""),
		TURNRESTTTL:    ttl,
	}
	iceServers, err := ice.Servers(participantID)
	if err != nil {
		return WebRTCConfig{}, err
	}

	portMin, err := portOption(lookup, opts.UDPPortMin, envVarWebRTCPortMin)
	if err != nil {
		return WebRTCConfig{}, err
	}
	portMax, err := portOption(lookup, opts.UDPPortMax, envVarWebRTCPortMax)
	if err != nil {
		return WebRTCConfig{}, err
	}
	var portRange *UDPPortRange
	if portMin != 0 || portMax != 0 {
		if portMin == 0 || portMax == 0 {
			return WebRTCConfig{}, fmt.Errorf("%s/--webrtc-udp-port-min and %s/--webrtc-udp-port-max must be set together (or both unset)", envVarWebRTCPortMin, envVarWebRTCPortMax)
		}
		if portMin > portMax {
			return WebRTCConfig{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", portMin, portMax)
		}
		if size := int(portMax) - int(portMin) + 1; size < recommendedWebRTCUDPPortRangeSize {
			return WebRTCConfig{}, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
		}
		portRange = &UDPPortRange{Min: portMin, Max: portMax}
	}

	listenIPStr := pick(opts.UDPListenIP, envVarWebRTCListenIP, DefaultWebRTCUDPListenIP)
	listenIP := net.ParseIP(listenIPStr)
	if listenIP == nil {
		return WebRTCConfig{}, fmt.Errorf("invalid %s/--webrtc-udp-listen-ip %q", envVarWebRTCListenIP, listenIPStr)
	}

	var natIPs []string
	if raw := pick(opts.NAT1To1IPs, envVarNAT1To1IPs, ""); raw != "" {
		natIPs, err = parseIPList(raw)
		if err != nil {
			return WebRTCConfig{}, fmt.Errorf("invalid %s/--webrtc-nat-1to1-ips %q: %w", envVarNAT1To1IPs, raw, err)
		}
	}
	natTypeStr := pick(opts.NAT1To1CandidateType, envVarNAT1To1Type, string(NAT1To1CandidateTypeHost))
	natType, err := parseCandidateType(natTypeStr)
	if err != nil {
		return WebRTCConfig{}, fmt.Errorf("invalid %s/--webrtc-nat-1to1-ip-candidate-type %q: %w", envVarNAT1To1Type, natTypeStr, err)
	}

	return WebRTCConfig{
		ICEServers:           iceServers,
		UDPPortRange:         portRange,
		UDPListenIP:          listenIP,
		NAT1To1IPs:           natIPs,
		NAT1To1CandidateType: natType,
	}, nil
}

func portOption(lookup func(string) (string, bool), flagValue uint, env string) (uint16, error) {
	if flagValue != 0 {
		return parsePortUint(flagValue)
	}
	raw, ok := lookup(env)
	if !ok || strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	p, err := parsePortString(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", env, err)
	}
	return p, nil
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range splitList(s) {
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
