package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/turnrest"
)

const (
	envICEServersJSON = "AERO_ICE_SERVERS_JSON"

	envStunURLs       = "AERO_STUN_URLS"
	envTurnURLs       = "AERO_TURN_URLS"
	envTurnUsername   = "AERO_TURN_USERNAME"
	envTurnCredential = "AERO_TURN_CREDENTIAL"

	envTurnRESTSecret = "AERO_TURN_REST_SHARED_SECRET"
	envTurnRESTTTL    = "AERO_TURN_REST_TTL"
)

// ICESource is the raw ICE configuration as given by the operator. JSON takes
// precedence over the convenience URL lists.
type ICESource struct {
	JSON           string
	STUNURLs       string
	TURNURLs       string
	TURNUsername   string
	TURNCredential string

	// TURNRESTSecret derives per-participant TURN credentials for TURNURLs
	// instead of a fixed username and credential.
	TURNRESTSecret string
	TURNRESTTTL    time.Duration
}

// Servers resolves the ICE server list for participant. The participant id
// only matters when TURN REST credentials are derived.
func (s ICESource) Servers(participant string) ([]webrtc.ICEServer, error) {
	if strings.TrimSpace(s.TURNRESTSecret) != "" {
		if strings.TrimSpace(s.JSON) != "" || len(splitList(s.TURNURLs)) == 0 {
			return nil, fmt.Errorf("%s requires %s (and no %s)", envTurnRESTSecret, envTurnURLs, envICEServersJSON)
		}
		if strings.TrimSpace(s.TURNUsername) != "" || strings.TrimSpace(s.TURNCredential) != "" {
			return nil, fmt.Errorf("%s cannot be combined with %s/%s", envTurnRESTSecret, envTurnUsername, envTurnCredential)
		}
		issuer, err := turnrest.NewIssuer(turnrest.Config{Secret: s.TURNRESTSecret, TTL: s.TURNRESTTTL})
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", envTurnRESTSecret, envTurnRESTTTL, err)
		}
		creds := issuer.Issue(participant)
		return ParseICEServerURLs(s.STUNURLs, s.TURNURLs, creds.Username, creds.Credential)
	}
	if raw := strings.TrimSpace(s.JSON); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	return ParseICEServerURLs(s.STUNURLs, s.TURNURLs, s.TURNUsername, s.TURNCredential)
}

type iceServerJSON struct {
	URLs       oneOrMany `json:"urls"`
	Username   string    `json:"username,omitempty"`
	Credential string    `json:"credential,omitempty"`
}

// oneOrMany accepts both "urls": "stun:..." and "urls": ["stun:...", ...],
// as RTCIceServer does in browsers.
type oneOrMany []string

func (s *oneOrMany) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*s = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses a browser-style RTCIceServer list.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var entries []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		server := webrtc.ICEServer{
			URLs:     splitList(strings.Join(e.URLs, ",")),
			Username: strings.TrimSpace(e.Username),
		}
		if strings.TrimSpace(e.Credential) != "" {
			server.Credential = e.Credential
		}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// ParseICEServerURLs builds at most one STUN and one TURN server entry from
// comma-separated URL lists.
func ParseICEServerURLs(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if urls := splitList(stunURLs); len(urls) > 0 {
		server := webrtc.ICEServer{URLs: urls}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if urls := splitList(turnURLs); len(urls) > 0 {
		turnUsername = strings.TrimSpace(turnUsername)
		turnCredential = strings.TrimSpace(turnCredential)
		if turnUsername == "" || turnCredential == "" {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		server := webrtc.ICEServer{URLs: urls, Username: turnUsername, Credential: turnCredential}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validateICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	needsCreds := false
	for _, url := range server.URLs {
		scheme, _, _ := strings.Cut(url, ":")
		switch scheme {
		case "stun", "stuns":
		case "turn", "turns":
			needsCreds = true
		default:
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
	}
	if !needsCreds {
		return nil
	}

	if server.Username == "" {
		return errors.New("turn urls require username")
	}
	if cred, _ := server.Credential.(string); strings.TrimSpace(cred) == "" {
		return errors.New("turn urls require credential")
	}
	return nil
}
