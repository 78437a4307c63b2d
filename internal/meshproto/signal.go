package meshproto

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
	SignalHangup    SignalType = "hangup"
)

func (t SignalType) valid() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalCandidate, SignalHangup:
		return true
	default:
		return false
	}
}

// SignalMessage is a single negotiation step addressed from one participant
// to another. An empty To means "every other member of the room".
type SignalMessage struct {
	Type    SignalType      `json:"type" msgpack:"type"`
	From    string          `json:"from,omitempty" msgpack:"from,omitempty"`
	To      string          `json:"to,omitempty" msgpack:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

func (m SignalMessage) Validate() error {
	if !m.Type.valid() {
		return fmt.Errorf("unsupported signal type %q", m.Type)
	}
	return nil
}

// SessionDescription is the payload of offer and answer messages.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SessionDescriptionFromPion(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	if s.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("empty sdp")
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is the payload of candidate messages.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func NewOffer(from, to string, desc webrtc.SessionDescription) SignalMessage {
	return SignalMessage{Type: SignalOffer, From: from, To: to, Payload: encodePayload(SessionDescriptionFromPion(desc))}
}

func NewAnswer(from, to string, desc webrtc.SessionDescription) SignalMessage {
	return SignalMessage{Type: SignalAnswer, From: from, To: to, Payload: encodePayload(SessionDescriptionFromPion(desc))}
}

func NewCandidate(from, to string, init webrtc.ICECandidateInit) SignalMessage {
	return SignalMessage{Type: SignalCandidate, From: from, To: to, Payload: encodePayload(CandidateFromPion(init))}
}

func NewHangup(from, to string) SignalMessage {
	return SignalMessage{Type: SignalHangup, From: from, To: to}
}

// Description decodes the session description carried by an offer or answer.
func (m SignalMessage) Description() (webrtc.SessionDescription, error) {
	if m.Type != SignalOffer && m.Type != SignalAnswer {
		return webrtc.SessionDescription{}, fmt.Errorf("%s message has no session description", m.Type)
	}
	if len(m.Payload) == 0 {
		return webrtc.SessionDescription{}, fmt.Errorf("%s message missing payload", m.Type)
	}
	var sd SessionDescription
	if err := json.Unmarshal(m.Payload, &sd); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	if sd.Type != string(m.Type) {
		return webrtc.SessionDescription{}, fmt.Errorf("%s message has sdp type %q", m.Type, sd.Type)
	}
	return sd.ToPion()
}

// CandidateInit decodes the ICE candidate carried by a candidate message.
func (m SignalMessage) CandidateInit() (webrtc.ICECandidateInit, error) {
	if m.Type != SignalCandidate {
		return webrtc.ICECandidateInit{}, fmt.Errorf("%s message has no candidate", m.Type)
	}
	if len(m.Payload) == 0 {
		return webrtc.ICECandidateInit{}, fmt.Errorf("candidate message missing payload")
	}
	var c Candidate
	if err := json.Unmarshal(m.Payload, &c); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("decode candidate payload: %w", err)
	}
	return c.ToPion(), nil
}

func encodePayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// Only reachable with the fixed payload structs above.
		panic(err)
	}
	return b
}
