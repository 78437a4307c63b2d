package meshproto

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/vmihailenco/msgpack/v5"
)

func TestJSONCodec_UnmarshalJoin(t *testing.T) {
	got, err := JSON.Unmarshal([]byte(`{"type":"join","room":"R1","participantId":"alice"}`))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != EnvelopeJoin || got.Room != "R1" || got.ParticipantID != "alice" {
		t.Fatalf("unexpected join: %#v", got)
	}
}

func TestJSONCodec_SignalRoundTripKeepsPayloadOpaque(t *testing.T) {
	raw := []byte(`{"type":"signal","room":"R1","message":{"type":"candidate","from":"a","to":"b","payload":{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host","sdpMid":"0","sdpMLineIndex":0}}}`)
	env, err := JSON.Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Message == nil || env.Message.Type != SignalCandidate || env.Message.From != "a" || env.Message.To != "b" {
		t.Fatalf("unexpected message: %#v", env.Message)
	}

	b, err := JSON.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	again, err := JSON.Unmarshal(b)
	if err != nil {
		t.Fatalf("unmarshal again: %v", err)
	}
	if string(again.Message.Payload) != string(env.Message.Payload) {
		t.Fatalf("payload=%s, want %s", again.Message.Payload, env.Message.Payload)
	}

	init, err := again.Message.CandidateInit()
	if err != nil {
		t.Fatalf("CandidateInit: %v", err)
	}
	if init.SDPMid == nil || *init.SDPMid != "0" || init.SDPMLineIndex == nil || *init.SDPMLineIndex != 0 {
		t.Fatalf("unexpected candidate init: %#v", init)
	}
}

func TestJSONCodec_RejectsUnknownFieldsAndTrailingData(t *testing.T) {
	for _, raw := range []string{
		`{"type":"join","room":"R1","participantId":"a","extra":1}`,
		`{"type":"join","room":"R1","participantId":"a"} {}`,
		`{"type":"teleport","room":"R1"}`,
		`{"type":"signal","room":"R1"}`,
		`{"type":"signal","room":"R1","message":{"type":"renegotiate","from":"a"}}`,
		`{"type":"join","room":"R1","participantId":"a","message":{"type":"hangup"}}`,
		`{"type":"error","reason":"no code"}`,
	} {
		if _, err := JSON.Unmarshal([]byte(raw)); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
}

func TestJSONCodec_AcceptsEmptyRoomForUsageErrorReporting(t *testing.T) {
	got, err := JSON.Unmarshal([]byte(`{"type":"join","participantId":"alice"}`))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Room != "" {
		t.Fatalf("room=%q, want empty", got.Room)
	}
}

func TestMsgpackCodec_RoundTripSignal(t *testing.T) {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	env := SignalRequest("R1", NewOffer("alice", "bob", desc))

	b, err := Msgpack.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Msgpack.Unmarshal(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != EnvelopeSignal || got.Room != "R1" || got.Message == nil {
		t.Fatalf("unexpected envelope: %#v", got)
	}
	gotDesc, err := got.Message.Description()
	if err != nil {
		t.Fatalf("Description: %v", err)
	}
	if gotDesc.Type != webrtc.SDPTypeOffer || gotDesc.SDP != "v=0" {
		t.Fatalf("desc=%#v, want offer v=0", gotDesc)
	}
}

func TestMsgpackCodec_RejectsUnknownFieldsAndTrailingData(t *testing.T) {
	extra, err := msgpack.Marshal(map[string]any{"type": "join", "room": "R1", "bogus": true})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := Msgpack.Unmarshal(extra); err == nil {
		t.Fatalf("expected unknown field error")
	}

	ok, err := Msgpack.Marshal(JoinRequest("R1", "a"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := Msgpack.Unmarshal(append(ok, 0xc0)); err == nil {
		t.Fatalf("expected trailing data error")
	}
	if _, err := Msgpack.Unmarshal(nil); err == nil {
		t.Fatalf("expected empty frame error")
	}
}

func TestCodecForSubprotocol(t *testing.T) {
	for name, want := range map[string]Codec{
		"":                 JSON,
		SubprotocolJSON:    JSON,
		SubprotocolMsgpack: Msgpack,
	} {
		got, ok := CodecForSubprotocol(name)
		if !ok || got != want {
			t.Fatalf("CodecForSubprotocol(%q)=%v,%v", name, got, ok)
		}
	}
	if _, ok := CodecForSubprotocol("chat"); ok {
		t.Fatalf("expected unknown subprotocol to be rejected")
	}
}

func TestSignalMessage_DescriptionRejectsMismatchedType(t *testing.T) {
	msg := NewAnswer("a", "b", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	msg.Type = SignalOffer
	if _, err := msg.Description(); err == nil {
		t.Fatalf("expected sdp type mismatch error")
	}
	if _, err := NewHangup("a", "b").Description(); err == nil {
		t.Fatalf("expected hangup to carry no description")
	}
	if _, err := NewHangup("a", "b").CandidateInit(); err == nil {
		t.Fatalf("expected hangup to carry no candidate")
	}
}
