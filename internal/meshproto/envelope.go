package meshproto

import "fmt"

type EnvelopeType string

const (
	// Client to server.
	EnvelopeJoin   EnvelopeType = "join"
	EnvelopeLeave  EnvelopeType = "leave"
	EnvelopeSignal EnvelopeType = "signal"
	EnvelopeRoster EnvelopeType = "roster"

	// Server to client. Signal and roster envelopes travel both ways.
	EnvelopeJoined            EnvelopeType = "joined"
	EnvelopeLeft              EnvelopeType = "left"
	EnvelopeParticipantJoined EnvelopeType = "participant-joined"
	EnvelopeParticipantLeft   EnvelopeType = "participant-left"
	EnvelopeError             EnvelopeType = "error"
)

// Error codes carried by error envelopes.
const (
	CodeMissingRoom         = "missing_room"
	CodeMissingParticipant  = "missing_participant"
	CodeParticipantMismatch = "participant_mismatch"
	CodeRoomFull            = "room_full"
	CodeBadMessage          = "bad_message"
	CodeNotJoined           = "not_joined"
	CodeRateLimited         = "rate_limited"
)

// Envelope is one frame on the signaling transport.
type Envelope struct {
	Type          EnvelopeType   `json:"type" msgpack:"type"`
	Room          string         `json:"room,omitempty" msgpack:"room,omitempty"`
	ParticipantID string         `json:"participantId,omitempty" msgpack:"participantId,omitempty"`
	Roster        []string       `json:"roster,omitempty" msgpack:"roster,omitempty"`
	Message       *SignalMessage `json:"message,omitempty" msgpack:"message,omitempty"`
	Code          string         `json:"code,omitempty" msgpack:"code,omitempty"`
	Reason        string         `json:"reason,omitempty" msgpack:"reason,omitempty"`
}

func JoinRequest(room, participant string) Envelope {
	return Envelope{Type: EnvelopeJoin, Room: room, ParticipantID: participant}
}

func LeaveRequest(room, participant string) Envelope {
	return Envelope{Type: EnvelopeLeave, Room: room, ParticipantID: participant}
}

func SignalRequest(room string, msg SignalMessage) Envelope {
	return Envelope{Type: EnvelopeSignal, Room: room, Message: &msg}
}

func RosterRequest(room string) Envelope {
	return Envelope{Type: EnvelopeRoster, Room: room}
}

func ErrorEnvelope(code, reason string) Envelope {
	return Envelope{Type: EnvelopeError, Code: code, Reason: reason}
}

// Validate checks that the envelope only carries the fields its type allows.
// Emptiness of room and participant ids is a usage error reported by the
// relay, not a framing error, so it is not checked here.
func (e Envelope) Validate() error {
	hasRoster := e.Roster != nil
	hasMessage := e.Message != nil
	hasError := e.Code != "" || e.Reason != ""

	switch e.Type {
	case EnvelopeJoin, EnvelopeLeave, EnvelopeLeft, EnvelopeParticipantJoined, EnvelopeParticipantLeft:
		if hasRoster || hasMessage || hasError {
			return fmt.Errorf("%s envelope has unexpected fields", e.Type)
		}
	case EnvelopeJoined:
		if hasMessage || hasError {
			return fmt.Errorf("joined envelope has unexpected fields")
		}
	case EnvelopeSignal:
		if !hasMessage {
			return fmt.Errorf("signal envelope missing message")
		}
		if e.ParticipantID != "" || hasRoster || hasError {
			return fmt.Errorf("signal envelope has unexpected fields")
		}
		if err := e.Message.Validate(); err != nil {
			return err
		}
	case EnvelopeRoster:
		if e.ParticipantID != "" || hasMessage || hasError {
			return fmt.Errorf("roster envelope has unexpected fields")
		}
	case EnvelopeError:
		if e.Code == "" {
			return fmt.Errorf("error envelope missing code")
		}
		if e.ParticipantID != "" || hasRoster || hasMessage {
			return fmt.Errorf("error envelope has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported envelope type %q", e.Type)
	}
	return nil
}
