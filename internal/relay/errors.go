package relay

import "errors"

var (
	ErrMissingRoom        = errors.New("missing room id")
	ErrMissingParticipant = errors.New("missing participant id")
	// ErrParticipantMismatch is returned when a connection already bound to one
	// participant attempts to join under a different id.
	ErrParticipantMismatch = errors.New("connection is bound to a different participant")
	ErrRoomFull            = errors.New("room is full")
)
