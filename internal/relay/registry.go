package relay

import (
	"sort"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/meshproto"
)

// Conn is the server-side handle of the transport backing one participant.
//
// Send must not block; it reports false when the envelope could not be queued.
type Conn interface {
	ID() string
	Send(meshproto.Envelope) bool
}

// Departure records one room a disconnected participant was removed from.
type Departure struct {
	Room        string
	Participant string
}

// JoinResult describes the registry change made by Join.
type JoinResult struct {
	// Roster is the sorted room membership including the joining participant.
	Roster []string
	// Added is false when the participant was already a member of the room.
	Added bool
	// Superseded is the handle previously bound to the participant, if a
	// different one.
	Superseded Conn
	// Departures lists the memberships dropped with the superseded handle,
	// this room included. The new handle starts with only this room.
	Departures []Departure
}

// Registry maps rooms to participants and participants to connection handles.
// It is safe for concurrent use.
type Registry struct {
	maxRoomSize int

	mu       sync.RWMutex
	rooms    map[string]map[string]struct{}
	memberOf map[string]map[string]struct{}
	handles  map[string]Conn
	// owners is keyed by Conn.ID so stale handles can be recognised on
	// disconnect.
	owners map[string]string
}

// NewRegistry returns an empty registry. maxRoomSize <= 0 means unlimited.
func NewRegistry(maxRoomSize int) *Registry {
	return &Registry{
		maxRoomSize: maxRoomSize,
		rooms:       make(map[string]map[string]struct{}),
		memberOf:    make(map[string]map[string]struct{}),
		handles:     make(map[string]Conn),
		owners:      make(map[string]string),
	}
}

func (r *Registry) Join(room, participant string, conn Conn) (JoinResult, error) {
	if room == "" {
		return JoinResult{}, ErrMissingRoom
	}
	if participant == "" {
		return JoinResult{}, ErrMissingParticipant
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.owners[conn.ID()]; ok && owner != participant {
		return JoinResult{}, ErrParticipantMismatch
	}

	members := r.rooms[room]
	_, already := members[participant]
	if !already && r.maxRoomSize > 0 && len(members) >= r.maxRoomSize {
		return JoinResult{}, ErrRoomFull
	}

	var res JoinResult
	if prev, ok := r.handles[participant]; ok && prev.ID() != conn.ID() {
		res.Superseded = prev
		for _, held := range sortedKeys(r.memberOf[participant]) {
			if r.leaveLocked(held, participant) {
				res.Departures = append(res.Departures, Departure{Room: held, Participant: participant})
			}
		}
		delete(r.owners, prev.ID())
		delete(r.handles, participant)
		members = r.rooms[room]
		_, already = members[participant]
	}
	r.handles[participant] = conn
	r.owners[conn.ID()] = participant

	if members == nil {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[participant] = struct{}{}

	rooms := r.memberOf[participant]
	if rooms == nil {
		rooms = make(map[string]struct{})
		r.memberOf[participant] = rooms
	}
	rooms[room] = struct{}{}

	res.Added = !already
	res.Roster = sortedKeys(members)
	return res, nil
}

// Leave removes participant from room and reports whether it was a member.
// Leaving the last room releases the participant's connection handle.
func (r *Registry) Leave(room, participant string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(room, participant)
}

// LeaveFrom is Leave on behalf of conn. It changes nothing unless conn is the
// handle currently bound to participant, so a superseded handle cannot evict
// its replacement.
func (r *Registry) LeaveFrom(room, participant string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handles[participant]; !ok || cur.ID() != conn.ID() {
		return false
	}
	return r.leaveLocked(room, participant)
}

func (r *Registry) leaveLocked(room, participant string) bool {
	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	if _, ok := members[participant]; !ok {
		return false
	}
	delete(members, participant)
	if len(members) == 0 {
		delete(r.rooms, room)
	}

	rooms := r.memberOf[participant]
	delete(rooms, room)
	if len(rooms) == 0 {
		delete(r.memberOf, participant)
		if conn, ok := r.handles[participant]; ok {
			delete(r.owners, conn.ID())
			delete(r.handles, participant)
		}
	}
	return true
}

// Disconnect removes the participant owning conn from every room it was in.
// A handle that was superseded, or never joined, owns nothing and yields no
// departures.
func (r *Registry) Disconnect(conn Conn) []Departure {
	r.mu.Lock()
	defer r.mu.Unlock()

	participant, ok := r.owners[conn.ID()]
	if !ok {
		return nil
	}
	rooms := sortedKeys(r.memberOf[participant])
	out := make([]Departure, 0, len(rooms))
	for _, room := range rooms {
		if r.leaveLocked(room, participant) {
			out = append(out, Departure{Room: room, Participant: participant})
		}
	}
	delete(r.owners, conn.ID())
	if cur, ok := r.handles[participant]; ok && cur.ID() == conn.ID() {
		delete(r.handles, participant)
	}
	return out
}

// Roster returns the sorted membership of room. Unknown rooms are empty.
func (r *Registry) Roster(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.rooms[room])
}

// IsMember reports whether participant is currently in room.
func (r *Registry) IsMember(room, participant string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][participant]
	return ok
}

// Owner returns the participant bound to conn, if any.
func (r *Registry) Owner(conn Conn) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.owners[conn.ID()]
	return p, ok
}

// RoomCount returns the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// ParticipantCount returns the number of participants with a live handle.
func (r *Registry) ParticipantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

func (r *Registry) lookup(room, participant string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.rooms[room][participant]; !ok {
		return nil, false
	}
	conn, ok := r.handles[participant]
	return conn, ok
}

// recipients returns the handles of every member of room except the given
// participant, ordered by participant id.
func (r *Registry) recipients(room, except string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := sortedKeys(r.rooms[room])
	out := make([]Conn, 0, len(ids))
	for _, id := range ids {
		if id == except {
			continue
		}
		if conn, ok := r.handles[id]; ok {
			out = append(out, conn)
		}
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
