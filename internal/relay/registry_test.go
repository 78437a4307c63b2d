package relay

import (
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"sort"
	"testing"
)

func TestRegistry_JoinReturnsSortedRosterIncludingJoiner(t *testing.T) {
	reg := NewRegistry(0)
	if _, err := reg.Join("R1", "bob", newRecordingConn("c-bob")); err != nil {
		t.Fatalf("join bob: %v", err)
	}
	res, err := reg.Join("R1", "alice", newRecordingConn("c-alice"))
	if err != nil {
		t.Fatalf("join alice: %v", err)
	}
	if want := []string{"alice", "bob"}; !reflect.DeepEqual(res.Roster, want) {
		t.Fatalf("roster=%v, want %v", res.Roster, want)
	}
	if !res.Added || res.Superseded != nil {
		t.Fatalf("unexpected join result: %#v", res)
	}
}

func TestRegistry_JoinRequiresRoomAndParticipant(t *testing.T) {
	reg := NewRegistry(0)
	if _, err := reg.Join("", "alice", newRecordingConn("c1")); !errors.Is(err, ErrMissingRoom) {
		t.Fatalf("err=%v, want %v", err, ErrMissingRoom)
	}
	if _, err := reg.Join("R1", "", newRecordingConn("c1")); !errors.Is(err, ErrMissingParticipant) {
		t.Fatalf("err=%v, want %v", err, ErrMissingParticipant)
	}
	if got := reg.RoomCount(); got != 0 {
		t.Fatalf("RoomCount=%d, want 0", got)
	}
}

func TestRegistry_LeaveIsIdempotent(t *testing.T) {
	reg := NewRegistry(0)
	conn := newRecordingConn("c1")
	if _, err := reg.Join("R1", "alice", conn); err != nil {
		t.Fatalf("join: %v", err)
	}
	if !reg.Leave("R1", "alice") {
		t.Fatalf("expected first leave to remove alice")
	}
	if reg.Leave("R1", "alice") {
		t.Fatalf("expected second leave to be a no-op")
	}
	if reg.Leave("nope", "nobody") {
		t.Fatalf("expected leave of unknown room to be a no-op")
	}
	if _, ok := reg.Owner(conn); ok {
		t.Fatalf("expected handle to be released after leaving the last room")
	}
}

func TestRegistry_RosterMatchesMostRecentJoinLeaveSequence(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	reg := NewRegistry(0)
	model := map[string]map[string]bool{}
	conns := map[string]*recordingConn{}

	rooms := []string{"R1", "R2", "R3"}
	for i := 0; i < 2000; i++ {
		room := rooms[rng.Intn(len(rooms))]
		p := fmt.Sprintf("p%d", rng.Intn(6))
		conn := conns[p]
		if conn == nil {
			conn = newRecordingConn("c-" + p)
			conns[p] = conn
		}
		if model[room] == nil {
			model[room] = map[string]bool{}
		}
		if rng.Intn(2) == 0 {
			if _, err := reg.Join(room, p, conn); err != nil {
				t.Fatalf("join: %v", err)
			}
			model[room][p] = true
		} else {
			reg.Leave(room, p)
			delete(model[room], p)
		}

		for _, r := range rooms {
			want := make([]string, 0, len(model[r]))
			for id := range model[r] {
				want = append(want, id)
			}
			sort.Strings(want)
			if got := reg.Roster(r); !reflect.DeepEqual(got, want) {
				t.Fatalf("step %d: roster(%s)=%v, want %v", i, r, got, want)
			}
		}
	}
}

func TestRegistry_DisconnectRemovesParticipantFromEveryRoom(t *testing.T) {
	reg := NewRegistry(0)
	alice := newRecordingConn("c-alice")
	bob := newRecordingConn("c-bob")
	for _, room := range []string{"R2", "R1", "R3"} {
		if _, err := reg.Join(room, "alice", alice); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	if _, err := reg.Join("R1", "bob", bob); err != nil {
		t.Fatalf("join: %v", err)
	}

	deps := reg.Disconnect(alice)
	want := []Departure{{"R1", "alice"}, {"R2", "alice"}, {"R3", "alice"}}
	if !reflect.DeepEqual(deps, want) {
		t.Fatalf("departures=%v, want %v", deps, want)
	}
	if got := reg.Roster("R1"); !reflect.DeepEqual(got, []string{"bob"}) {
		t.Fatalf("roster(R1)=%v, want [bob]", got)
	}
	if got := reg.RoomCount(); got != 1 {
		t.Fatalf("RoomCount=%d, want 1", got)
	}
	if got := reg.ParticipantCount(); got != 1 {
		t.Fatalf("ParticipantCount=%d, want 1", got)
	}
	if deps := reg.Disconnect(alice); len(deps) != 0 {
		t.Fatalf("second disconnect departures=%v, want none", deps)
	}
}

func TestRegistry_SecondJoinSupersedesHandle(t *testing.T) {
	reg := NewRegistry(0)
	old := newRecordingConn("c-old")
	fresh := newRecordingConn("c-new")
	for _, room := range []string{"R1", "R2"} {
		if _, err := reg.Join(room, "alice", old); err != nil {
			t.Fatalf("join %s: %v", room, err)
		}
	}
	if _, err := reg.Join("R1", "bob", newRecordingConn("c-bob")); err != nil {
		t.Fatalf("join bob: %v", err)
	}

	res, err := reg.Join("R1", "alice", fresh)
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if res.Superseded != old {
		t.Fatalf("superseded=%v, want old handle", res.Superseded)
	}
	want := []Departure{{"R1", "alice"}, {"R2", "alice"}}
	if !reflect.DeepEqual(res.Departures, want) {
		t.Fatalf("departures=%v, want %v", res.Departures, want)
	}
	if !res.Added {
		t.Fatalf("expected the new handle to be added back to R1")
	}
	if got := reg.Roster("R1"); !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Fatalf("roster(R1)=%v, want [alice bob]", got)
	}
	if reg.IsMember("R2", "alice") {
		t.Fatalf("expected R2 membership to go with the old handle")
	}
	if owner, ok := reg.Owner(old); ok {
		t.Fatalf("old handle still owns %q", owner)
	}

	// The stale handle's disconnect must not evict the live one.
	if deps := reg.Disconnect(old); len(deps) != 0 {
		t.Fatalf("stale disconnect departures=%v, want none", deps)
	}
	if !reg.IsMember("R1", "alice") {
		t.Fatalf("expected alice to remain a member")
	}
	if conn, ok := reg.lookup("R1", "alice"); !ok || conn != fresh {
		t.Fatalf("lookup=%v,%v, want new handle", conn, ok)
	}
}

func TestRegistry_RejoinOnSameHandleKeepsMemberships(t *testing.T) {
	reg := NewRegistry(0)
	conn := newRecordingConn("c1")
	for _, room := range []string{"R1", "R2", "R1"} {
		if _, err := reg.Join(room, "alice", conn); err != nil {
			t.Fatalf("join %s: %v", room, err)
		}
	}
	res, err := reg.Join("R1", "alice", conn)
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if res.Added || res.Superseded != nil || len(res.Departures) != 0 {
		t.Fatalf("res=%+v, want an unchanged membership", res)
	}
	if !reg.IsMember("R2", "alice") {
		t.Fatalf("expected R2 membership to survive")
	}
}

func TestRegistry_StaleHandleCannotLeave(t *testing.T) {
	reg := NewRegistry(0)
	old := newRecordingConn("c-old")
	fresh := newRecordingConn("c-new")
	if _, err := reg.Join("R1", "alice", old); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := reg.Join("R1", "alice", fresh); err != nil {
		t.Fatalf("rejoin: %v", err)
	}

	if reg.LeaveFrom("R1", "alice", old) {
		t.Fatalf("stale handle removed alice")
	}
	if conn, ok := reg.lookup("R1", "alice"); !ok || conn != fresh {
		t.Fatalf("lookup=%v,%v, want new handle", conn, ok)
	}
	if !reg.LeaveFrom("R1", "alice", fresh) {
		t.Fatalf("live handle could not leave")
	}
	if reg.IsMember("R1", "alice") {
		t.Fatalf("expected alice gone after leaving through the live handle")
	}
	if got := reg.ParticipantCount(); got != 0 {
		t.Fatalf("ParticipantCount=%d, want 0", got)
	}
}

func TestRegistry_RejectsSecondIdentityOnBoundConnection(t *testing.T) {
	reg := NewRegistry(0)
	conn := newRecordingConn("c1")
	if _, err := reg.Join("R1", "alice", conn); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := reg.Join("R1", "mallory", conn); !errors.Is(err, ErrParticipantMismatch) {
		t.Fatalf("err=%v, want %v", err, ErrParticipantMismatch)
	}
}

func TestRegistry_MaxRoomSize(t *testing.T) {
	reg := NewRegistry(2)
	for _, p := range []string{"a", "b"} {
		if _, err := reg.Join("R1", p, newRecordingConn("c-"+p)); err != nil {
			t.Fatalf("join %s: %v", p, err)
		}
	}
	if _, err := reg.Join("R1", "c", newRecordingConn("c-c")); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("err=%v, want %v", err, ErrRoomFull)
	}
	// Rejoining members are not counted twice.
	if _, err := reg.Join("R1", "a", newRecordingConn("c-a2")); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
}
