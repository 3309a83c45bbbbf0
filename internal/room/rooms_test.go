package room

import (
	"encoding/json"
	"sync"
	"testing"
)

// recorder collects events delivered per user.
type recorder struct {
	mu     sync.Mutex
	events map[string][]string // userID -> event types received
}

func newRecorder() *recorder {
	return &recorder{events: make(map[string][]string)}
}

func (rec *recorder) send(userID string, event []byte) bool {
	var decoded struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(event, &decoded)

	rec.mu.Lock()
	rec.events[userID] = append(rec.events[userID], decoded.Type)
	rec.mu.Unlock()
	return true
}

func (rec *recorder) received(userID string) []string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.events[userID]
}

func TestJoin_AnnouncesToExistingMembersOnly(t *testing.T) {
	rec := newRecorder()
	rooms := NewRooms(rec.send)

	rooms.Join("chat1", "alice")
	if got := rec.received("alice"); len(got) != 0 {
		t.Errorf("first member should receive nothing, got %v", got)
	}

	rooms.Join("chat1", "bob")
	if got := rec.received("alice"); len(got) != 1 || got[0] != "user-joined" {
		t.Errorf("alice should receive one user-joined, got %v", got)
	}
	if got := rec.received("bob"); len(got) != 0 {
		t.Errorf("the joining user must not receive their own join, got %v", got)
	}
}

func TestJoin_DuplicateIsSilent(t *testing.T) {
	rec := newRecorder()
	rooms := NewRooms(rec.send)

	rooms.Join("chat1", "alice")
	rooms.Join("chat1", "bob")
	rooms.Join("chat1", "bob") // repeat join must not re-announce

	if got := rec.received("alice"); len(got) != 1 {
		t.Errorf("alice should receive exactly one user-joined, got %v", got)
	}
}

func TestLeave_DeletesEmptyRoom(t *testing.T) {
	rec := newRecorder()
	rooms := NewRooms(rec.send)

	rooms.Join("chat1", "x")
	rooms.Join("chat1", "y")
	rooms.Leave("chat1", "x")
	if !rooms.Has("chat1") {
		t.Fatal("room should still exist with one member")
	}
	rooms.Leave("chat1", "y")
	if rooms.Has("chat1") {
		t.Error("room with zero members must be deleted immediately")
	}
	if rooms.Members("chat1") != nil {
		t.Error("deleted room must not be retrievable")
	}
	if rooms.Count() != 0 {
		t.Errorf("expected 0 rooms, got %d", rooms.Count())
	}
}

func TestLeave_NonMemberIsNoOp(t *testing.T) {
	rec := newRecorder()
	rooms := NewRooms(rec.send)

	rooms.Join("chat1", "alice")
	rooms.Leave("chat1", "stranger")
	rooms.Leave("chat2", "alice")

	if got := rec.received("alice"); len(got) != 0 {
		t.Errorf("no-op leaves must not broadcast, got %v", got)
	}
	if !rooms.Has("chat1") {
		t.Error("room should be untouched by no-op leaves")
	}
}

func TestLeaveAll_SweepsEveryRoom(t *testing.T) {
	rec := newRecorder()
	rooms := NewRooms(rec.send)

	rooms.Join("chat1", "alice")
	rooms.Join("chat1", "bob")
	rooms.Join("chat2", "alice")
	rooms.Join("chat2", "carol")

	rooms.LeaveAll("alice")

	if rooms.Members("chat1")[0] != "bob" {
		t.Error("alice should be removed from chat1")
	}
	if rooms.Members("chat2")[0] != "carol" {
		t.Error("alice should be removed from chat2")
	}

	bobGot := rec.received("bob")
	if len(bobGot) == 0 || bobGot[len(bobGot)-1] != "user-left" {
		t.Errorf("bob should see alice leave, got %v", bobGot)
	}
}

func TestBroadcast_ExcludesSenderAndCountsDeliveries(t *testing.T) {
	rec := newRecorder()
	rooms := NewRooms(rec.send)

	rooms.Join("call1", "a")
	rooms.Join("call1", "b")
	rooms.Join("call1", "c")

	n := rooms.Broadcast("call1", "a", []byte(`{"type":"call-ended"}`))
	if n != 2 {
		t.Errorf("expected 2 deliveries, got %d", n)
	}

	if n := rooms.Broadcast("missing", "", []byte(`{"type":"x"}`)); n != 0 {
		t.Errorf("broadcast to unknown room should deliver 0, got %d", n)
	}
}

func TestBroadcast_CountsOnlySuccessfulSends(t *testing.T) {
	failFor := map[string]bool{"b": true}
	rooms := NewRooms(func(userID string, event []byte) bool {
		return !failFor[userID]
	})

	rooms.Join("call1", "a")
	rooms.Join("call1", "b")
	rooms.Join("call1", "c")

	if n := rooms.Broadcast("call1", "a", []byte(`{"type":"call-ended"}`)); n != 1 {
		t.Errorf("expected 1 successful delivery, got %d", n)
	}
}
