// Package room tracks ephemeral call rooms: groups of user IDs keyed by a
// context id (the call's chat id). Rooms exist only while they have members;
// the last member leaving deletes the room.
package room

import (
	"log"
	"sort"
	"sync"

	"github.com/pulsechat/realtime/internal/protocol"
)

// SendFunc delivers an encoded event to one user. It reports whether the
// delivery succeeded. Injected by the wiring layer so the room table never
// reaches into connection maps itself.
type SendFunc func(userID string, event []byte) bool

// Rooms is the table of active call rooms.
type Rooms struct {
	mu    sync.Mutex
	rooms map[string]map[string]struct{} // contextID -> set of userIDs
	send  SendFunc
}

// NewRooms creates an empty room table that delivers member events through
// the given send function.
func NewRooms(send SendFunc) *Rooms {
	return &Rooms{
		rooms: make(map[string]map[string]struct{}),
		send:  send,
	}
}

// Join adds a user to the room for contextID, creating the room on first
// join, and announces the new member to the other current members only.
func (r *Rooms) Join(contextID, userID string) {
	r.mu.Lock()
	members, ok := r.rooms[contextID]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[contextID] = members
	}
	_, already := members[userID]
	members[userID] = struct{}{}
	r.mu.Unlock()

	if already {
		return
	}
	log.Printf("room: user=%s joined room=%s", userID, contextID)

	event, err := protocol.NewServerEvent(protocol.TypeUserJoined, protocol.UserJoinedMsg{
		UserID: userID,
		ChatID: contextID,
	})
	if err != nil {
		log.Printf("room: failed to build user-joined event: %v", err)
		return
	}
	r.Broadcast(contextID, userID, event)
}

// Leave removes a user from the room for contextID, announces the departure
// to the remaining members, and deletes the room if it is now empty.
func (r *Rooms) Leave(contextID, userID string) {
	if !r.remove(contextID, userID) {
		return
	}
	log.Printf("room: user=%s left room=%s", userID, contextID)

	event, err := protocol.NewServerEvent(protocol.TypeUserLeft, protocol.UserLeftMsg{
		UserID: userID,
		ChatID: contextID,
	})
	if err != nil {
		log.Printf("room: failed to build user-left event: %v", err)
		return
	}
	r.Broadcast(contextID, userID, event)
}

// LeaveAll removes a user from every room they are a member of, announcing
// each departure. Called when the user's connection fully disconnects.
func (r *Rooms) LeaveAll(userID string) {
	r.mu.Lock()
	var affected []string
	for contextID, members := range r.rooms {
		if _, ok := members[userID]; ok {
			affected = append(affected, contextID)
		}
	}
	r.mu.Unlock()

	for _, contextID := range affected {
		r.Leave(contextID, userID)
	}
}

// remove deletes the membership entry and the room itself when empty.
// Returns false when the user was not a member.
func (r *Rooms) remove(contextID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[contextID]
	if !ok {
		return false
	}
	if _, ok := members[userID]; !ok {
		return false
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(r.rooms, contextID)
	}
	return true
}

// Members returns the sorted member list of a room, or nil if the room does
// not exist.
func (r *Rooms) Members(contextID string) []string {
	r.mu.Lock()
	members, ok := r.rooms[contextID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	out := make([]string, 0, len(members))
	for userID := range members {
		out = append(out, userID)
	}
	r.mu.Unlock()

	sort.Strings(out)
	return out
}

// Has reports whether a room currently exists for contextID.
func (r *Rooms) Has(contextID string) bool {
	r.mu.Lock()
	_, ok := r.rooms[contextID]
	r.mu.Unlock()
	return ok
}

// Broadcast delivers an event to every member of a room except
// excludeUserID, returning the number of successful deliveries.
func (r *Rooms) Broadcast(contextID, excludeUserID string, event []byte) int {
	members := r.Members(contextID)
	if members == nil {
		log.Printf("room: broadcast to unknown room=%s", contextID)
		return 0
	}

	delivered := 0
	for _, userID := range members {
		if userID == excludeUserID {
			continue
		}
		if r.send(userID, event) {
			delivered++
		}
	}
	return delivered
}

// Count returns the number of active rooms.
func (r *Rooms) Count() int {
	r.mu.Lock()
	n := len(r.rooms)
	r.mu.Unlock()
	return n
}
