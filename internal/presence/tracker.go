// Package presence derives online/offline announcements from connection
// registry occupancy and keeps a Redis-backed last-seen record. Presence
// transitions are computed from real occupancy, never from a flag on the
// event, so a user holding one live channel while refreshing another is
// never announced offline.
package presence

import (
	"context"
	"log"
	"time"

	"github.com/pulsechat/realtime/internal/protocol"
)

// BroadcastFunc delivers an event to every connection on a channel except
// excludeUserID, returning the delivery count. Injected by the wiring layer.
type BroadcastFunc func(channel string, event []byte, excludeUserID string) int

// Tracker announces presence transitions on the configured broadcast
// channels and mirrors them into the optional store.
type Tracker struct {
	broadcast BroadcastFunc
	store     *Store   // nil disables persistence
	channels  []string // channels that receive presence events
}

// NewTracker creates a Tracker announcing on the given channels. The store
// may be nil.
func NewTracker(broadcast BroadcastFunc, store *Store, channels ...string) *Tracker {
	return &Tracker{
		broadcast: broadcast,
		store:     store,
		channels:  channels,
	}
}

// HandleOnline announces that a user gained their first live connection.
// The caller must only invoke this on a real occupancy 0 -> 1 transition.
func (t *Tracker) HandleOnline(userID string) {
	event, err := protocol.NewServerEvent(protocol.TypeUserOnline, protocol.UserOnlineMsg{
		UserID:    userID,
		Timestamp: protocol.Timestamp(),
	})
	if err != nil {
		log.Printf("presence: failed to build user-online event: %v", err)
		return
	}

	for _, channel := range t.channels {
		t.broadcast(channel, event, "")
	}

	if t.store != nil {
		ctx, cancel := storeCtx()
		defer cancel()
		if err := t.store.SetOnline(ctx, userID); err != nil {
			log.Printf("presence: failed to persist online state for %s: %v", userID, err)
		}
	}
}

// HandleOffline announces that a user lost their last live connection.
// The caller must only invoke this on a real occupancy 1 -> 0 transition.
func (t *Tracker) HandleOffline(userID string) {
	event, err := protocol.NewServerEvent(protocol.TypeUserOffline, protocol.UserOfflineMsg{
		UserID:    userID,
		Timestamp: protocol.Timestamp(),
	})
	if err != nil {
		log.Printf("presence: failed to build user-offline event: %v", err)
		return
	}

	for _, channel := range t.channels {
		t.broadcast(channel, event, "")
	}

	if t.store != nil {
		ctx, cancel := storeCtx()
		defer cancel()
		if err := t.store.SetOffline(ctx, userID); err != nil {
			log.Printf("presence: failed to persist offline state for %s: %v", userID, err)
		}
	}
}

// StatusUpdate announces a manual presence status ("away", "busy", ...) with
// an optional custom message on all presence channels, with no sender
// exclusion, and persists it. Returns the total delivery count.
func (t *Tracker) StatusUpdate(userID, status, customMessage string) int {
	event, err := protocol.NewServerEvent(protocol.TypeUserStatusUpdated, protocol.UserStatusUpdatedMsg{
		UserID:        userID,
		Status:        status,
		CustomMessage: customMessage,
		Timestamp:     protocol.Timestamp(),
	})
	if err != nil {
		log.Printf("presence: failed to build status event: %v", err)
		return 0
	}

	delivered := 0
	for _, channel := range t.channels {
		delivered += t.broadcast(channel, event, "")
	}

	if t.store != nil {
		ctx, cancel := storeCtx()
		defer cancel()
		if err := t.store.SetStatus(ctx, userID, status, customMessage); err != nil {
			log.Printf("presence: failed to persist status for %s: %v", userID, err)
		}
	}
	return delivered
}

// TouchLastSeen refreshes the user's last-seen marker in the store.
func (t *Tracker) TouchLastSeen(userID string) {
	if t.store == nil {
		return
	}
	ctx, cancel := storeCtx()
	defer cancel()
	if err := t.store.SetLastSeen(ctx, userID); err != nil {
		log.Printf("presence: failed to persist last-seen for %s: %v", userID, err)
	}
}

func storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 3*time.Second)
}
