package presence

import (
	"encoding/json"
	"sync"
	"testing"
)

type broadcastLog struct {
	mu    sync.Mutex
	calls []broadcastCall
}

type broadcastCall struct {
	channel   string
	eventType string
	userID    string
	exclude   string
}

func (b *broadcastLog) broadcast(channel string, event []byte, exclude string) int {
	var decoded struct {
		Type   string `json:"type"`
		UserID string `json:"userId"`
	}
	_ = json.Unmarshal(event, &decoded)

	b.mu.Lock()
	b.calls = append(b.calls, broadcastCall{channel, decoded.Type, decoded.UserID, exclude})
	b.mu.Unlock()
	return 1
}

func (b *broadcastLog) snapshot() []broadcastCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]broadcastCall, len(b.calls))
	copy(out, b.calls)
	return out
}

func TestHandleOnline_AnnouncesOnAllChannels(t *testing.T) {
	bl := &broadcastLog{}
	tr := NewTracker(bl.broadcast, nil, "notifications", "posts")

	tr.HandleOnline("alice")

	calls := bl.snapshot()
	if len(calls) != 2 {
		t.Fatalf("expected broadcasts on 2 channels, got %d", len(calls))
	}
	channels := map[string]bool{}
	for _, c := range calls {
		channels[c.channel] = true
		if c.eventType != "user-online" {
			t.Errorf("expected user-online, got %s", c.eventType)
		}
		if c.userID != "alice" {
			t.Errorf("expected userId alice, got %s", c.userID)
		}
	}
	if !channels["notifications"] || !channels["posts"] {
		t.Errorf("expected notifications and posts channels, got %v", channels)
	}
}

func TestHandleOffline_AnnouncesOffline(t *testing.T) {
	bl := &broadcastLog{}
	tr := NewTracker(bl.broadcast, nil, "notifications")

	tr.HandleOffline("bob")

	calls := bl.snapshot()
	if len(calls) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(calls))
	}
	if calls[0].eventType != "user-offline" || calls[0].userID != "bob" {
		t.Errorf("unexpected event: %+v", calls[0])
	}
}

func TestStatusUpdate_NoExclusionAndCount(t *testing.T) {
	bl := &broadcastLog{}
	tr := NewTracker(bl.broadcast, nil, "notifications", "posts")

	n := tr.StatusUpdate("carol", "away", "back at 5")
	if n != 2 {
		t.Errorf("expected summed delivery count 2, got %d", n)
	}
	for _, c := range bl.snapshot() {
		if c.eventType != "user-status-updated" {
			t.Errorf("expected user-status-updated, got %s", c.eventType)
		}
		if c.exclude != "" {
			t.Errorf("manual status updates have no sender exclusion, got %q", c.exclude)
		}
	}
}
