package typing

import (
	"sync"
	"testing"
	"time"
)

// notifyLog records every notify call.
type notifyLog struct {
	mu    sync.Mutex
	calls []call
}

type call struct {
	contextID  string
	userID     string
	recipients []string
	isTyping   bool
}

func (n *notifyLog) notify(contextID, userID string, recipients []string, isTyping bool) {
	n.mu.Lock()
	n.calls = append(n.calls, call{contextID, userID, recipients, isTyping})
	n.mu.Unlock()
}

func (n *notifyLog) snapshot() []call {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]call, len(n.calls))
	copy(out, n.calls)
	return out
}

func TestStart_BroadcastsOnceWithinWindow(t *testing.T) {
	nl := &notifyLog{}
	tr := NewTracker(time.Second, nl.notify)

	recipients := []string{"b", "c"}
	tr.Start("chat1", "a", recipients)
	tr.Start("chat1", "a", recipients) // refresh, no re-broadcast
	tr.Start("chat1", "a", recipients)

	calls := nl.snapshot()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one broadcast, got %d", len(calls))
	}
	if !calls[0].isTyping {
		t.Error("first broadcast should be isTyping:true")
	}
	if !tr.Active("chat1", "a") {
		t.Error("entry should be active after start")
	}
}

func TestAutoExpiry_EmitsStopExactlyOnce(t *testing.T) {
	nl := &notifyLog{}
	tr := NewTracker(30*time.Millisecond, nl.notify)

	tr.Start("chat1", "a", []string{"b"})
	time.Sleep(120 * time.Millisecond)

	calls := nl.snapshot()
	if len(calls) != 2 {
		t.Fatalf("expected start + one auto-stop, got %d calls", len(calls))
	}
	if calls[1].isTyping {
		t.Error("expiry should broadcast isTyping:false")
	}
	if len(calls[1].recipients) != 1 || calls[1].recipients[0] != "b" {
		t.Errorf("auto-stop should use the recipients captured at start, got %v", calls[1].recipients)
	}
	if tr.Active("chat1", "a") {
		t.Error("entry should be gone after expiry")
	}
}

func TestExplicitStop_CancelsTimer(t *testing.T) {
	nl := &notifyLog{}
	tr := NewTracker(30*time.Millisecond, nl.notify)

	tr.Start("chat1", "a", []string{"b"})
	tr.Stop("chat1", "a", []string{"b"})
	time.Sleep(100 * time.Millisecond)

	calls := nl.snapshot()
	if len(calls) != 2 {
		t.Fatalf("expected start + one stop (no expiry duplicate), got %d", len(calls))
	}
	if tr.ActiveCount() != 0 {
		t.Errorf("expected no active entries, got %d", tr.ActiveCount())
	}
}

func TestStop_WithoutStartIsIdempotent(t *testing.T) {
	nl := &notifyLog{}
	tr := NewTracker(time.Second, nl.notify)

	tr.Stop("chat1", "a", []string{"b"})
	tr.Stop("chat1", "a", []string{"b"})

	calls := nl.snapshot()
	if len(calls) != 2 {
		t.Fatalf("explicit stop broadcasts unconditionally, got %d calls", len(calls))
	}
	for _, c := range calls {
		if c.isTyping {
			t.Error("stop must broadcast isTyping:false")
		}
	}
}

func TestRefresh_ExtendsWindow(t *testing.T) {
	nl := &notifyLog{}
	tr := NewTracker(60*time.Millisecond, nl.notify)

	tr.Start("chat1", "a", []string{"b"})
	time.Sleep(40 * time.Millisecond)
	tr.Start("chat1", "a", []string{"b"}) // refresh before expiry
	time.Sleep(40 * time.Millisecond)

	// 80ms elapsed but the refresh reset the clock; still active.
	if !tr.Active("chat1", "a") {
		t.Error("refresh should extend the expiry window")
	}

	time.Sleep(60 * time.Millisecond)
	if tr.Active("chat1", "a") {
		t.Error("entry should eventually expire")
	}
}

func TestStopAll_CoversEveryChat(t *testing.T) {
	nl := &notifyLog{}
	tr := NewTracker(time.Second, nl.notify)

	tr.Start("chat1", "a", []string{"b"})
	tr.Start("chat2", "a", []string{"c"})
	tr.Start("chat1", "z", []string{"b"})

	tr.StopAll("a")

	if tr.Active("chat1", "a") || tr.Active("chat2", "a") {
		t.Error("user a should have no active entries left")
	}
	if !tr.Active("chat1", "z") {
		t.Error("other users' entries must survive StopAll")
	}

	stops := 0
	for _, c := range nl.snapshot() {
		if !c.isTyping && c.userID == "a" {
			stops++
		}
	}
	if stops != 2 {
		t.Errorf("expected 2 implicit stops for user a, got %d", stops)
	}
}
