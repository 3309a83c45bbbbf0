// Package typing tracks per-chat typing indicators with auto-expiry. A typing
// entry that is not refreshed within the quiet window emits the same stop
// event an explicit typing-stop would.
package typing

import (
	"log"
	"sync"
	"time"
)

// DefaultWindow is how long a typing entry stays alive without a refresh.
const DefaultWindow = 5 * time.Second

// NotifyFunc broadcasts a typing indicator for (contextID, userID) to the
// given recipients. Injected by the wiring layer.
type NotifyFunc func(contextID, userID string, recipients []string, isTyping bool)

// entry is one active typing timer with the recipients captured at start
// time, so an auto-stop can notify them even without a fresh recipient list.
type entry struct {
	timer      *time.Timer
	recipients []string
}

// Tracker holds the typing state of all chats.
type Tracker struct {
	mu     sync.Mutex
	window time.Duration
	timers map[string]map[string]*entry // contextID -> userID -> entry
	notify NotifyFunc
}

// NewTracker creates a Tracker with the given quiet window (DefaultWindow
// when zero) and notify callback.
func NewTracker(window time.Duration, notify NotifyFunc) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		window: window,
		timers: make(map[string]map[string]*entry),
		notify: notify,
	}
}

// Start registers or refreshes a typing entry. A fresh entry broadcasts
// isTyping:true to the recipients; a refresh within the window only resets
// the timer, suppressing duplicate broadcasts from debounced clients.
func (t *Tracker) Start(contextID, userID string, recipients []string) {
	t.mu.Lock()
	chat, ok := t.timers[contextID]
	if !ok {
		chat = make(map[string]*entry)
		t.timers[contextID] = chat
	}

	if e, ok := chat[userID]; ok {
		e.timer.Reset(t.window)
		e.recipients = recipients
		t.mu.Unlock()
		return
	}

	chat[userID] = &entry{
		timer: time.AfterFunc(t.window, func() {
			t.expire(contextID, userID)
		}),
		recipients: recipients,
	}
	t.mu.Unlock()

	t.notify(contextID, userID, recipients, true)
}

// Stop cancels any active typing entry and broadcasts isTyping:false
// unconditionally, so an explicit stop is idempotent.
func (t *Tracker) Stop(contextID, userID string, recipients []string) {
	t.mu.Lock()
	if chat, ok := t.timers[contextID]; ok {
		if e, ok := chat[userID]; ok {
			e.timer.Stop()
			delete(chat, userID)
			if len(chat) == 0 {
				delete(t.timers, contextID)
			}
		}
	}
	t.mu.Unlock()

	t.notify(contextID, userID, recipients, false)
}

// Cancel clears a typing entry without broadcasting anything. Used when a
// sent message already implies the composer stopped typing.
func (t *Tracker) Cancel(contextID, userID string) {
	t.mu.Lock()
	if chat, ok := t.timers[contextID]; ok {
		if e, ok := chat[userID]; ok {
			e.timer.Stop()
			delete(chat, userID)
			if len(chat) == 0 {
				delete(t.timers, contextID)
			}
		}
	}
	t.mu.Unlock()
}

// expire is the timer path: it removes the entry if it is still active and
// emits exactly one stop to the recipients captured at start time. A timer
// firing after an explicit Stop already removed the entry does nothing.
func (t *Tracker) expire(contextID, userID string) {
	t.mu.Lock()
	chat, ok := t.timers[contextID]
	if !ok {
		t.mu.Unlock()
		return
	}
	e, ok := chat[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(chat, userID)
	if len(chat) == 0 {
		delete(t.timers, contextID)
	}
	recipients := e.recipients
	t.mu.Unlock()

	log.Printf("typing: auto-stop user=%s chat=%s", userID, contextID)
	t.notify(contextID, userID, recipients, false)
}

// StopAll cancels every typing entry held by a user across all chats and
// emits a stop for each. Called on the user's full disconnect.
func (t *Tracker) StopAll(userID string) {
	type stopped struct {
		contextID  string
		recipients []string
	}

	t.mu.Lock()
	var all []stopped
	for contextID, chat := range t.timers {
		if e, ok := chat[userID]; ok {
			e.timer.Stop()
			delete(chat, userID)
			if len(chat) == 0 {
				delete(t.timers, contextID)
			}
			all = append(all, stopped{contextID, e.recipients})
		}
	}
	t.mu.Unlock()

	for _, s := range all {
		t.notify(s.contextID, userID, s.recipients, false)
	}
}

// Active reports whether a typing entry currently exists.
func (t *Tracker) Active(contextID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	chat, ok := t.timers[contextID]
	if !ok {
		return false
	}
	_, ok = chat[userID]
	return ok
}

// ActiveCount returns the total number of live typing entries.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, chat := range t.timers {
		n += len(chat)
	}
	return n
}
