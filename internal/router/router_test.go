package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/pulsechat/realtime/internal/registry"
)

var fdCounter int32

// testClient pairs a registered server-side connection with a drained client
// side so writes never block on the pipe.
type testClient struct {
	conn   *registry.Connection
	client net.Conn

	mu     sync.Mutex
	events [][]byte
}

func newClient(t *testing.T, reg *registry.Registry, channel, userID, contextID string) *testClient {
	t.Helper()
	server, client := net.Pipe()
	fd := int(atomic.AddInt32(&fdCounter, 1))
	c := registry.NewConnection(fmt.Sprintf("sess-%d", fd), userID, channel, contextID, server, fd)

	tc := &testClient{conn: c, client: client}
	go tc.drain()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	reg.Register(c)
	return tc
}

func (tc *testClient) drain() {
	for {
		data, err := wsutil.ReadServerText(tc.client)
		if err != nil {
			return
		}
		tc.mu.Lock()
		tc.events = append(tc.events, data)
		tc.mu.Unlock()
	}
}

func (tc *testClient) eventTypes() []string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	var types []string
	for _, raw := range tc.events {
		var decoded struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(raw, &decoded) == nil {
			types = append(types, decoded.Type)
		}
	}
	return types
}

// waitFor polls until the client has received n events of the given type.
func (tc *testClient) waitFor(t *testing.T, eventType string, n int) bool {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		count := 0
		for _, et := range tc.eventTypes() {
			if et == eventType {
				count++
			}
		}
		if count >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func (tc *testClient) countOf(eventType string) int {
	count := 0
	for _, et := range tc.eventTypes() {
		if et == eventType {
			count++
		}
	}
	return count
}

func newTestRouter(reg *registry.Registry) *Router {
	cfg := DefaultConfig()
	cfg.WriteTimeout = 500 * time.Millisecond
	return New(cfg, reg, nil, nil, nil)
}

func TestRouteWebRTCOffer_PointToPoint(t *testing.T) {
	reg := registry.NewRegistry()
	rt := newTestRouter(reg)

	alice := newClient(t, reg, "signaling", "alice", "")
	bob := newClient(t, reg, "signaling", "bob", "")

	res := rt.Route(alice.conn, []byte(`{"type":"webrtc-offer","to":"bob","chatId":"chat-1","offer":{"sdp":"v=0"}}`))
	if res.Outcome != OutcomeDelivered || res.Sent != 1 {
		t.Fatalf("expected delivered to exactly one recipient, got %+v", res)
	}

	if !bob.waitFor(t, "webrtc-offer", 1) {
		t.Fatal("bob never received the offer")
	}
	var fwd struct {
		From   string          `json:"from"`
		ChatID string          `json:"chatId"`
		Offer  json.RawMessage `json:"offer"`
	}
	bob.mu.Lock()
	raw := bob.events[len(bob.events)-1]
	bob.mu.Unlock()
	if err := json.Unmarshal(raw, &fwd); err != nil {
		t.Fatalf("failed to decode forwarded offer: %v", err)
	}
	if fwd.From != "alice" || fwd.ChatID != "chat-1" || len(fwd.Offer) == 0 {
		t.Errorf("unexpected forward: %+v", fwd)
	}
	if n := alice.countOf("webrtc-offer"); n != 0 {
		t.Errorf("offer echoed back to sender %d times", n)
	}
}

func TestRouteWebRTCOffer_AbsentRecipient(t *testing.T) {
	reg := registry.NewRegistry()
	rt := newTestRouter(reg)
	alice := newClient(t, reg, "signaling", "alice", "")

	res := rt.Route(alice.conn, []byte(`{"type":"webrtc-offer","to":"ghost","chatId":"chat-1","offer":{}}`))
	if res.Outcome != OutcomeDropped || res.Missed != 1 {
		t.Errorf("expected dropped with one missed recipient, got %+v", res)
	}
}

func TestRouteNewPost_BroadcastExcludesSender(t *testing.T) {
	reg := registry.NewRegistry()
	rt := newTestRouter(reg)

	alice := newClient(t, reg, "posts", "alice", "")
	bob := newClient(t, reg, "posts", "bob", "")
	carol := newClient(t, reg, "posts", "carol", "")

	res := rt.Route(alice.conn, []byte(`{"type":"new-post","post":{"id":"p1","text":"hello"}}`))
	if res.Sent != 2 {
		t.Fatalf("expected 2 deliveries, got %+v", res)
	}

	if !bob.waitFor(t, "new-post", 1) || !carol.waitFor(t, "new-post", 1) {
		t.Fatal("broadcast did not reach the other posts connections")
	}
	if n := alice.countOf("new-post"); n != 0 {
		t.Errorf("post echoed back to sender %d times", n)
	}
}

func TestRouteNewMessage_PartialFailure(t *testing.T) {
	reg := registry.NewRegistry()
	rt := newTestRouter(reg)

	alice := newClient(t, reg, "notifications", "alice", "")
	bob := newClient(t, reg, "notifications", "bob", "")
	carol := newClient(t, reg, "notifications", "carol", "")

	// Kill carol's transport without unregistering so the write fails.
	_ = carol.client.Close()
	_ = carol.conn.Conn.Close()

	res := rt.Route(alice.conn, []byte(`{"type":"new-message","chatId":"chat-1","message":{"text":"hi"},"participants":["alice","bob","carol"]}`))
	if res.Outcome != OutcomePartial {
		t.Fatalf("expected partial outcome, got %+v", res)
	}
	if res.Sent != 1 || res.Failed != 1 {
		t.Errorf("expected 1 sent / 1 failed, got %+v", res)
	}
	if !bob.waitFor(t, "new-message", 1) {
		t.Fatal("healthy recipient did not receive the message")
	}
}

func TestRouteMalformed_ErrorToSenderOnly(t *testing.T) {
	reg := registry.NewRegistry()
	rt := newTestRouter(reg)

	alice := newClient(t, reg, "notifications", "alice", "")
	bob := newClient(t, reg, "notifications", "bob", "")

	res := rt.Route(alice.conn, []byte(`{"not json`))
	if res.Outcome != OutcomeDropped {
		t.Errorf("expected dropped, got %+v", res)
	}
	if !alice.waitFor(t, "error", 1) {
		t.Fatal("sender did not receive an error event")
	}
	if n := bob.countOf("error"); n != 0 {
		t.Errorf("error leaked to another connection %d times", n)
	}
}

func TestRouteUnknownType_DroppedSilently(t *testing.T) {
	reg := registry.NewRegistry()
	rt := newTestRouter(reg)
	alice := newClient(t, reg, "notifications", "alice", "")

	res := rt.Route(alice.conn, []byte(`{"type":"self-destruct"}`))
	if res.Outcome != OutcomeDropped {
		t.Errorf("expected dropped, got %+v", res)
	}

	time.Sleep(20 * time.Millisecond)
	if got := alice.eventTypes(); len(got) != 0 {
		t.Errorf("unknown type produced replies: %v", got)
	}
}

func TestHandleConnect_AckAndRoomJoin(t *testing.T) {
	reg := registry.NewRegistry()
	rt := newTestRouter(reg)

	bob := newClient(t, reg, "signaling", "bob", "call-7")
	rt.HandleConnect(bob.conn, true)

	alice := newClient(t, reg, "signaling", "alice", "call-7")
	rt.HandleConnect(alice.conn, true)

	if !alice.waitFor(t, "connected", 1) {
		t.Fatal("no handshake acknowledgement")
	}
	var ack struct {
		UserID      string   `json:"userId"`
		Endpoint    string   `json:"endpoint"`
		OnlineUsers []string `json:"onlineUsers"`
	}
	alice.mu.Lock()
	for _, raw := range alice.events {
		var probe struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(raw, &probe) == nil && probe.Type == "connected" {
			_ = json.Unmarshal(raw, &ack)
		}
	}
	alice.mu.Unlock()

	if ack.UserID != "alice" || ack.Endpoint != "signaling" {
		t.Errorf("unexpected ack: %+v", ack)
	}
	if len(ack.OnlineUsers) != 2 {
		t.Errorf("expected 2 online users in snapshot, got %v", ack.OnlineUsers)
	}

	// The earlier member hears about the new one; the new member does not
	// hear about itself.
	if !bob.waitFor(t, "user-joined", 1) {
		t.Fatal("existing room member was not told about the join")
	}
	if n := alice.countOf("user-joined"); n != 0 {
		t.Errorf("joiner received its own join announcement %d times", n)
	}
}

func TestHandleDisconnect_OfflineAnnouncedExactlyOnce(t *testing.T) {
	reg := registry.NewRegistry()
	rt := newTestRouter(reg)

	observer := newClient(t, reg, "notifications", "observer", "")
	aliceNotif := newClient(t, reg, "notifications", "alice", "")
	alicePosts := newClient(t, reg, "posts", "alice", "")

	// First channel closes: alice still holds the posts connection.
	_, wentOffline := reg.Remove(aliceNotif.conn)
	if wentOffline {
		t.Fatal("user still holds a connection, must not be offline")
	}
	rt.HandleDisconnect(aliceNotif.conn, wentOffline)

	time.Sleep(20 * time.Millisecond)
	if n := observer.countOf("user-offline"); n != 0 {
		t.Fatalf("premature offline announcement (%d)", n)
	}

	// Last channel closes: exactly one announcement.
	_, wentOffline = reg.Remove(alicePosts.conn)
	if !wentOffline {
		t.Fatal("removing the last connection must report offline")
	}
	rt.HandleDisconnect(alicePosts.conn, wentOffline)

	if !observer.waitFor(t, "user-offline", 1) {
		t.Fatal("no offline announcement")
	}
	time.Sleep(20 * time.Millisecond)
	if n := observer.countOf("user-offline"); n != 1 {
		t.Errorf("expected exactly one offline announcement, got %d", n)
	}
}

func TestRouteCallEnded_LeavesRoom(t *testing.T) {
	reg := registry.NewRegistry()
	rt := newTestRouter(reg)

	alice := newClient(t, reg, "signaling", "alice", "")
	bobSig := newClient(t, reg, "signaling", "bob", "")
	bobNotif := newClient(t, reg, "notifications", "bob", "")

	rt.Rooms().Join("call-3", "alice")
	rt.Rooms().Join("call-3", "bob")

	// The remote party is told twice: point-to-point on notifications and
	// through the room on signaling.
	res := rt.Route(alice.conn, []byte(`{"type":"call-ended","chatId":"call-3","remoteUserId":"bob","reason":"hangup"}`))
	if res.Sent != 2 {
		t.Fatalf("expected p2p plus room delivery, got %+v", res)
	}
	if !bobNotif.waitFor(t, "call-ended", 1) {
		t.Fatal("remote party did not hear the call end on notifications")
	}
	if !bobSig.waitFor(t, "call-ended", 1) {
		t.Fatal("remaining member did not hear the call end in the room")
	}
	if members := rt.Rooms().Members("call-3"); len(members) != 1 || members[0] != "bob" {
		t.Errorf("expected alice gone from the room, members=%v", members)
	}
}

func TestRouteReceipt_RelayedToOriginalSender(t *testing.T) {
	reg := registry.NewRegistry()
	rt := newTestRouter(reg)

	alice := newClient(t, reg, "notifications", "alice", "")
	bob := newClient(t, reg, "notifications", "bob", "")

	res := rt.Route(bob.conn, []byte(`{"type":"message-read","messageId":"m1","chatId":"chat-1","senderId":"alice"}`))
	if res.Sent != 1 {
		t.Fatalf("expected one delivery, got %+v", res)
	}
	if !alice.waitFor(t, "message-read", 1) {
		t.Fatal("original sender did not receive the read receipt")
	}
	var receipt struct {
		ReadBy    string `json:"readBy"`
		MessageID string `json:"messageId"`
	}
	alice.mu.Lock()
	_ = json.Unmarshal(alice.events[len(alice.events)-1], &receipt)
	alice.mu.Unlock()
	if receipt.ReadBy != "bob" || receipt.MessageID != "m1" {
		t.Errorf("unexpected receipt: %+v", receipt)
	}
}

func TestRouteTyping_StartFansToRecipients(t *testing.T) {
	reg := registry.NewRegistry()
	rt := newTestRouter(reg)

	alice := newClient(t, reg, "notifications", "alice", "")
	bob := newClient(t, reg, "notifications", "bob", "")

	rt.Route(alice.conn, []byte(`{"type":"typing-start","chatId":"chat-1","participants":["alice","bob"]}`))
	if !bob.waitFor(t, "typing", 1) {
		t.Fatal("recipient did not receive the typing indicator")
	}
	var ind struct {
		UserID   string `json:"userId"`
		IsTyping bool   `json:"isTyping"`
	}
	bob.mu.Lock()
	_ = json.Unmarshal(bob.events[len(bob.events)-1], &ind)
	bob.mu.Unlock()
	if ind.UserID != "alice" || !ind.IsTyping {
		t.Errorf("unexpected indicator: %+v", ind)
	}
	if n := alice.countOf("typing"); n != 0 {
		t.Errorf("typist received their own indicator %d times", n)
	}
	if !rt.Typing().Active("chat-1", "alice") {
		t.Error("typing entry not tracked")
	}
}

func TestRoutePing_Pong(t *testing.T) {
	reg := registry.NewRegistry()
	rt := newTestRouter(reg)
	alice := newClient(t, reg, "notifications", "alice", "")

	before := alice.conn.LastActivity
	time.Sleep(5 * time.Millisecond)
	res := rt.Route(alice.conn, []byte(`{"type":"ping"}`))
	if res.Sent != 1 {
		t.Fatalf("expected pong delivery, got %+v", res)
	}
	if !alice.waitFor(t, "pong", 1) {
		t.Fatal("no pong")
	}
	if !alice.conn.LastActivity.After(before) {
		t.Error("ping did not refresh activity")
	}
}

// fixedParticipants is a canned membership source for validation tests.
type fixedParticipants map[string][]string

func (f fixedParticipants) ListFor(_ context.Context, chatID string) ([]string, error) {
	return f[chatID], nil
}

func TestValidateRecipients_IntersectsWithStore(t *testing.T) {
	reg := registry.NewRegistry()
	cfg := DefaultConfig()
	cfg.WriteTimeout = 500 * time.Millisecond
	rt := New(cfg, reg, nil, fixedParticipants{"chat-1": {"alice", "bob"}}, nil)

	alice := newClient(t, reg, "notifications", "alice", "")
	bob := newClient(t, reg, "notifications", "bob", "")
	mallory := newClient(t, reg, "notifications", "mallory", "")

	res := rt.Route(alice.conn, []byte(`{"type":"new-message","chatId":"chat-1","message":{"text":"hi"},"participants":["alice","bob","mallory"]}`))
	if res.Sent != 1 {
		t.Fatalf("expected delivery to bob only, got %+v", res)
	}
	if !bob.waitFor(t, "new-message", 1) {
		t.Fatal("legitimate participant did not receive the message")
	}
	time.Sleep(20 * time.Millisecond)
	if n := mallory.countOf("new-message"); n != 0 {
		t.Errorf("non-member received the message %d times", n)
	}
}
