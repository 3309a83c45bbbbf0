package registry

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var fdCounter int64

// newTestConn builds a pipe-backed connection. The returned client side can
// be read with wsutil to observe frames the server writes.
func newTestConn(userID, channel string) (*Connection, net.Conn) {
	server, client := net.Pipe()
	fd := int(atomic.AddInt64(&fdCounter, 1))
	c := NewConnection(fmt.Sprintf("sess-%d", fd), userID, channel, "", server, fd)
	return c, client
}

func TestRegister_SupersedesExisting(t *testing.T) {
	r := NewRegistry()

	c1, client1 := newTestConn("alice", "notifications")
	displaced, cameOnline := r.Register(c1)
	if displaced != nil {
		t.Fatalf("first registration should displace nothing, got %v", displaced)
	}
	if !cameOnline {
		t.Error("first registration should report cameOnline")
	}

	c2, _ := newTestConn("alice", "notifications")
	displaced, cameOnline = r.Register(c2)
	if displaced != c1 {
		t.Fatalf("second registration should displace the first connection")
	}
	if cameOnline {
		t.Error("supersede must not report a fresh online transition")
	}
	if got := r.Get("notifications", "alice"); got != c2 {
		t.Errorf("registry should hold the newer connection")
	}
	if r.CountChannel("notifications") != 1 {
		t.Errorf("at most one live connection per (channel, user), got %d", r.CountChannel("notifications"))
	}

	// Close the displaced connection the way the transport layer does and
	// verify the client observes the distinguishable reason.
	done := make(chan error, 1)
	go func() {
		_, err := wsutil.ReadServerText(client1)
		done <- err
	}()
	_ = displaced.CloseWithReason(ws.StatusNormalClosure, ReasonSuperseded)

	err := <-done
	closed, ok := err.(wsutil.ClosedError)
	if !ok {
		t.Fatalf("expected ClosedError on superseded connection, got %v", err)
	}
	if closed.Reason != ReasonSuperseded {
		t.Errorf("expected close reason %q, got %q", ReasonSuperseded, closed.Reason)
	}
}

func TestUnregister_Idempotent(t *testing.T) {
	r := NewRegistry()

	c, _ := newTestConn("bob", "posts")
	r.Register(c)

	removed, wentOffline := r.Unregister("posts", "bob")
	if removed != c || !wentOffline {
		t.Fatalf("unregister should remove the connection and report offline")
	}

	removed, wentOffline = r.Unregister("posts", "bob")
	if removed != nil || wentOffline {
		t.Error("unregistering an absent entry must be a no-op")
	}
	removed, wentOffline = r.Unregister("nowhere", "bob")
	if removed != nil || wentOffline {
		t.Error("unregistering on an unknown channel must be a no-op")
	}
}

func TestIsOnline_AcrossChannels(t *testing.T) {
	r := NewRegistry()

	cA, _ := newTestConn("carol", "notifications")
	r.Register(cA)
	if !r.IsOnline("carol") {
		t.Fatal("carol should be online after channel A registration")
	}

	cB, _ := newTestConn("carol", "signaling")
	_, cameOnline := r.Register(cB)
	if cameOnline {
		t.Error("second channel must not report a fresh online transition")
	}

	_, wentOffline := r.Unregister("notifications", "carol")
	if wentOffline {
		t.Error("carol still holds a signaling connection, must not go offline")
	}
	if !r.IsOnline("carol") {
		t.Error("carol should remain online via the signaling channel")
	}

	_, wentOffline = r.Unregister("signaling", "carol")
	if !wentOffline {
		t.Error("removing the last connection should report offline")
	}
	if r.IsOnline("carol") {
		t.Error("carol should be offline after both channels unregistered")
	}
}

func TestRemove_IgnoresStaleConnection(t *testing.T) {
	r := NewRegistry()

	c1, _ := newTestConn("dave", "signaling")
	r.Register(c1)
	c2, _ := newTestConn("dave", "signaling")
	r.Register(c2)

	// The superseded connection's close event fires late; it must not evict
	// the successor.
	removed, wentOffline := r.Remove(c1)
	if removed || wentOffline {
		t.Fatal("removing a displaced connection must be a no-op")
	}
	if got := r.Get("signaling", "dave"); got != c2 {
		t.Error("the newer connection should still be registered")
	}

	removed, wentOffline = r.Remove(c2)
	if !removed || !wentOffline {
		t.Error("removing the live connection should succeed and report offline")
	}
}

func TestAllOnlineUserIDs_Union(t *testing.T) {
	r := NewRegistry()

	for _, reg := range []struct{ user, channel string }{
		{"alice", "notifications"},
		{"alice", "posts"},
		{"bob", "signaling"},
		{"carol", "posts"},
	} {
		c, _ := newTestConn(reg.user, reg.channel)
		r.Register(c)
	}

	users := r.AllOnlineUserIDs()
	want := []string{"alice", "bob", "carol"}
	if len(users) != len(want) {
		t.Fatalf("expected %d users, got %v", len(want), users)
	}
	for i, u := range want {
		if users[i] != u {
			t.Errorf("expected %s at position %d, got %s", u, i, users[i])
		}
	}
}

func TestGetByFd(t *testing.T) {
	r := NewRegistry()

	c, _ := newTestConn("erin", "notifications")
	r.Register(c)

	if got := r.GetByFd(c.Fd); got != c {
		t.Errorf("fd lookup should return the registered connection")
	}

	r.Unregister("notifications", "erin")
	if got := r.GetByFd(c.Fd); got != nil {
		t.Errorf("fd lookup after unregister should return nil, got %v", got)
	}
}

func TestRegister_ConcurrentUsers(t *testing.T) {
	r := NewRegistry()

	const users = 64
	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, _ := newTestConn(fmt.Sprintf("user-%d", i), "notifications")
			r.Register(c)
		}(i)
	}
	wg.Wait()

	if r.CountChannel("notifications") != users {
		t.Errorf("expected %d connections, got %d", users, r.CountChannel("notifications"))
	}
	if len(r.AllOnlineUserIDs()) != users {
		t.Errorf("expected %d online users", users)
	}
}

// TestRegistry_SingleLiveConnectionInvariant drives a randomized sequence of
// register/unregister operations on the same (channel, user) pair and checks
// the invariant after every step.
func TestRegistry_SingleLiveConnectionInvariant(t *testing.T) {
	r := NewRegistry()
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		if rng.Intn(2) == 0 {
			c, _ := newTestConn("frank", "signaling")
			r.Register(c)
		} else {
			r.Unregister("signaling", "frank")
		}

		if n := r.CountChannel("signaling"); n > 1 {
			t.Fatalf("step %d: %d live connections for one (channel, user) pair", i, n)
		}
		online := r.IsOnline("frank")
		present := r.Get("signaling", "frank") != nil
		if online != present {
			t.Fatalf("step %d: IsOnline=%v but presence in table=%v", i, online, present)
		}
	}
}
