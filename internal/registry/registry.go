// Package registry owns the table of live connections. It maps
// (channel, userId) pairs to Connection objects, enforces the one-live-
// connection-per-pair invariant, and answers aggregate presence queries.
// All mutation of connection state goes through this package; callers never
// touch the maps directly.
package registry

import (
	"sort"
	"sync"
)

// channelTable holds the connections of one logical channel behind its own
// lock, so unrelated channels never serialize each other.
type channelTable struct {
	mu    sync.RWMutex
	conns map[string]*Connection // userID -> live connection
}

// Registry is the authoritative table of live connections across all logical
// channels. It also maintains a per-user occupancy count (how many channels
// hold a live connection for that user) so that online/offline transitions
// can be derived from real occupancy instead of a boolean flag.
type Registry struct {
	mu       sync.RWMutex // guards the channels map itself
	channels map[string]*channelTable

	fdMu sync.RWMutex
	byFd map[int]*Connection // fd -> Connection for epoll lookups

	occMu     sync.Mutex
	occupancy map[string]int // userID -> live connection count across channels
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{
		channels:  make(map[string]*channelTable),
		byFd:      make(map[int]*Connection),
		occupancy: make(map[string]int),
	}
}

// table returns the channelTable for the given channel, creating it on first
// use.
func (r *Registry) table(channel string) *channelTable {
	r.mu.RLock()
	t, ok := r.channels[channel]
	r.mu.RUnlock()
	if ok {
		return t
	}

	r.mu.Lock()
	t, ok = r.channels[channel]
	if !ok {
		t = &channelTable{conns: make(map[string]*Connection)}
		r.channels[channel] = t
	}
	r.mu.Unlock()
	return t
}

// Register stores a connection in its channel table. If the same user already
// holds a live connection on that channel, the old connection is displaced:
// it is removed from the table and returned so the transport layer can close
// it with a "superseded" reason. cameOnline is true when this registration is
// the user's first live connection across all channels.
func (r *Registry) Register(c *Connection) (displaced *Connection, cameOnline bool) {
	t := r.table(c.Channel)

	t.mu.Lock()
	displaced = t.conns[c.UserID]
	t.conns[c.UserID] = c
	t.mu.Unlock()

	r.fdMu.Lock()
	if displaced != nil {
		delete(r.byFd, displaced.Fd)
	}
	r.byFd[c.Fd] = c
	r.fdMu.Unlock()

	// A displaced connection keeps the occupancy count unchanged: the user
	// was already online on this channel.
	if displaced == nil {
		r.occMu.Lock()
		r.occupancy[c.UserID]++
		cameOnline = r.occupancy[c.UserID] == 1
		r.occMu.Unlock()
	}
	return displaced, cameOnline
}

// Unregister removes whatever connection is stored for (channel, userID).
// It is idempotent: removing an absent entry is a no-op. wentOffline is true
// when the removal left the user with zero connections across all channels.
func (r *Registry) Unregister(channel, userID string) (removed *Connection, wentOffline bool) {
	t := r.table(channel)

	t.mu.Lock()
	removed = t.conns[userID]
	if removed != nil {
		delete(t.conns, userID)
	}
	t.mu.Unlock()

	if removed == nil {
		return nil, false
	}
	r.dropIndex(removed)
	return removed, r.decOccupancy(userID)
}

// Remove removes exactly the given connection, guarding against the case
// where a newer connection has already displaced it in the table (the stale
// close event of a superseded connection must not evict its successor).
// Returns whether the connection was actually removed and whether the user
// went offline as a result.
func (r *Registry) Remove(c *Connection) (removed bool, wentOffline bool) {
	t := r.table(c.Channel)

	t.mu.Lock()
	cur, ok := t.conns[c.UserID]
	if ok && cur == c {
		delete(t.conns, c.UserID)
		removed = true
	}
	t.mu.Unlock()

	if !removed {
		return false, false
	}
	r.dropIndex(c)
	return true, r.decOccupancy(c.UserID)
}

func (r *Registry) dropIndex(c *Connection) {
	r.fdMu.Lock()
	if r.byFd[c.Fd] == c {
		delete(r.byFd, c.Fd)
	}
	r.fdMu.Unlock()
}

func (r *Registry) decOccupancy(userID string) (wentOffline bool) {
	r.occMu.Lock()
	r.occupancy[userID]--
	if r.occupancy[userID] <= 0 {
		delete(r.occupancy, userID)
		wentOffline = true
	}
	r.occMu.Unlock()
	return wentOffline
}

// Get returns the live connection for (channel, userID), or nil.
func (r *Registry) Get(channel, userID string) *Connection {
	t := r.table(channel)
	t.mu.RLock()
	c := t.conns[userID]
	t.mu.RUnlock()
	return c
}

// GetByFd returns the connection registered for the given file descriptor,
// or nil.
func (r *Registry) GetByFd(fd int) *Connection {
	r.fdMu.RLock()
	c := r.byFd[fd]
	r.fdMu.RUnlock()
	return c
}

// IsOnline reports whether any channel holds a live connection for userID.
func (r *Registry) IsOnline(userID string) bool {
	r.occMu.Lock()
	n := r.occupancy[userID]
	r.occMu.Unlock()
	return n > 0
}

// AllOnlineUserIDs returns the sorted union of user IDs holding at least one
// live connection on any channel.
func (r *Registry) AllOnlineUserIDs() []string {
	r.occMu.Lock()
	users := make([]string, 0, len(r.occupancy))
	for userID := range r.occupancy {
		users = append(users, userID)
	}
	r.occMu.Unlock()

	sort.Strings(users)
	return users
}

// ChannelConns returns a snapshot of all live connections on a channel. The
// returned slice is safe to iterate without holding any lock.
func (r *Registry) ChannelConns(channel string) []*Connection {
	t := r.table(channel)
	t.mu.RLock()
	conns := make([]*Connection, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.RUnlock()
	return conns
}

// AllConns returns a snapshot of every live connection across all channels.
func (r *Registry) AllConns() []*Connection {
	r.mu.RLock()
	tables := make([]*channelTable, 0, len(r.channels))
	for _, t := range r.channels {
		tables = append(tables, t)
	}
	r.mu.RUnlock()

	var conns []*Connection
	for _, t := range tables {
		t.mu.RLock()
		for _, c := range t.conns {
			conns = append(conns, c)
		}
		t.mu.RUnlock()
	}
	return conns
}

// Count returns the total number of live connections across all channels.
func (r *Registry) Count() int {
	r.mu.RLock()
	tables := make([]*channelTable, 0, len(r.channels))
	for _, t := range r.channels {
		tables = append(tables, t)
	}
	r.mu.RUnlock()

	n := 0
	for _, t := range tables {
		t.mu.RLock()
		n += len(t.conns)
		t.mu.RUnlock()
	}
	return n
}

// CountChannel returns the number of live connections on one channel.
func (r *Registry) CountChannel(channel string) int {
	t := r.table(channel)
	t.mu.RLock()
	n := len(t.conns)
	t.mu.RUnlock()
	return n
}
