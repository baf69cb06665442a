package server

import (
	"fmt"
	"sync"
)

// entry is one table slot. InitSession publishes it with valid set;
// CleanupSession removes the slot from the table rather than clearing
// valid. BroadcastToRoom skips any slot whose valid is false.
type entry struct {
	session *Session
	valid   bool
}

// Registry is the concurrent session manager: a table of per-connection
// sessions guarded by a single reader/writer lock, supporting room-scoped
// broadcast. It backs the TCP multi-user daemon, where one goroutine per
// accepted connection shares the Store and this registry. Registry is safe
// for concurrent use by many goroutines.
type Registry struct {
	mu      sync.RWMutex
	entries map[*Session]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[*Session]*entry)}
}

// InitSession publishes sess as valid with the given user/room, taking the
// write lock.
func (r *Registry) InitSession(sess *Session, user, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess.User = user
	sess.Room = room
	r.entries[sess] = &entry{session: sess, valid: true}
}

// CleanupSession invalidates and forgets sess, taking the write lock.
func (r *Registry) CleanupSession(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, sess)
}

// BroadcastToRoom pushes body as an OK frame pair to every valid session
// in room other than except, taking only the read lock over the table.
// The read lock gives a consistent snapshot of the peers; the actual
// writes serialize per peer on that session's write mutex (see
// Session.writeBroadcast), so concurrent broadcasters and the peer's own
// response writer never interleave bytes on one connection. A peer's send
// failure is logged (by the caller-supplied logf) but does not abort the
// broadcast.
func (r *Registry) BroadcastToRoom(room string, body string, except *Session, logf func(format string, args ...any)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if !e.valid || e.session == except || e.session.Room != room {
			continue
		}
		if err := e.session.writeBroadcast(body); err != nil && logf != nil {
			logf("broadcast to %s: %v", e.session.User, err)
		}
	}
}

// EnterBody and LeaveBody format the join/leave broadcast bodies.
func EnterBody(user string) string { return fmt.Sprintf("user %s has entered the room\n", user) }
func LeaveBody(user string) string { return fmt.Sprintf("user %s has left the room\n", user) }
