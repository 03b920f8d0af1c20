package ws

import (
	"sync"
)

// Sink is a send-capable handle to one live connection.
type Sink interface {
	// Send enqueues the envelope for delivery, best effort. It returns
	// false when the connection is closing or its outbound queue is
	// full; it never blocks.
	Send(env *Envelope) bool

	// Close tears the connection down. Idempotent.
	Close(cause CloseCause)
}

// ActiveUser is one entry of a registry snapshot.
type ActiveUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Registry is the in-memory map from online user id to connection.
// It is the only state shared across connection goroutines.
type Registry struct {
	sync.RWMutex
	conns map[int64]Sink
	names map[int64]string
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[int64]Sink),
		names: make(map[int64]string),
	}
}

// Register upserts the connection for uid and returns the replaced
// sink, if any, so the caller can close it. A user has at most one
// registered connection at any instant.
func (r *Registry) Register(uid int64, username string, s Sink) Sink {
	r.Lock()
	prev := r.conns[uid]
	r.conns[uid] = s
	r.names[uid] = username
	r.Unlock()
	return prev
}

// Unregister removes uid's entry, but only if it still maps to s.
// This keeps a superseded connection's late cleanup from evicting its
// replacement. No-op when absent.
func (r *Registry) Unregister(uid int64, s Sink) {
	r.Lock()
	if cur, ok := r.conns[uid]; ok && (s == nil || cur == s) {
		delete(r.conns, uid)
		delete(r.names, uid)
	}
	r.Unlock()
}

func (r *Registry) get(uid int64) Sink {
	r.RLock()
	s := r.conns[uid]
	r.RUnlock()
	return s
}

// SendTo delivers env to uid's connection if online. False means the
// recipient is offline or the local write failed; never an error.
func (r *Registry) SendTo(uid int64, env *Envelope) bool {
	s := r.get(uid)
	if s == nil {
		return false
	}
	return s.Send(env)
}

// Broadcast fans env out to every registered connection except
// excludeUID. Per-connection failures are swallowed.
func (r *Registry) Broadcast(env *Envelope, excludeUID int64) {
	r.RLock()
	sinks := make([]Sink, 0, len(r.conns))
	for uid, s := range r.conns {
		if uid != excludeUID {
			sinks = append(sinks, s)
		}
	}
	r.RUnlock()

	for _, s := range sinks {
		_ = s.Send(env)
	}
}

// Snapshot returns the connection count and the online users.
func (r *Registry) Snapshot() (int, []ActiveUser) {
	r.RLock()
	defer r.RUnlock()

	users := make([]ActiveUser, 0, len(r.names))
	for uid, name := range r.names {
		users = append(users, ActiveUser{ID: uid, Username: name})
	}
	return len(r.conns), users
}

// CloseAll closes every registered connection, for server shutdown.
func (r *Registry) CloseAll(cause CloseCause) {
	r.RLock()
	sinks := make([]Sink, 0, len(r.conns))
	for _, s := range r.conns {
		sinks = append(sinks, s)
	}
	r.RUnlock()

	for _, s := range sinks {
		s.Close(cause)
	}
}
