package ws

import (
	"sync"

	"github.com/chatcore/internal/metrics"
)

// Registry tracks exactly one active connection per user identity. The last Register
// for an identity wins; the connection it replaced is no longer tracked for presence.
type Registry struct {
	mu     sync.RWMutex
	byUser map[int64]*Client
	byConn map[*Client]int64
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[int64]*Client),
		byConn: make(map[*Client]int64),
	}
}

// Register binds userID to c and returns the connection it evicted, if any.
// A connection re-registering under a different identity drops its old binding.
func (r *Registry) Register(userID int64, c *Client) (evicted *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byConn[c]; ok && prev != userID {
		if r.byUser[prev] == c {
			delete(r.byUser, prev)
		}
	}
	if old, ok := r.byUser[userID]; ok && old != c {
		delete(r.byConn, old)
		evicted = old
	}
	r.byUser[userID] = c
	r.byConn[c] = userID
	metrics.Sessions.Set(float64(len(r.byUser)))
	return evicted
}

// Unregister removes the entry whose value is c. ok is false if c was not tracked
// (never joined, or already evicted by a later join).
func (r *Registry) Unregister(c *Client) (userID int64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok = r.byConn[c]
	if !ok {
		return 0, false
	}
	delete(r.byConn, c)
	if r.byUser[userID] == c {
		delete(r.byUser, userID)
	}
	metrics.Sessions.Set(float64(len(r.byUser)))
	return userID, true
}

func (r *Registry) Lookup(userID int64) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byUser[userID]
	return c, ok
}

// Online reports whether userID currently has a registered connection.
func (r *Registry) Online(userID int64) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// UserOf returns the identity c is registered under.
func (r *Registry) UserOf(c *Client) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byConn[c]
	return id, ok
}

func (r *Registry) UserIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.byUser))
	for id := range r.byUser {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
