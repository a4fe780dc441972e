package ws

import (
	"strconv"
	"strings"
	"sync"

	"github.com/chatcore/internal/metrics"
)

const personalRoomPrefix = "user-"

// PersonalRoom is the notification room reserved for one identity.
func PersonalRoom(userID int64) string {
	return personalRoomPrefix + strconv.FormatInt(userID, 10)
}

// GroupRoom is the shared room name for a group conversation.
func GroupRoom(groupID int64) string {
	return "group-" + strconv.FormatInt(groupID, 10)
}

func isPersonalRoom(name string) bool {
	return strings.HasPrefix(name, personalRoomPrefix)
}

// Rooms is the named-group publish primitive.
//
// Delivery through Emit is at-most-once and fire-and-forget: an event is queued to
// every connection joined at the moment of the call, is never retried, and is never
// stored for connections that are absent. A connection whose send buffer is full is
// closed instead of blocking the emitter. Offline recipients read missed messages from
// persisted storage, not from here.
type Rooms struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Client]struct{}
	byConn map[*Client]map[string]struct{}
}

func NewRooms() *Rooms {
	return &Rooms{
		rooms:  make(map[string]map[*Client]struct{}),
		byConn: make(map[*Client]map[string]struct{}),
	}
}

func (r *Rooms) Join(c *Client, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joinLocked(c, room)
}

func (r *Rooms) joinLocked(c *Client, room string) {
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		r.rooms[room] = members
	}
	members[c] = struct{}{}
	joined, ok := r.byConn[c]
	if !ok {
		joined = make(map[string]struct{})
		r.byConn[c] = joined
	}
	joined[room] = struct{}{}
}

// JoinPersonal moves c into userID's personal room, leaving any other personal room first.
func (r *Rooms) JoinPersonal(c *Client, userID int64) {
	room := PersonalRoom(userID)
	r.mu.Lock()
	defer r.mu.Unlock()
	for joined := range r.byConn[c] {
		if joined != room && isPersonalRoom(joined) {
			r.leaveLocked(c, joined)
		}
	}
	r.joinLocked(c, room)
}

func (r *Rooms) Leave(c *Client, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(c, room)
}

func (r *Rooms) leaveLocked(c *Client, room string) {
	if members, ok := r.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if joined, ok := r.byConn[c]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.byConn, c)
		}
	}
}

// LeaveAll removes c from every room.
func (r *Rooms) LeaveAll(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for room := range r.byConn[c] {
		if members, ok := r.rooms[room]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(r.rooms, room)
			}
		}
	}
	delete(r.byConn, c)
}

// Members returns the number of connections in room.
func (r *Rooms) Members(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// Emit queues the event to every connection in room and returns how many accepted it.
// See the Rooms doc for the delivery contract.
func (r *Rooms) Emit(room string, event EventType, payload any) int {
	r.mu.RLock()
	members := r.rooms[room]
	targets := make([]*Client, 0, len(members))
	for c := range members {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	msg := OutgoingMessage{Type: event, Payload: payload}
	delivered := 0
	for _, c := range targets {
		if c.trySend(msg) {
			delivered++
			continue
		}
		metrics.EmitsDropped.Inc()
	}
	metrics.Emits.Add(float64(delivered))
	return delivered
}

// EmitToUser emits to userID's personal room.
func (r *Rooms) EmitToUser(userID int64, event EventType, payload any) int {
	return r.Emit(PersonalRoom(userID), event, payload)
}
