package ws

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_LastRegisterWins(t *testing.T) {
	e := newEnv(t)
	r := NewRegistry()
	c1, c2 := e.connect(0), e.connect(0)

	assert.Nil(t, r.Register(7, c1))
	assert.Same(t, c1, r.Register(7, c2))

	got, ok := r.Lookup(7)
	require.True(t, ok)
	assert.Same(t, c2, got)
	assert.Equal(t, 1, r.Len())

	// evicted connection closing later must not remove the live entry
	_, ok = r.Unregister(c1)
	assert.False(t, ok)
	assert.True(t, r.Online(7))

	uid, ok := r.Unregister(c2)
	require.True(t, ok)
	assert.Equal(t, int64(7), uid)
	assert.False(t, r.Online(7))
	assert.Zero(t, r.Len())
}

func TestRegistry_IdentitySwitch(t *testing.T) {
	e := newEnv(t)
	r := NewRegistry()
	c := e.connect(0)

	r.Register(1, c)
	r.Register(2, c)

	assert.False(t, r.Online(1))
	assert.True(t, r.Online(2))
	uid, ok := r.UserOf(c)
	require.True(t, ok)
	assert.Equal(t, int64(2), uid)
	assert.ElementsMatch(t, []int64{2}, r.UserIDs())
}

func TestRooms_EmitAndLeave(t *testing.T) {
	e := newEnv(t)
	rooms := NewRooms()
	a, b := e.connect(0), e.connect(0)

	rooms.Join(a, "lobby")
	rooms.Join(b, "lobby")
	assert.Equal(t, 2, rooms.Members("lobby"))
	assert.Equal(t, 2, rooms.Emit("lobby", EventUserTyping, UserTypingPayload{SenderID: 1, IsTyping: true}))
	assert.Len(t, drain(a), 1)
	assert.Len(t, drain(b), 1)

	rooms.Leave(a, "lobby")
	assert.Equal(t, 1, rooms.Emit("lobby", EventUserTyping, UserTypingPayload{SenderID: 1}))
	assert.Empty(t, drain(a))

	rooms.LeaveAll(b)
	assert.Zero(t, rooms.Members("lobby"))
	assert.Zero(t, rooms.Emit("lobby", EventUserTyping, UserTypingPayload{}))
}

func TestRooms_JoinPersonalLeavesPreviousIdentity(t *testing.T) {
	e := newEnv(t)
	rooms := NewRooms()
	c := e.connect(0)

	rooms.Join(c, "lobby")
	rooms.JoinPersonal(c, 1)
	rooms.JoinPersonal(c, 2)

	assert.Zero(t, rooms.Members(PersonalRoom(1)))
	assert.Equal(t, 1, rooms.Members(PersonalRoom(2)))
	assert.Equal(t, 1, rooms.Members("lobby"))
}

func TestRooms_SlowConsumerClosed(t *testing.T) {
	e := newEnv(t)
	rooms := NewRooms()
	slow := &Client{hub: e.hub, send: make(chan OutgoingMessage, 1), done: make(chan struct{}), log: e.hub.log}
	fast := e.connect(0)
	rooms.Join(slow, "r")
	rooms.Join(fast, "r")

	assert.Equal(t, 2, rooms.Emit("r", EventUserTyping, UserTypingPayload{}))
	// buffer full: the slow connection is closed rather than blocking the emitter
	assert.Equal(t, 1, rooms.Emit("r", EventUserTyping, UserTypingPayload{}))
	select {
	case <-slow.done:
	default:
		t.Fatal("slow client should be closed")
	}
	assert.Len(t, drain(fast), 2)
}

func TestRegistry_ConcurrentRegisterAndEmit(t *testing.T) {
	e := newEnv(t)
	reg, rooms := e.hub.Registry(), e.hub.rooms

	var wg sync.WaitGroup
	for w := range 8 {
		uid := int64(w%4 + 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				c := e.connect(0)
				reg.Register(uid, c)
				rooms.JoinPersonal(c, uid)
				rooms.Join(c, "lobby")
				rooms.Emit("lobby", EventUserTyping, UserTypingPayload{SenderID: uid})
				rooms.EmitToUser(uid, EventUserTyping, UserTypingPayload{SenderID: uid})
				if got, ok := reg.Lookup(uid); ok {
					_, _ = reg.UserOf(got)
				}
				rooms.LeaveAll(c)
				reg.Unregister(c)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, reg.Len())
	assert.Empty(t, reg.UserIDs())
	assert.Zero(t, rooms.Members("lobby"))
	for uid := int64(1); uid <= 4; uid++ {
		assert.Zero(t, rooms.Members(PersonalRoom(uid)))
	}
}
