package ws

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatcore/internal/model"
)

func TestPresence_GroupOnlineWithTwoMembers(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.groups.add(model.Group{ID: 10, Name: "team", OwnerID: 1}, 1, 2, 3)
	third := e.listen(3)

	c1 := e.joined(t, 1)
	assert.Equal(t, model.GroupStatusOffline, e.groups.status(10))
	assert.Empty(t, drain(third))

	c2 := e.connect(0)
	e.join(t, c2, 2)
	assert.Equal(t, model.GroupStatusOnline, e.groups.status(10))
	for _, c := range []*Client{c1, c2, third} {
		got := only[GroupUpdatedPayload](t, c, EventGroupUpdated)
		assert.Equal(t, GroupUpdatedPayload{GroupID: 10, Status: model.GroupStatusOnline}, got)
	}

	// recompute with unchanged state: same answer, no transition, no broadcast
	for range 2 {
		status, changed, err := e.hub.presence.RecomputeGroupStatus(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, model.GroupStatusOnline, status)
		assert.False(t, changed)
	}
	assert.Empty(t, drain(third))

	e.disconnect(c1)
	e.disconnect(c2)
	assert.Equal(t, model.GroupStatusOffline, e.groups.status(10))
	got := only[GroupUpdatedPayload](t, third, EventGroupUpdated)
	assert.Equal(t, model.GroupStatusOffline, got.Status)
	assert.Equal(t, model.UserStatusOffline, e.users.status(1))
	assert.Equal(t, model.UserStatusOffline, e.users.status(2))
}

func TestPresence_FriendsNotified(t *testing.T) {
	e := newEnv(t)
	e.friends.befriend(1, 2)
	c1 := e.joined(t, 1)
	stranger := e.joined(t, 3)

	c2 := e.joined(t, 2)
	assert.Equal(t, UserPresencePayload{UserID: 2}, only[UserPresencePayload](t, c1, EventUserJoined))
	assert.Empty(t, ofType(drain(stranger), EventUserJoined))

	e.disconnect(c2)
	assert.Equal(t, UserPresencePayload{UserID: 2}, only[UserPresencePayload](t, c1, EventUserOffline))
	assert.Equal(t, model.UserStatusOnline, e.users.status(1))
}

func TestPresence_EvictedSessionCloseKeepsUserOnline(t *testing.T) {
	e := newEnv(t)
	old := e.joined(t, 1)
	live := e.joined(t, 1)

	assert.Equal(t, 1, e.hub.rooms.Emit(PersonalRoom(1), EventUserTyping, UserTypingPayload{SenderID: 2}))
	assert.Empty(t, drain(old), "evicted connection left the personal room")
	assert.Len(t, drain(live), 1)

	e.disconnect(old)
	assert.Equal(t, model.UserStatusOnline, e.users.status(1))
	assert.True(t, e.hub.registry.Online(1))

	e.disconnect(live)
	assert.Equal(t, model.UserStatusOffline, e.users.status(1))
	assert.False(t, e.hub.registry.Online(1))
}

func TestPresence_IdentitySwitch(t *testing.T) {
	e := newEnv(t)
	c := e.joined(t, 1)
	e.join(t, c, 2)

	assert.Equal(t, model.UserStatusOffline, e.users.status(1))
	assert.Equal(t, model.UserStatusOnline, e.users.status(2))
	assert.False(t, e.hub.registry.Online(1))
	assert.Zero(t, e.hub.rooms.Members(PersonalRoom(1)))
}

func TestPresence_Sweep(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.joined(t, 1)
	e.users.add(model.User{ID: 5, Username: "stale", Status: model.UserStatusOnline})

	n, err := e.hub.presence.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.UserStatusOffline, e.users.status(5))
	assert.Equal(t, model.UserStatusOnline, e.users.status(1))

	n, err = e.hub.presence.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPresence_RunSweepRejectsBadSchedule(t *testing.T) {
	e := newEnv(t)
	err := e.hub.presence.RunSweep(context.Background(), "every minute")
	assert.Error(t, err)
}

func TestPresence_ConcurrentJoinAndDisconnect(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.groups.add(model.Group{ID: 10, Name: "team", OwnerID: 1}, 1, 2, 3, 4)
	e.friends.befriend(1, 2)
	e.friends.befriend(3, 4)

	joins := make([]IncomingMessage, 4)
	for i := range joins {
		joins[i] = IncomingMessage{Type: EventJoin, Payload: rawJSON(t, JoinPayload{UserID: int64(i + 1)})}
	}

	for round := range 30 {
		clients := make([]*Client, len(joins))
		var wg sync.WaitGroup
		for i := range clients {
			clients[i] = e.connect(0)
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.hub.HandleMessage(ctx, clients[i], joins[i])
			}()
		}
		wg.Wait()

		require.Equal(t, 4, e.hub.registry.Len(), "round %d", round)
		require.Equal(t, model.GroupStatusOnline, e.groups.status(10), "round %d", round)
		for uid := int64(1); uid <= 4; uid++ {
			require.Equal(t, model.UserStatusOnline, e.users.status(uid), "round %d user %d", round, uid)
		}

		for _, c := range clients {
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.hub.removeClient(c)
			}()
		}
		wg.Wait()
		e.hub.teardowns.Wait()

		require.Zero(t, e.hub.registry.Len(), "round %d", round)
		require.Equal(t, model.GroupStatusOffline, e.groups.status(10), "round %d", round)
		for uid := int64(1); uid <= 4; uid++ {
			require.Equal(t, model.UserStatusOffline, e.users.status(uid), "round %d user %d", round, uid)
		}
	}
}
