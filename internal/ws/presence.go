package ws

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/metrics"
	"github.com/chatcore/internal/model"
)

// keyedMutex serialises work per id; entries are dropped when no one holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[int64]*keyedLock)}
}

func (k *keyedMutex) Lock(id int64) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &keyedLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

// Presence derives per-user and per-group online state from the registry and the
// persisted status flags, and pushes changes to personal rooms.
//
// Presence is local to this process: a second instance has its own registry and
// would compute group status from its own connections plus persisted flags only.
type Presence struct {
	registry *Registry
	rooms    *Rooms
	users    UserStore
	friends  FriendStore
	groups   GroupStore

	userLocks  *keyedMutex
	groupLocks *keyedMutex
	log        zerolog.Logger
}

func NewPresence(registry *Registry, rooms *Rooms, users UserStore, friends FriendStore, groups GroupStore) *Presence {
	return &Presence{
		registry:   registry,
		rooms:      rooms,
		users:      users,
		friends:    friends,
		groups:     groups,
		userLocks:  newKeyedMutex(),
		groupLocks: newKeyedMutex(),
		log:        logger.With("presence"),
	}
}

// Join binds c to userID, marks the user online, notifies accepted friends and
// recomputes every group the user belongs to.
func (p *Presence) Join(ctx context.Context, c *Client, userID int64) error {
	unlock := p.userLocks.Lock(userID)

	prev := c.UserID()
	evicted := p.registry.Register(userID, c)
	if evicted != nil {
		p.rooms.Leave(evicted, PersonalRoom(userID))
		p.log.Info().Int64("user_id", userID).Msg("previous session evicted")
	}
	p.rooms.JoinPersonal(c, userID)
	c.setUserID(userID)

	if err := p.users.SetStatus(ctx, userID, model.UserStatusOnline); err != nil {
		unlock()
		return fmt.Errorf("presence join user=%d: %w", userID, err)
	}
	p.log.Info().Int64("user_id", userID).Msg("join")
	p.notifyFriends(ctx, userID, EventUserJoined)
	unlock()

	// connection switched identity: the old one is no longer reachable through it
	if prev != 0 && prev != userID {
		p.Disconnect(ctx, prev)
	}
	p.recomputeUserGroups(ctx, userID)
	return nil
}

// Disconnect is the teardown for a user whose connection left the registry. It is a
// no-op if the user has joined again in the meantime.
func (p *Presence) Disconnect(ctx context.Context, userID int64) {
	unlock := p.userLocks.Lock(userID)
	if p.registry.Online(userID) {
		unlock()
		return
	}
	if err := p.users.SetStatus(ctx, userID, model.UserStatusOffline); err != nil {
		p.log.Error().Err(err).Int64("user_id", userID).Msg("set offline")
	}
	p.log.Info().Int64("user_id", userID).Msg("disconnect")
	p.notifyFriends(ctx, userID, EventUserOffline)
	unlock()

	p.recomputeUserGroups(ctx, userID)
}

func (p *Presence) notifyFriends(ctx context.Context, userID int64, event EventType) {
	peers, err := p.friends.FriendIDs(ctx, userID)
	if err != nil {
		p.log.Error().Err(err).Int64("user_id", userID).Str("event", string(event)).Msg("load friends")
		return
	}
	payload := UserPresencePayload{UserID: userID}
	for _, peer := range peers {
		p.rooms.EmitToUser(peer, event, payload)
	}
}

func (p *Presence) recomputeUserGroups(ctx context.Context, userID int64) {
	groupIDs, err := p.groups.GetUserGroupIDs(ctx, userID)
	if err != nil {
		p.log.Error().Err(err).Int64("user_id", userID).Msg("load groups")
		return
	}
	for _, gid := range groupIDs {
		if _, _, err := p.RecomputeGroupStatus(ctx, gid); err != nil {
			p.log.Error().Err(err).Int64("group_id", gid).Msg("recompute group status")
		}
	}
}

// RecomputeGroupStatus sets the group online iff at least two distinct members are
// reachable (registered here, or persisted online). It depends only on current state,
// so repeated calls converge; a transition is persisted and sent to every member.
func (p *Presence) RecomputeGroupStatus(ctx context.Context, groupID int64) (model.GroupStatus, bool, error) {
	unlock := p.groupLocks.Lock(groupID)
	defer unlock()

	members, err := p.groups.GetMembers(ctx, groupID)
	if err != nil {
		return "", false, fmt.Errorf("load members group=%d: %w", groupID, err)
	}
	reachable := 0
	seen := make(map[int64]struct{}, len(members))
	for _, m := range members {
		if _, dup := seen[m.UserID]; dup {
			continue
		}
		seen[m.UserID] = struct{}{}
		if p.registry.Online(m.UserID) || m.UserStatus == model.UserStatusOnline {
			reachable++
		}
	}
	status := model.GroupStatusOffline
	if reachable >= 2 {
		status = model.GroupStatusOnline
	}

	changed, err := p.groups.UpdateStatus(ctx, groupID, status)
	if err != nil {
		return "", false, fmt.Errorf("update status group=%d: %w", groupID, err)
	}
	if !changed {
		return status, false, nil
	}

	metrics.GroupTransitions.WithLabelValues(string(status)).Inc()
	p.log.Info().Int64("group_id", groupID).Str("status", string(status)).Int("reachable", reachable).Msg("group status changed")
	payload := GroupUpdatedPayload{GroupID: groupID, Status: status}
	for uid := range seen {
		p.rooms.EmitToUser(uid, EventGroupUpdated, payload)
	}
	return status, true, nil
}

// Sweep marks users persisted online but absent from the registry as offline.
// It returns how many users were reconciled.
func (p *Presence) Sweep(ctx context.Context) (int, error) {
	ids, err := p.users.ListOnlineIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("presence sweep: %w", err)
	}
	n := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if p.registry.Online(id) {
			continue
		}
		p.Disconnect(ctx, id)
		n++
	}
	return n, nil
}
