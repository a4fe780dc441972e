package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chatcore/internal/model"
	"github.com/chatcore/internal/repository"
	"github.com/chatcore/internal/service"
	"github.com/chatcore/internal/storage/memory"
)

var errStoreDown = errors.New("connection refused")

type fakeUsers struct {
	mu        sync.Mutex
	users     map[int64]*model.User
	statusErr error
}

func (f *fakeUsers) add(u model.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u.Status == "" {
		u.Status = model.UserStatusOffline
	}
	f.users[u.ID] = &u
}

func (f *fakeUsers) status(id int64) model.UserStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[id]; ok {
		return u.Status
	}
	return ""
}

func (f *fakeUsers) GetByID(_ context.Context, id int64) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) find(match func(*model.User) bool) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if match(u) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeUsers) GetByUsername(_ context.Context, username string) (*model.User, error) {
	return f.find(func(u *model.User) bool { return u.Username == username })
}

func (f *fakeUsers) GetByPhone(_ context.Context, phone string) (*model.User, error) {
	return f.find(func(u *model.User) bool { return u.PhoneNumber != "" && u.PhoneNumber == phone })
}

func (f *fakeUsers) FindByPhones(_ context.Context, phones []string) ([]model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[string]struct{}, len(phones))
	for _, p := range phones {
		want[p] = struct{}{}
	}
	var out []model.User
	for _, u := range f.users {
		if _, ok := want[u.PhoneNumber]; ok && u.PhoneNumber != "" {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeUsers) SetStatus(_ context.Context, id int64, status model.UserStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return f.statusErr
	}
	if u, ok := f.users[id]; ok {
		u.Status = status
	}
	return nil
}

func (f *fakeUsers) ListOnlineIDs(context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for id, u := range f.users {
		if u.Status == model.UserStatusOnline {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

type fakeMessages struct {
	mu        sync.Mutex
	next      int64
	msgs      map[int64]*model.Message
	createErr error
	creates   int
}

func (f *fakeMessages) Create(_ context.Context, m *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return f.createErr
	}
	f.next++
	m.ID = f.next
	m.Timestamp = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cp := *m
	f.msgs[m.ID] = &cp
	return nil
}

func (f *fakeMessages) GetByID(_ context.Context, id int64) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMessages) UpdateContent(_ context.Context, id int64, content string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[id]
	if !ok {
		return repository.ErrNotFound
	}
	m.Content = content
	m.Timestamp = at
	return nil
}

func (f *fakeMessages) Delete(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.msgs[id]; !ok {
		return repository.ErrNotFound
	}
	delete(f.msgs, id)
	return nil
}

func (f *fakeMessages) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type reactionKey struct {
	messageID, userID int64
	reaction          string
}

type fakeReactions struct {
	mu   sync.Mutex
	rows []reactionKey
}

func (f *fakeReactions) Add(_ context.Context, messageID, userID int64, reaction string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := reactionKey{messageID, userID, reaction}
	for _, r := range f.rows {
		if r == k {
			return false, nil
		}
	}
	f.rows = append(f.rows, k)
	return true, nil
}

func (f *fakeReactions) Aggregate(_ context.Context, messageID int64) (model.ReactionSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := model.ReactionSummary{}
	for _, r := range f.rows {
		if r.messageID == messageID {
			out[r.reaction] = append(out[r.reaction], r.userID)
		}
	}
	return out, nil
}

type fakeGroups struct {
	mu      sync.Mutex
	users   *fakeUsers
	groups  map[int64]*model.Group
	members map[int64][]int64
	updates int
}

func (f *fakeGroups) add(g model.Group, members ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if g.Status == "" {
		g.Status = model.GroupStatusOffline
	}
	f.groups[g.ID] = &g
	f.members[g.ID] = members
}

func (f *fakeGroups) status(id int64) model.GroupStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.groups[id].Status
}

func (f *fakeGroups) GetByID(_ context.Context, id int64) (*model.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (f *fakeGroups) IsMember(_ context.Context, groupID, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.members[groupID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeGroups) GetMembers(_ context.Context, groupID int64) ([]model.GroupMember, error) {
	f.mu.Lock()
	ids := append([]int64(nil), f.members[groupID]...)
	f.mu.Unlock()
	out := make([]model.GroupMember, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.GroupMember{GroupID: groupID, UserID: id, Role: "member", UserStatus: f.users.status(id)})
	}
	return out, nil
}

func (f *fakeGroups) GetMemberIDs(_ context.Context, groupID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.members[groupID]...), nil
}

func (f *fakeGroups) GetUserGroupIDs(_ context.Context, userID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for gid, members := range f.members {
		for _, id := range members {
			if id == userID {
				ids = append(ids, gid)
				break
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (f *fakeGroups) UpdateStatus(_ context.Context, groupID int64, status model.GroupStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[groupID]
	if !ok || g.Status == status {
		return false, nil
	}
	g.Status = status
	f.updates++
	return true, nil
}

type fakeFriends struct {
	mu    sync.Mutex
	users *fakeUsers
	next  int64
	rels  map[int64]*model.Relationship
}

func (f *fakeFriends) FindBetween(_ context.Context, a, b int64) (*model.Relationship, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rels {
		if (r.RequesterID == a && r.TargetID == b) || (r.RequesterID == b && r.TargetID == a) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeFriends) GetByID(_ context.Context, id int64) (*model.Relationship, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rels[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeFriends) Create(_ context.Context, requesterID, targetID int64) (*model.Relationship, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	r := &model.Relationship{ID: f.next, RequesterID: requesterID, TargetID: targetID, Status: model.RelationPending}
	f.rels[r.ID] = r
	cp := *r
	return &cp, nil
}

func (f *fakeFriends) befriend(a, b int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.rels[f.next] = &model.Relationship{ID: f.next, RequesterID: a, TargetID: b, Status: model.RelationAccepted}
}

func (f *fakeFriends) Accept(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rels[id]
	if !ok || r.Status != model.RelationPending {
		return repository.ErrNotFound
	}
	r.Status = model.RelationAccepted
	return nil
}

func (f *fakeFriends) Delete(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rels[id]; !ok {
		return repository.ErrNotFound
	}
	delete(f.rels, id)
	return nil
}

func (f *fakeFriends) FriendIDs(_ context.Context, userID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for _, r := range f.rels {
		if r.Status != model.RelationAccepted {
			continue
		}
		if r.RequesterID == userID || r.TargetID == userID {
			ids = append(ids, r.Peer(userID))
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (f *fakeFriends) ListForUser(ctx context.Context, userID int64) ([]model.User, error) {
	ids, _ := f.FriendIDs(ctx, userID)
	out := make([]model.User, 0, len(ids))
	for _, id := range ids {
		if u, err := f.users.GetByID(ctx, id); err == nil {
			out = append(out, *u)
		}
	}
	return out, nil
}

type fakeBlocks struct {
	mu    sync.Mutex
	edges map[[2]int64]struct{}
	err   error
}

func (f *fakeBlocks) Between(_ context.Context, a, b int64) (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, false, f.err
	}
	_, ab := f.edges[[2]int64{a, b}]
	_, ba := f.edges[[2]int64{b, a}]
	return ab, ba, nil
}

func (f *fakeBlocks) Create(_ context.Context, blockerID, targetID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := [2]int64{blockerID, targetID}
	if _, ok := f.edges[k]; ok {
		return false, nil
	}
	f.edges[k] = struct{}{}
	return true, nil
}

func (f *fakeBlocks) Delete(_ context.Context, blockerID, targetID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := [2]int64{blockerID, targetID}
	if _, ok := f.edges[k]; !ok {
		return false, nil
	}
	delete(f.edges, k)
	return true, nil
}

func (f *fakeBlocks) ListBlocked(_ context.Context, blockerID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for k := range f.edges {
		if k[0] == blockerID {
			ids = append(ids, k[1])
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

type fakeContacts struct {
	mu     sync.Mutex
	phones map[int64][]string
}

func (f *fakeContacts) ListPhones(_ context.Context, userID int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.phones[userID]...), nil
}

func (f *fakeContacts) Replace(_ context.Context, userID int64, phones []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phones[userID] = append([]string(nil), phones...)
	return nil
}

type fakeTokens map[string]int64

// tokenStoreDown verifies only after a failed blacklist lookup.
const tokenStoreDown = "t-store-down"

func (f fakeTokens) Verify(_ context.Context, raw string) (int64, error) {
	if id, ok := f[raw]; ok {
		return id, nil
	}
	if raw == tokenStoreDown {
		return 0, fmt.Errorf("token.Verify: %w: %w", service.ErrRevocationCheck, errStoreDown)
	}
	return 0, errors.New("token is malformed")
}

type pushCall struct {
	userID int64
	title  string
	body   string
}

type fakePush struct {
	mu    sync.Mutex
	calls []pushCall
}

func (f *fakePush) Notify(_ context.Context, userID int64, title, body string, _ map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pushCall{userID, title, body})
}

func (f *fakePush) recipients() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0, len(f.calls))
	for _, c := range f.calls {
		ids = append(ids, c.userID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// env wires a hub to in-memory stores. Users 1..4 exist; tokens "t<id>" verify as <id>.
type env struct {
	hub       *Hub
	users     *fakeUsers
	messages  *fakeMessages
	reactions *fakeReactions
	groups    *fakeGroups
	friends   *fakeFriends
	blocks    *fakeBlocks
	contacts  *fakeContacts
	idem      *memory.Client
	push      *fakePush
}

func newEnv(t *testing.T) *env {
	t.Helper()
	users := &fakeUsers{users: make(map[int64]*model.User)}
	e := &env{
		users:     users,
		messages:  &fakeMessages{msgs: make(map[int64]*model.Message)},
		reactions: &fakeReactions{},
		groups:    &fakeGroups{users: users, groups: make(map[int64]*model.Group), members: make(map[int64][]int64)},
		friends:   &fakeFriends{users: users, rels: make(map[int64]*model.Relationship)},
		blocks:    &fakeBlocks{edges: make(map[[2]int64]struct{})},
		contacts:  &fakeContacts{phones: make(map[int64][]string)},
		idem:      memory.New(),
		push:      &fakePush{},
	}
	users.add(model.User{ID: 1, Username: "alice", DisplayName: "Alice", AvatarURL: "/a.png", PhoneNumber: "+15550001"})
	users.add(model.User{ID: 2, Username: "bob", DisplayName: "Bob", PhoneNumber: "+15550002"})
	users.add(model.User{ID: 3, Username: "carol", PhoneNumber: "+15550003"})
	users.add(model.User{ID: 4, Username: "dave"})

	tokens := fakeTokens{"t1": 1, "t2": 2, "t3": 3, "t4": 4}
	e.hub = NewHub(Stores{
		Users:       e.users,
		Messages:    e.messages,
		Reactions:   e.reactions,
		Groups:      e.groups,
		Friends:     e.friends,
		Blocks:      e.blocks,
		Contacts:    e.contacts,
		Idempotency: e.idem,
	}, tokens, e.push, Options{})
	return e
}

// connect creates a connection without a socket; outbound events stay in its send buffer.
func (e *env) connect(authUserID int64) *Client {
	return e.hub.NewClient(nil, authUserID)
}

func (e *env) emit(t *testing.T, c *Client, event EventType, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	e.hub.HandleMessage(context.Background(), c, IncomingMessage{Type: event, Payload: raw})
}

func (e *env) join(t *testing.T, c *Client, userID int64) {
	t.Helper()
	e.emit(t, c, EventJoin, JoinPayload{UserID: userID})
	require.Equal(t, userID, c.UserID())
}

// joined returns a connection already joined as userID with an empty send buffer.
func (e *env) joined(t *testing.T, userID int64) *Client {
	t.Helper()
	c := e.connect(0)
	e.join(t, c, userID)
	drain(c)
	return c
}

// drain returns everything queued for c so far.
func drain(c *Client) []OutgoingMessage {
	var out []OutgoingMessage
	for {
		select {
		case m := <-c.send:
			out = append(out, m)
		default:
			return out
		}
	}
}

func ofType(msgs []OutgoingMessage, event EventType) []OutgoingMessage {
	var out []OutgoingMessage
	for _, m := range msgs {
		if m.Type == event {
			out = append(out, m)
		}
	}
	return out
}

// only drains c and requires exactly one event of the given type among what was queued.
func only[T any](t *testing.T, c *Client, event EventType) T {
	t.Helper()
	return pick[T](t, drain(c), event)
}

func pick[T any](t *testing.T, msgs []OutgoingMessage, event EventType) T {
	t.Helper()
	matched := ofType(msgs, event)
	require.Len(t, matched, 1, "events of type %s", event)
	p, ok := matched[0].Payload.(T)
	require.True(t, ok, "payload type %T", matched[0].Payload)
	return p
}

// disconnect runs the hub's close path for c and waits for presence teardown.
func (e *env) disconnect(c *Client) {
	e.hub.removeClient(c)
	e.hub.teardowns.Wait()
}

// listen returns a bare connection subscribed to userID's personal room without
// registering a session for it.
func (e *env) listen(userID int64) *Client {
	c := e.connect(0)
	e.hub.rooms.Join(c, PersonalRoom(userID))
	return c
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

const (
	timeout = time.Second
	tick    = 10 * time.Millisecond
)
