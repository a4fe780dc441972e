package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/metrics"
	"github.com/chatcore/internal/model"
	"github.com/chatcore/internal/service"
)

const maxSyncContacts = 5000

// Command actions accepted by the dispatcher.
const (
	ActionListContacts        = "list-contacts"
	ActionSendFriendRequest   = "send-friend-request"
	ActionAcceptFriendRequest = "accept-friend-request"
	ActionRejectFriendRequest = "reject-friend-request"
	ActionBlockUser           = "block-user"
	ActionUnblockUser         = "unblock-user"
	ActionSyncContacts        = "sync-contacts"
)

// Command is one of the closed set of command kinds below; each owns its payload schema.
type Command interface {
	Action() string
	validate() error
}

type ListContacts struct{}

type SendFriendRequest struct {
	TargetRef
}

// FriendResponse addresses a pending request by its id or by the requester's id.
type FriendResponse struct {
	RequestID int64 `json:"request_id,omitempty"`
	UserID    int64 `json:"user_id,omitempty"`
}

type AcceptFriendRequest struct{ FriendResponse }

type RejectFriendRequest struct{ FriendResponse }

type BlockUser struct {
	UserID int64 `json:"user_id"`
}

type UnblockUser struct {
	UserID int64 `json:"user_id"`
}

type SyncContacts struct {
	Phones []string `json:"phones"`
}

func (ListContacts) Action() string        { return ActionListContacts }
func (SendFriendRequest) Action() string   { return ActionSendFriendRequest }
func (AcceptFriendRequest) Action() string { return ActionAcceptFriendRequest }
func (RejectFriendRequest) Action() string { return ActionRejectFriendRequest }
func (BlockUser) Action() string           { return ActionBlockUser }
func (UnblockUser) Action() string         { return ActionUnblockUser }
func (SyncContacts) Action() string        { return ActionSyncContacts }

func (ListContacts) validate() error { return nil }

func (c SendFriendRequest) validate() error {
	if c.empty() {
		return ErrInvalidPayload
	}
	return nil
}

func (r FriendResponse) validate() error {
	if r.RequestID <= 0 && r.UserID <= 0 {
		return ErrInvalidPayload
	}
	return nil
}

func (c BlockUser) validate() error {
	if c.UserID <= 0 {
		return ErrInvalidPayload
	}
	return nil
}

func (c UnblockUser) validate() error {
	if c.UserID <= 0 {
		return ErrInvalidPayload
	}
	return nil
}

func (c SyncContacts) validate() error {
	if c.Phones == nil || len(c.Phones) > maxSyncContacts {
		return ErrInvalidPayload
	}
	return nil
}

// decodeCommand turns {action, data} into a typed command.
func decodeCommand(action string, data json.RawMessage) (Command, error) {
	var cmd Command
	switch action {
	case ActionListContacts:
		cmd = &ListContacts{}
	case ActionSendFriendRequest:
		cmd = &SendFriendRequest{}
	case ActionAcceptFriendRequest:
		cmd = &AcceptFriendRequest{}
	case ActionRejectFriendRequest:
		cmd = &RejectFriendRequest{}
	case ActionBlockUser:
		cmd = &BlockUser{}
	case ActionUnblockUser:
		cmd = &UnblockUser{}
	case ActionSyncContacts:
		cmd = &SyncContacts{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, cmd); err != nil {
			return nil, ErrInvalidPayload
		}
	}
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// NormalizePhone keeps digits and a leading "+". Returns "" when fewer than 5 digits remain.
func NormalizePhone(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	b.Grow(len(s))
	digits := 0
	for i, r := range s {
		switch {
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			digits++
		}
	}
	if digits < 5 {
		return ""
	}
	return b.String()
}

// ContactsResult is the data of list-contacts and sync-contacts responses.
type ContactsResult struct {
	Friends  []model.UserPublic `json:"friends,omitempty"`
	Contacts []model.UserPublic `json:"contacts"`
	Blocked  []int64            `json:"blocked,omitempty"`
	Changed  bool               `json:"changed,omitempty"`
}

type FriendRequestResult struct {
	RequestID int64                `json:"request_id"`
	UserID    int64                `json:"user_id"`
	Status    model.RelationStatus `json:"status,omitempty"`
}

type BlockResult struct {
	UserID        int64 `json:"user_id"`
	AlreadyExists bool  `json:"already_exists,omitempty"`
	Removed       bool  `json:"removed,omitempty"`
}

// Dispatcher is the single RPC surface for auxiliary actions. The acting identity always
// comes from the command token.
type Dispatcher struct {
	tokens   TokenVerifier
	gate     *Gate
	registry *Registry
	stores   Stores
	log      zerolog.Logger
}

func NewDispatcher(tokens TokenVerifier, gate *Gate, registry *Registry, stores Stores) *Dispatcher {
	return &Dispatcher{tokens: tokens, gate: gate, registry: registry, stores: stores, log: logger.With("command")}
}

// Dispatch executes req and answers the caller with command_response.
func (d *Dispatcher) Dispatch(ctx context.Context, c *Client, req CommandRequest) {
	data, err := d.dispatch(ctx, c, req)
	resp := CommandResponse{Action: req.Action, OK: err == nil, Data: data}
	result := "ok"
	if err != nil {
		cat := classify(err)
		resp.Error = publicMessage(err)
		resp.Code = string(cat)
		resp.Data = nil
		result = string(cat)
		if cat == CategoryPersistence {
			d.log.Error().Err(err).Str("action", req.Action).Msg("command failed")
		} else {
			d.log.Debug().Err(err).Str("action", req.Action).Msg("command rejected")
		}
	}
	metrics.Commands.WithLabelValues(metricAction(req.Action), result).Inc()
	c.trySend(OutgoingMessage{Type: EventCommandResponse, Payload: resp})
}

var knownActions = map[string]struct{}{
	ActionListContacts: {}, ActionSendFriendRequest: {}, ActionAcceptFriendRequest: {},
	ActionRejectFriendRequest: {}, ActionBlockUser: {}, ActionUnblockUser: {}, ActionSyncContacts: {},
}

// metricAction keeps label cardinality bounded.
func metricAction(action string) string {
	if _, ok := knownActions[action]; ok {
		return action
	}
	return "unknown"
}

func (d *Dispatcher) dispatch(ctx context.Context, c *Client, req CommandRequest) (any, error) {
	if d.tokens == nil || req.Token == "" {
		return nil, ErrUnauthorized
	}
	actorID, err := d.tokens.Verify(ctx, req.Token)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, service.ErrRevocationCheck) {
			return nil, fmt.Errorf("verify token: %w", err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	cmd, err := decodeCommand(req.Action, req.Data)
	if err != nil {
		return nil, err
	}
	d.log.Debug().Str("action", cmd.Action()).Int64("user_id", actorID).Msg("command")
	return d.exec(ctx, c, actorID, cmd)
}

func (d *Dispatcher) exec(ctx context.Context, c *Client, actorID int64, cmd Command) (any, error) {
	switch cmd := cmd.(type) {
	case *ListContacts:
		return d.listContacts(ctx, actorID)
	case *SendFriendRequest:
		rel, err := d.gate.SendFriendRequest(ctx, actorID, cmd.TargetRef)
		if err != nil {
			return nil, err
		}
		return FriendRequestResult{RequestID: rel.ID, UserID: rel.TargetID, Status: rel.Status}, nil
	case *AcceptFriendRequest:
		rel, err := d.gate.AcceptFriendRequest(ctx, actorID, cmd.RequestID, cmd.UserID)
		if err != nil {
			return nil, err
		}
		return FriendRequestResult{RequestID: rel.ID, UserID: rel.RequesterID, Status: rel.Status}, nil
	case *RejectFriendRequest:
		rel, err := d.gate.RejectFriendRequest(ctx, actorID, cmd.RequestID, cmd.UserID)
		if err != nil {
			return nil, err
		}
		return FriendRequestResult{RequestID: rel.ID, UserID: rel.RequesterID}, nil
	case *BlockUser:
		created, err := d.gate.Block(ctx, actorID, cmd.UserID)
		if err != nil {
			return nil, err
		}
		return BlockResult{UserID: cmd.UserID, AlreadyExists: !created}, nil
	case *UnblockUser:
		removed, err := d.gate.Unblock(ctx, actorID, cmd.UserID)
		if err != nil {
			return nil, err
		}
		return BlockResult{UserID: cmd.UserID, Removed: removed}, nil
	case *SyncContacts:
		return d.syncContacts(ctx, c, actorID, cmd.Phones)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, cmd.Action())
	}
}

func (d *Dispatcher) public(users []model.User, exclude int64) []model.UserPublic {
	out := make([]model.UserPublic, 0, len(users))
	for i := range users {
		if users[i].ID == exclude {
			continue
		}
		pub := users[i].ToPublic()
		pub.Online = d.registry.Online(users[i].ID)
		out = append(out, pub)
	}
	return out
}

func (d *Dispatcher) matchContacts(ctx context.Context, actorID int64, phones []string) ([]model.UserPublic, error) {
	users, err := d.stores.Users.FindByPhones(ctx, phones)
	if err != nil {
		return nil, fmt.Errorf("match contacts user=%d: %w", actorID, err)
	}
	return d.public(users, actorID), nil
}

func (d *Dispatcher) listContacts(ctx context.Context, actorID int64) (any, error) {
	friends, err := d.stores.Friends.ListForUser(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("list friends user=%d: %w", actorID, err)
	}
	phones, err := d.stores.Contacts.ListPhones(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("list contacts user=%d: %w", actorID, err)
	}
	contacts, err := d.matchContacts(ctx, actorID, phones)
	if err != nil {
		return nil, err
	}
	blocked, err := d.stores.Blocks.ListBlocked(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("list blocked user=%d: %w", actorID, err)
	}
	return ContactsResult{Friends: d.public(friends, actorID), Contacts: contacts, Blocked: blocked}, nil
}

// syncContacts replaces the stored address book and reports the matched accounts.
// contact_updated goes to this connection only, and only when the match set changed.
func (d *Dispatcher) syncContacts(ctx context.Context, c *Client, actorID int64, raw []string) (any, error) {
	seen := make(map[string]struct{}, len(raw))
	phones := make([]string, 0, len(raw))
	for _, p := range raw {
		n := NormalizePhone(p)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		phones = append(phones, n)
	}
	sort.Strings(phones)

	prior, err := d.stores.Contacts.ListPhones(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("load contacts user=%d: %w", actorID, err)
	}
	before, err := d.matchContacts(ctx, actorID, prior)
	if err != nil {
		return nil, err
	}
	if err := d.stores.Contacts.Replace(ctx, actorID, phones); err != nil {
		return nil, fmt.Errorf("replace contacts user=%d: %w", actorID, err)
	}
	after, err := d.matchContacts(ctx, actorID, phones)
	if err != nil {
		return nil, err
	}

	changed := !sameUsers(before, after)
	if changed {
		c.trySend(OutgoingMessage{Type: EventContactUpdated, Payload: ContactUpdatedPayload{Contacts: after}})
	}
	return ContactsResult{Contacts: after, Changed: changed}, nil
}

func sameUsers(a, b []model.UserPublic) bool {
	if len(a) != len(b) {
		return false
	}
	ids := make(map[int64]struct{}, len(a))
	for _, u := range a {
		ids[u.ID] = struct{}{}
	}
	for _, u := range b {
		if _, ok := ids[u.ID]; !ok {
			return false
		}
	}
	return true
}
