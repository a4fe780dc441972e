package ws

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/model"
	"github.com/chatcore/internal/repository"
)

// BlockState describes the block relation as seen from a sender towards a receiver.
type BlockState struct {
	// BlockedByReceiver: the receiver blocked the sender ("you are blocked").
	BlockedByReceiver bool
	// BlockedReceiver: the sender blocked the receiver ("you blocked them").
	BlockedReceiver bool
}

func (b BlockState) Blocked() bool { return b.BlockedByReceiver || b.BlockedReceiver }

func (b BlockState) Reason() string {
	switch {
	case b.BlockedByReceiver:
		return "you are blocked by this user"
	case b.BlockedReceiver:
		return "you blocked this user"
	default:
		return ""
	}
}

// TargetRef names the other side of a relationship by id, contact phone or username.
type TargetRef struct {
	UserID   int64  `json:"user_id,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Username string `json:"username,omitempty"`
}

func (t TargetRef) empty() bool {
	return t.UserID <= 0 && strings.TrimSpace(t.Phone) == "" && strings.TrimSpace(t.Username) == ""
}

// Gate enforces block relations and runs the friend-request state machine.
// Every actor id it receives comes from a verified token, never from the payload.
type Gate struct {
	users   UserStore
	friends FriendStore
	blocks  BlockStore
	rooms   *Rooms
	log     zerolog.Logger
}

func NewGate(users UserStore, friends FriendStore, blocks BlockStore, rooms *Rooms) *Gate {
	return &Gate{users: users, friends: friends, blocks: blocks, rooms: rooms, log: logger.With("gate")}
}

// BlockState checks both directions between sender and receiver.
func (g *Gate) BlockState(ctx context.Context, senderID, receiverID int64) (BlockState, error) {
	senderBlocks, receiverBlocks, err := g.blocks.Between(ctx, senderID, receiverID)
	if err != nil {
		return BlockState{}, err
	}
	return BlockState{BlockedByReceiver: receiverBlocks, BlockedReceiver: senderBlocks}, nil
}

func (g *Gate) resolve(ctx context.Context, t TargetRef) (*model.User, error) {
	var (
		u   *model.User
		err error
	)
	switch {
	case t.UserID > 0:
		u, err = g.users.GetByID(ctx, t.UserID)
	case strings.TrimSpace(t.Phone) != "":
		phone := NormalizePhone(t.Phone)
		if phone == "" {
			return nil, ErrInvalidPayload
		}
		u, err = g.users.GetByPhone(ctx, phone)
	case strings.TrimSpace(t.Username) != "":
		u, err = g.users.GetByUsername(ctx, strings.TrimSpace(t.Username))
	default:
		return nil, ErrInvalidPayload
	}
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	return u, err
}

// SendFriendRequest creates a pending edge requester -> target and notifies the target.
func (g *Gate) SendFriendRequest(ctx context.Context, requesterID int64, target TargetRef) (*model.Relationship, error) {
	to, err := g.resolve(ctx, target)
	if err != nil {
		return nil, err
	}
	if to.ID == requesterID {
		return nil, ErrSelfRelation
	}
	existing, err := g.friends.FindBetween(ctx, requesterID, to.ID)
	switch {
	case err == nil && existing != nil:
		return nil, ErrRelationExists
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}

	rel, err := g.friends.Create(ctx, requesterID, to.ID)
	if errors.Is(err, repository.ErrAlreadyExists) {
		return nil, ErrRelationExists
	}
	if err != nil {
		return nil, err
	}

	requester, err := g.users.GetByID(ctx, requesterID)
	if err != nil {
		g.log.Error().Err(err).Int64("user_id", requesterID).Msg("load requester")
		requester = &model.User{ID: requesterID}
	}
	g.rooms.EmitToUser(to.ID, EventFriendRequestReceived, FriendRequestPayload{
		RequestID: rel.ID,
		User:      requester.ToPublic(),
	})
	g.log.Info().Int64("request_id", rel.ID).Int64("from", requesterID).Int64("to", to.ID).Msg("friend request")
	return rel, nil
}

// pending loads a pending edge addressed to actorID. The edge is identified by its id or,
// when requestID is 0, by the requester.
func (g *Gate) pending(ctx context.Context, actorID, requestID, requesterID int64) (*model.Relationship, error) {
	var (
		rel *model.Relationship
		err error
	)
	switch {
	case requestID > 0:
		rel, err = g.friends.GetByID(ctx, requestID)
	case requesterID > 0:
		rel, err = g.friends.FindBetween(ctx, actorID, requesterID)
	default:
		return nil, ErrInvalidPayload
	}
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrRelationNotFound
	}
	if err != nil {
		return nil, err
	}
	if rel.TargetID != actorID {
		if rel.RequesterID == actorID || requestID > 0 {
			return nil, ErrNotRequestTarget
		}
		return nil, ErrRelationNotFound
	}
	if rel.Status != model.RelationPending {
		return nil, ErrRelationNotPending
	}
	return rel, nil
}

// AcceptFriendRequest flips a pending edge to accepted; only its target may do so.
func (g *Gate) AcceptFriendRequest(ctx context.Context, actorID, requestID, requesterID int64) (*model.Relationship, error) {
	rel, err := g.pending(ctx, actorID, requestID, requesterID)
	if err != nil {
		return nil, err
	}
	if err := g.friends.Accept(ctx, rel.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrRelationNotPending
		}
		return nil, err
	}
	rel.Status = model.RelationAccepted

	actor, err := g.users.GetByID(ctx, actorID)
	if err != nil {
		actor = &model.User{ID: actorID}
	}
	g.rooms.EmitToUser(rel.RequesterID, EventFriendRequestAccepted, FriendRequestPayload{
		RequestID: rel.ID,
		User:      actor.ToPublic(),
	})
	return rel, nil
}

// RejectFriendRequest deletes a pending edge; only its target may do so.
func (g *Gate) RejectFriendRequest(ctx context.Context, actorID, requestID, requesterID int64) (*model.Relationship, error) {
	rel, err := g.pending(ctx, actorID, requestID, requesterID)
	if err != nil {
		return nil, err
	}
	if err := g.friends.Delete(ctx, rel.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrRelationNotFound
		}
		return nil, err
	}
	g.rooms.EmitToUser(rel.RequesterID, EventFriendRequestRejected, FriendRequestPayload{
		RequestID: rel.ID,
		User:      model.UserPublic{ID: actorID},
	})
	return rel, nil
}

// Block records blocker -> target. A repeat block reports created=false.
func (g *Gate) Block(ctx context.Context, blockerID, targetID int64) (bool, error) {
	if targetID <= 0 {
		return false, ErrInvalidPayload
	}
	if targetID == blockerID {
		return false, ErrSelfRelation
	}
	if _, err := g.users.GetByID(ctx, targetID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, ErrUserNotFound
		}
		return false, err
	}
	created, err := g.blocks.Create(ctx, blockerID, targetID)
	if err != nil {
		return false, fmt.Errorf("block %d->%d: %w", blockerID, targetID, err)
	}
	if created {
		g.rooms.EmitToUser(blockerID, EventUserBlocked, UserBlockedPayload{UserID: targetID, Blocked: true})
	}
	return created, nil
}

// Unblock removes exactly the blocker -> target edge.
func (g *Gate) Unblock(ctx context.Context, blockerID, targetID int64) (bool, error) {
	if targetID <= 0 {
		return false, ErrInvalidPayload
	}
	removed, err := g.blocks.Delete(ctx, blockerID, targetID)
	if err != nil {
		return false, fmt.Errorf("unblock %d->%d: %w", blockerID, targetID, err)
	}
	if removed {
		g.rooms.EmitToUser(blockerID, EventUserBlocked, UserBlockedPayload{UserID: targetID, Blocked: false})
	}
	return removed, nil
}
