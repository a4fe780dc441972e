package ws

import (
	"context"
	"time"

	"github.com/chatcore/internal/model"
)

// Narrow views of the persistence collaborators. Implemented by internal/repository
// (Postgres) and internal/storage (Redis or memory).

type UserStore interface {
	GetByID(ctx context.Context, id int64) (*model.User, error)
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	GetByPhone(ctx context.Context, phone string) (*model.User, error)
	FindByPhones(ctx context.Context, phones []string) ([]model.User, error)
	SetStatus(ctx context.Context, id int64, status model.UserStatus) error
	ListOnlineIDs(ctx context.Context) ([]int64, error)
}

type MessageStore interface {
	Create(ctx context.Context, m *model.Message) error
	GetByID(ctx context.Context, id int64) (*model.Message, error)
	UpdateContent(ctx context.Context, id int64, content string, at time.Time) error
	Delete(ctx context.Context, id int64) error
}

type ReactionStore interface {
	Add(ctx context.Context, messageID, userID int64, reaction string) (bool, error)
	Aggregate(ctx context.Context, messageID int64) (model.ReactionSummary, error)
}

type GroupStore interface {
	GetByID(ctx context.Context, id int64) (*model.Group, error)
	IsMember(ctx context.Context, groupID, userID int64) (bool, error)
	GetMembers(ctx context.Context, groupID int64) ([]model.GroupMember, error)
	GetMemberIDs(ctx context.Context, groupID int64) ([]int64, error)
	GetUserGroupIDs(ctx context.Context, userID int64) ([]int64, error)
	UpdateStatus(ctx context.Context, groupID int64, status model.GroupStatus) (bool, error)
}

type FriendStore interface {
	FindBetween(ctx context.Context, a, b int64) (*model.Relationship, error)
	GetByID(ctx context.Context, id int64) (*model.Relationship, error)
	Create(ctx context.Context, requesterID, targetID int64) (*model.Relationship, error)
	Accept(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
	ListForUser(ctx context.Context, userID int64) ([]model.User, error)
	FriendIDs(ctx context.Context, userID int64) ([]int64, error)
}

type BlockStore interface {
	Between(ctx context.Context, a, b int64) (aBlocksB, bBlocksA bool, err error)
	Create(ctx context.Context, blockerID, targetID int64) (bool, error)
	Delete(ctx context.Context, blockerID, targetID int64) (bool, error)
	ListBlocked(ctx context.Context, blockerID int64) ([]int64, error)
}

type ContactStore interface {
	ListPhones(ctx context.Context, userID int64) ([]string, error)
	Replace(ctx context.Context, userID int64, phones []string) error
}

// IdempotencyStore deduplicates sends by (sender, client_message_id).
type IdempotencyStore interface {
	ClaimClientMessage(ctx context.Context, senderID int64, cid string, ttl time.Duration) (int64, bool, error)
	CompleteClientMessage(ctx context.Context, senderID int64, cid string, messageID int64, ttl time.Duration) error
	ReleaseClientMessage(ctx context.Context, senderID int64, cid string) error
}

// Stores bundles every collaborator the hub needs.
type Stores struct {
	Users       UserStore
	Messages    MessageStore
	Reactions   ReactionStore
	Groups      GroupStore
	Friends     FriendStore
	Blocks      BlockStore
	Contacts    ContactStore
	Idempotency IdempotencyStore
}

// TokenVerifier resolves a bearer token to a user id.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (int64, error)
}

// PushNotifier отправляет пуш-уведомления. Если nil — пуши не отправляются.
type PushNotifier interface {
	Notify(ctx context.Context, userID int64, title, body string, data map[string]string)
}
