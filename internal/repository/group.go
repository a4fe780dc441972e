package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/model"
)

type GroupRepository struct {
	pool *pgxpool.Pool
}

func NewGroupRepository(pool *pgxpool.Pool) *GroupRepository {
	return &GroupRepository{pool: pool}
}

func (r *GroupRepository) GetByID(ctx context.Context, id int64) (*model.Group, error) {
	defer logger.DeferLogDuration("group.GetByID", time.Now())()
	g := &model.Group{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, owner_id, avatar_url, status FROM groups WHERE id = $1`, id,
	).Scan(&g.ID, &g.Name, &g.OwnerID, &g.AvatarURL, &g.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("groupRepo.GetByID: %w", err)
	}
	return g, nil
}

func (r *GroupRepository) IsMember(ctx context.Context, groupID, userID int64) (bool, error) {
	defer logger.DeferLogDuration("group.IsMember", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM group_members WHERE group_id = $1 AND user_id = $2)`,
		groupID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("groupRepo.IsMember: %w", err)
	}
	return exists, nil
}

// GetMembers returns the roster together with each member's persisted user status.
func (r *GroupRepository) GetMembers(ctx context.Context, groupID int64) ([]model.GroupMember, error) {
	defer logger.DeferLogDuration("group.GetMembers", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT gm.group_id, gm.user_id, gm.role, u.status
		 FROM group_members gm
		 JOIN users u ON u.id = gm.user_id
		 WHERE gm.group_id = $1
		 ORDER BY gm.user_id`, groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("groupRepo.GetMembers query: %w", err)
	}
	defer rows.Close()

	members := make([]model.GroupMember, 0, 8)
	for rows.Next() {
		var m model.GroupMember
		if err := rows.Scan(&m.GroupID, &m.UserID, &m.Role, &m.UserStatus); err != nil {
			return nil, fmt.Errorf("groupRepo.GetMembers scan: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("groupRepo.GetMembers rows: %w", err)
	}
	return members, nil
}

func (r *GroupRepository) GetMemberIDs(ctx context.Context, groupID int64) ([]int64, error) {
	defer logger.DeferLogDuration("group.GetMemberIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM group_members WHERE group_id = $1 ORDER BY user_id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("groupRepo.GetMemberIDs query: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows, "groupRepo.GetMemberIDs")
}

// GetUserGroupIDs lists the groups userID belongs to.
func (r *GroupRepository) GetUserGroupIDs(ctx context.Context, userID int64) ([]int64, error) {
	defer logger.DeferLogDuration("group.GetUserGroupIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT group_id FROM group_members WHERE user_id = $1 ORDER BY group_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("groupRepo.GetUserGroupIDs query: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows, "groupRepo.GetUserGroupIDs")
}

// UpdateStatus writes the group status; changed reports whether the stored value differed.
func (r *GroupRepository) UpdateStatus(ctx context.Context, groupID int64, status model.GroupStatus) (bool, error) {
	defer logger.DeferLogDuration("group.UpdateStatus", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE groups SET status = $1 WHERE id = $2 AND status <> $1`, status, groupID)
	if err != nil {
		return false, fmt.Errorf("groupRepo.UpdateStatus: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
