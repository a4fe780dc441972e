package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/model"
)

// ErrAlreadyExists is returned when a unique relationship edge already exists.
var ErrAlreadyExists = errors.New("already exists")

const friendCols = `id, user_id, friend_id, status, created_at`

type FriendRepository struct {
	pool *pgxpool.Pool
}

func NewFriendRepository(pool *pgxpool.Pool) *FriendRepository {
	return &FriendRepository{pool: pool}
}

func scanFriend(s interface{ Scan(dest ...any) error }, f *model.Relationship) error {
	return s.Scan(&f.ID, &f.RequesterID, &f.TargetID, &f.Status, &f.CreatedAt)
}

// FindBetween returns the edge between a and b in either direction.
func (r *FriendRepository) FindBetween(ctx context.Context, a, b int64) (*model.Relationship, error) {
	defer logger.DeferLogDuration("friend.FindBetween", time.Now())()
	f := &model.Relationship{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+friendCols+` FROM friends
		 WHERE (user_id = $1 AND friend_id = $2) OR (user_id = $2 AND friend_id = $1)`, a, b)
	if err := scanFriend(row, f); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("friendRepo.FindBetween: %w", err)
	}
	return f, nil
}

func (r *FriendRepository) GetByID(ctx context.Context, id int64) (*model.Relationship, error) {
	defer logger.DeferLogDuration("friend.GetByID", time.Now())()
	f := &model.Relationship{}
	row := r.pool.QueryRow(ctx, `SELECT `+friendCols+` FROM friends WHERE id = $1`, id)
	if err := scanFriend(row, f); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("friendRepo.GetByID: %w", err)
	}
	return f, nil
}

// Create inserts a pending request. The pair index rejects a second edge in either direction.
func (r *FriendRepository) Create(ctx context.Context, requesterID, targetID int64) (*model.Relationship, error) {
	defer logger.DeferLogDuration("friend.Create", time.Now())()
	f := &model.Relationship{}
	row := r.pool.QueryRow(ctx,
		`INSERT INTO friends (user_id, friend_id, status) VALUES ($1, $2, 'pending')
		 RETURNING `+friendCols, requesterID, targetID)
	if err := scanFriend(row, f); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("friendRepo.Create: %w", err)
	}
	return f, nil
}

// Accept moves a pending edge to accepted.
func (r *FriendRepository) Accept(ctx context.Context, id int64) error {
	defer logger.DeferLogDuration("friend.Accept", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE friends SET status = 'accepted' WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("friendRepo.Accept: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *FriendRepository) Delete(ctx context.Context, id int64) error {
	defer logger.DeferLogDuration("friend.Delete", time.Now())()
	tag, err := r.pool.Exec(ctx, `DELETE FROM friends WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("friendRepo.Delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListForUser returns the accepted friends of userID with their profiles.
func (r *FriendRepository) ListForUser(ctx context.Context, userID int64) ([]model.User, error) {
	defer logger.DeferLogDuration("friend.ListForUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.username, COALESCE(u.display_name,''), COALESCE(u.avatar_url,''), COALESCE(u.phone_number,''), u.status
		 FROM friends f
		 JOIN users u ON u.id = CASE WHEN f.user_id = $1 THEN f.friend_id ELSE f.user_id END
		 WHERE (f.user_id = $1 OR f.friend_id = $1) AND f.status = 'accepted'
		 ORDER BY u.id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("friendRepo.ListForUser query: %w", err)
	}
	defer rows.Close()

	users := make([]model.User, 0, 16)
	for rows.Next() {
		var u model.User
		if err := scanUser(rows, &u); err != nil {
			return nil, fmt.Errorf("friendRepo.ListForUser scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("friendRepo.ListForUser rows: %w", err)
	}
	return users, nil
}

// FriendIDs returns ids of accepted friends of userID.
func (r *FriendRepository) FriendIDs(ctx context.Context, userID int64) ([]int64, error) {
	defer logger.DeferLogDuration("friend.FriendIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT CASE WHEN user_id = $1 THEN friend_id ELSE user_id END
		 FROM friends
		 WHERE (user_id = $1 OR friend_id = $1) AND status = 'accepted'`, userID)
	if err != nil {
		return nil, fmt.Errorf("friendRepo.FriendIDs query: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows, "friendRepo.FriendIDs")
}
