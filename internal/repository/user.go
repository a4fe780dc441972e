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

var ErrNotFound = errors.New("not found")

const userCols = `id, username, COALESCE(display_name,''), COALESCE(avatar_url,''), COALESCE(phone_number,''), status`

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// scanUser сканирует строку в model.User (порядок соответствует userCols).
func scanUser(s interface{ Scan(dest ...any) error }, u *model.User) error {
	return s.Scan(&u.ID, &u.Username, &u.DisplayName, &u.AvatarURL, &u.PhoneNumber, &u.Status)
}

func (r *UserRepository) getOne(ctx context.Context, op, where string, arg any) (*model.User, error) {
	u := &model.User{}
	row := r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE `+where, arg)
	if err := scanUser(row, u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("userRepo.%s: %w", op, err)
	}
	return u, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByID", time.Now())()
	return r.getOne(ctx, "GetByID", `id = $1`, id)
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByUsername", time.Now())()
	return r.getOne(ctx, "GetByUsername", `username = $1`, username)
}

func (r *UserRepository) GetByPhone(ctx context.Context, phone string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByPhone", time.Now())()
	return r.getOne(ctx, "GetByPhone", `phone_number = $1`, phone)
}

// FindByPhones returns every account whose phone number is in phones.
func (r *UserRepository) FindByPhones(ctx context.Context, phones []string) ([]model.User, error) {
	defer logger.DeferLogDuration("user.FindByPhones", time.Now())()
	if len(phones) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+userCols+` FROM users WHERE phone_number = ANY($1) ORDER BY id`, phones)
	if err != nil {
		return nil, fmt.Errorf("userRepo.FindByPhones query: %w", err)
	}
	defer rows.Close()

	users := make([]model.User, 0, len(phones))
	for rows.Next() {
		var u model.User
		if err := scanUser(rows, &u); err != nil {
			return nil, fmt.Errorf("userRepo.FindByPhones scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("userRepo.FindByPhones rows: %w", err)
	}
	return users, nil
}

func (r *UserRepository) SetStatus(ctx context.Context, id int64, status model.UserStatus) error {
	defer logger.DeferLogDuration("user.SetStatus", time.Now())()
	_, err := r.pool.Exec(ctx, `UPDATE users SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("userRepo.SetStatus: %w", err)
	}
	return nil
}

// ListOnlineIDs returns users whose persisted status is online.
func (r *UserRepository) ListOnlineIDs(ctx context.Context) ([]int64, error) {
	defer logger.DeferLogDuration("user.ListOnlineIDs", time.Now())()
	rows, err := r.pool.Query(ctx, `SELECT id FROM users WHERE status = 'online'`)
	if err != nil {
		return nil, fmt.Errorf("userRepo.ListOnlineIDs query: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows, "userRepo.ListOnlineIDs")
}

// ResetAllOffline marks every user offline; called once at startup since presence is process-local.
func (r *UserRepository) ResetAllOffline(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, `UPDATE users SET status = 'offline' WHERE status <> 'offline'`); err != nil {
		return fmt.Errorf("userRepo.ResetAllOffline: %w", err)
	}
	if _, err := r.pool.Exec(ctx, `UPDATE groups SET status = 'offline' WHERE status <> 'offline'`); err != nil {
		return fmt.Errorf("userRepo.ResetAllOffline groups: %w", err)
	}
	return nil
}

func collectIDs(rows pgx.Rows, op string) ([]int64, error) {
	ids := make([]int64, 0, 8)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s rows: %w", op, err)
	}
	return ids, nil
}
