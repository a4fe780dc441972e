package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatcore/internal/logger"
)

type BlockRepository struct {
	pool *pgxpool.Pool
}

func NewBlockRepository(pool *pgxpool.Pool) *BlockRepository {
	return &BlockRepository{pool: pool}
}

// Between reports both directions of the block relation between a and b in one query.
func (r *BlockRepository) Between(ctx context.Context, a, b int64) (aBlocksB, bBlocksA bool, err error) {
	defer logger.DeferLogDuration("block.Between", time.Now())()
	err = r.pool.QueryRow(ctx,
		`SELECT
		   EXISTS(SELECT 1 FROM blocks WHERE user_id = $1 AND target_id = $2),
		   EXISTS(SELECT 1 FROM blocks WHERE user_id = $2 AND target_id = $1)`, a, b,
	).Scan(&aBlocksB, &bBlocksA)
	if err != nil {
		return false, false, fmt.Errorf("blockRepo.Between: %w", err)
	}
	return aBlocksB, bBlocksA, nil
}

// Create records blocker -> target; created is false if the edge already existed.
func (r *BlockRepository) Create(ctx context.Context, blockerID, targetID int64) (bool, error) {
	defer logger.DeferLogDuration("block.Create", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO blocks (user_id, target_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		blockerID, targetID)
	if err != nil {
		return false, fmt.Errorf("blockRepo.Create: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Delete removes blocker -> target; removed is false if there was nothing to remove.
func (r *BlockRepository) Delete(ctx context.Context, blockerID, targetID int64) (bool, error) {
	defer logger.DeferLogDuration("block.Delete", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM blocks WHERE user_id = $1 AND target_id = $2`, blockerID, targetID)
	if err != nil {
		return false, fmt.Errorf("blockRepo.Delete: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListBlocked returns the ids blockerID has blocked, oldest first.
func (r *BlockRepository) ListBlocked(ctx context.Context, blockerID int64) ([]int64, error) {
	defer logger.DeferLogDuration("block.ListBlocked", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT target_id FROM blocks WHERE user_id = $1 ORDER BY created_at`, blockerID)
	if err != nil {
		return nil, fmt.Errorf("blockRepo.ListBlocked query: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows, "blockRepo.ListBlocked")
}
