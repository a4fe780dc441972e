package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/model"
)

type ReactionRepository struct {
	pool *pgxpool.Pool
}

func NewReactionRepository(pool *pgxpool.Pool) *ReactionRepository {
	return &ReactionRepository{pool: pool}
}

// Add inserts the reaction; inserted is false when the same (message, user, reaction) already exists.
func (r *ReactionRepository) Add(ctx context.Context, messageID, userID int64, reaction string) (bool, error) {
	defer logger.DeferLogDuration("reaction.Add", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO message_reactions (message_id, user_id, reaction)
		 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		messageID, userID, reaction,
	)
	if err != nil {
		return false, fmt.Errorf("reactionRepo.Add: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Aggregate returns reaction kind -> user ids for a message.
func (r *ReactionRepository) Aggregate(ctx context.Context, messageID int64) (model.ReactionSummary, error) {
	defer logger.DeferLogDuration("reaction.Aggregate", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT reaction, array_agg(user_id ORDER BY created_at)
		 FROM message_reactions
		 WHERE message_id = $1
		 GROUP BY reaction`, messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("reactionRepo.Aggregate query: %w", err)
	}
	defer rows.Close()

	out := make(model.ReactionSummary, 4)
	for rows.Next() {
		var kind string
		var users []int64
		if err := rows.Scan(&kind, &users); err != nil {
			return nil, fmt.Errorf("reactionRepo.Aggregate scan: %w", err)
		}
		out[kind] = users
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reactionRepo.Aggregate rows: %w", err)
	}
	return out, nil
}
