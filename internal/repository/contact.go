package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatcore/internal/logger"
)

type ContactRepository struct {
	pool *pgxpool.Pool
}

func NewContactRepository(pool *pgxpool.Pool) *ContactRepository {
	return &ContactRepository{pool: pool}
}

func (r *ContactRepository) ListPhones(ctx context.Context, userID int64) ([]string, error) {
	defer logger.DeferLogDuration("contact.ListPhones", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT phone_number FROM contacts WHERE user_id = $1 ORDER BY phone_number`, userID)
	if err != nil {
		return nil, fmt.Errorf("contactRepo.ListPhones query: %w", err)
	}
	defer rows.Close()

	phones := make([]string, 0, 32)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("contactRepo.ListPhones scan: %w", err)
		}
		phones = append(phones, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contactRepo.ListPhones rows: %w", err)
	}
	return phones, nil
}

// Replace swaps the user's whole address book in one transaction.
func (r *ContactRepository) Replace(ctx context.Context, userID int64, phones []string) error {
	defer logger.DeferLogDuration("contact.Replace", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("contactRepo.Replace begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM contacts WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("contactRepo.Replace delete: %w", err)
	}
	if len(phones) > 0 {
		batch := &pgx.Batch{}
		for _, p := range phones {
			batch.Queue(`INSERT INTO contacts (user_id, phone_number) VALUES ($1, $2) ON CONFLICT DO NOTHING`, userID, p)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("contactRepo.Replace insert: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("contactRepo.Replace commit: %w", err)
	}
	return nil
}
