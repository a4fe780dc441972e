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

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// Create inserts m and fills its ID and Timestamp from the database.
func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	if m.Status == "" {
		m.Status = model.MessageStatusSent
	}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO messages (sender_id, receiver_id, group_id, content, message_type, file_url, file_name, file_size,
		                       file_type, sticker_id, sticker_url, reply_to_id, forward_from_id, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 RETURNING id, timestamp`,
		m.SenderID, m.ReceiverID, m.GroupID, m.Content, m.Kind, m.FileURL, m.FileName, m.FileSize,
		m.FileType, m.StickerID, m.StickerURL, m.ReplyToID, m.ForwardFromID, m.Status,
	).Scan(&m.ID, &m.Timestamp)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id int64) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, sender_id, receiver_id, group_id, content, message_type, file_url, file_name, file_size,
		        file_type, sticker_id, sticker_url, reply_to_id, forward_from_id, timestamp, status
		 FROM messages WHERE id = $1`, id,
	).Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.GroupID, &m.Content, &m.Kind, &m.FileURL, &m.FileName, &m.FileSize,
		&m.FileType, &m.StickerID, &m.StickerURL, &m.ReplyToID, &m.ForwardFromID, &m.Timestamp, &m.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

// UpdateContent edits a message's content and moves its timestamp.
func (r *MessageRepository) UpdateContent(ctx context.Context, id int64, content string, at time.Time) error {
	defer logger.DeferLogDuration("msg.UpdateContent", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET content = $1, timestamp = $2 WHERE id = $3`,
		content, at, id,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.UpdateContent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete hard-deletes a message; reactions go with it (ON DELETE CASCADE).
func (r *MessageRepository) Delete(ctx context.Context, id int64) error {
	defer logger.DeferLogDuration("msg.Delete", time.Now())()
	tag, err := r.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("msgRepo.Delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
