package storage

import (
	"context"
	"errors"
	"time"
)

// ErrInFlight — первый запрос с тем же client_message_id ещё не завершён.
var ErrInFlight = errors.New("client message in flight")

// Store — быстрое хранилище рядом с БД: идемпотентность отправки, отозванные токены, push-подписки.
// Реализации: redis.Client, memory.Client (для -dev без Redis).
type Store interface {
	// ClaimClientMessage резервирует (sender, cid) на ttl. Если ключ уже завершён,
	// возвращает id ранее сохранённого сообщения и claimed=false; если ещё в работе — ErrInFlight.
	ClaimClientMessage(ctx context.Context, senderID int64, cid string, ttl time.Duration) (existingID int64, claimed bool, err error)
	CompleteClientMessage(ctx context.Context, senderID int64, cid string, messageID int64, ttl time.Duration) error
	ReleaseClientMessage(ctx context.Context, senderID int64, cid string) error

	RevokeToken(ctx context.Context, tokenID string, ttl time.Duration) error
	IsTokenRevoked(ctx context.Context, tokenID string) (bool, error)

	AddPushSubscription(ctx context.Context, userID int64, endpoint string, raw []byte) error
	RemovePushSubscription(ctx context.Context, userID int64, endpoint string) error
	ListPushSubscriptions(ctx context.Context, userID int64) ([][]byte, error)

	Close() error
}

// Значение ключа идемпотентности, пока сообщение не сохранено.
const PendingMarker = "0"
