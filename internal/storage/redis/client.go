package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatcore/internal/storage"
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func ackKey(senderID int64, cid string) string {
	return "ack:" + strconv.FormatInt(senderID, 10) + ":" + cid
}

func pushKey(userID int64) string {
	return "push:" + strconv.FormatInt(userID, 10)
}

// ClaimClientMessage — SET NX ack:{sender}:{cid} "0"; при конфликте читаем сохранённый id.
func (c *Client) ClaimClientMessage(ctx context.Context, senderID int64, cid string, ttl time.Duration) (int64, bool, error) {
	key := ackKey(senderID, cid)
	ok, err := c.cli.SetNX(ctx, key, storage.PendingMarker, ttl).Result()
	if err != nil {
		return 0, false, fmt.Errorf("redis claim: %w", err)
	}
	if ok {
		return 0, true, nil
	}
	val, err := c.cli.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// ключ истёк между SETNX и GET — пробуем ещё раз
		ok, err = c.cli.SetNX(ctx, key, storage.PendingMarker, ttl).Result()
		if err != nil {
			return 0, false, fmt.Errorf("redis claim: %w", err)
		}
		if ok {
			return 0, true, nil
		}
		return 0, false, storage.ErrInFlight
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis claim get: %w", err)
	}
	if val == storage.PendingMarker {
		return 0, false, storage.ErrInFlight
	}
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("redis claim parse %q: %w", val, err)
	}
	return id, false, nil
}

func (c *Client) CompleteClientMessage(ctx context.Context, senderID int64, cid string, messageID int64, ttl time.Duration) error {
	return c.cli.Set(ctx, ackKey(senderID, cid), strconv.FormatInt(messageID, 10), ttl).Err()
}

func (c *Client) ReleaseClientMessage(ctx context.Context, senderID int64, cid string) error {
	return c.cli.Del(ctx, ackKey(senderID, cid)).Err()
}

// RevokeToken кладёт jti в blacklist до истечения токена.
func (c *Client) RevokeToken(ctx context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return c.cli.Set(ctx, "revoked:"+tokenID, "1", ttl).Err()
}

func (c *Client) IsTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := c.cli.Exists(ctx, "revoked:"+tokenID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AddPushSubscription хранит подписки пользователя в хэше push:{user} по endpoint.
func (c *Client) AddPushSubscription(ctx context.Context, userID int64, endpoint string, raw []byte) error {
	return c.cli.HSet(ctx, pushKey(userID), endpoint, raw).Err()
}

func (c *Client) RemovePushSubscription(ctx context.Context, userID int64, endpoint string) error {
	return c.cli.HDel(ctx, pushKey(userID), endpoint).Err()
}

func (c *Client) ListPushSubscriptions(ctx context.Context, userID int64) ([][]byte, error) {
	vals, err := c.cli.HVals(ctx, pushKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		out = append(out, []byte(v))
	}
	return out, nil
}

// FlushDB очищает текущую БД Redis (для тестовых стендов).
func (c *Client) FlushDB(ctx context.Context) error {
	return c.cli.FlushDB(ctx).Err()
}
