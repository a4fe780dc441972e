package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/chatcore/internal/storage"
)

type item struct {
	val string
	exp time.Time
}

func (i item) expired(now time.Time) bool {
	return !i.exp.IsZero() && now.After(i.exp)
}

// Client — in-memory реализация storage.Store для -dev и тестов.
type Client struct {
	mu      sync.RWMutex
	acks    map[string]item
	revoked map[string]item
	push    map[int64]map[string][]byte
	now     func() time.Time
}

func New() *Client {
	return &Client{
		acks:    make(map[string]item),
		revoked: make(map[string]item),
		push:    make(map[int64]map[string][]byte),
		now:     time.Now,
	}
}

func (c *Client) Close() error { return nil }

func ackKey(senderID int64, cid string) string {
	return strconv.FormatInt(senderID, 10) + ":" + cid
}

func (c *Client) ClaimClientMessage(ctx context.Context, senderID int64, cid string, ttl time.Duration) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := ackKey(senderID, cid)
	now := c.now()
	if v, ok := c.acks[key]; ok && !v.expired(now) {
		if v.val == storage.PendingMarker {
			return 0, false, storage.ErrInFlight
		}
		id, err := strconv.ParseInt(v.val, 10, 64)
		if err != nil {
			return 0, false, err
		}
		return id, false, nil
	}
	c.acks[key] = item{val: storage.PendingMarker, exp: now.Add(ttl)}
	return 0, true, nil
}

func (c *Client) CompleteClientMessage(ctx context.Context, senderID int64, cid string, messageID int64, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acks[ackKey(senderID, cid)] = item{val: strconv.FormatInt(messageID, 10), exp: c.now().Add(ttl)}
	return nil
}

func (c *Client) ReleaseClientMessage(ctx context.Context, senderID int64, cid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.acks, ackKey(senderID, cid))
	return nil
}

func (c *Client) RevokeToken(ctx context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revoked[tokenID] = item{val: "1", exp: c.now().Add(ttl)}
	return nil
}

func (c *Client) IsTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.revoked[tokenID]
	return ok && !v.expired(c.now()), nil
}

func (c *Client) AddPushSubscription(ctx context.Context, userID int64, endpoint string, raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.push[userID]
	if subs == nil {
		subs = make(map[string][]byte)
		c.push[userID] = subs
	}
	subs[endpoint] = append([]byte(nil), raw...)
	return nil
}

func (c *Client) RemovePushSubscription(ctx context.Context, userID int64, endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.push[userID], endpoint)
	return nil
}

func (c *Client) ListPushSubscriptions(ctx context.Context, userID int64) ([][]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	subs := c.push[userID]
	endpoints := make([]string, 0, len(subs))
	for ep := range subs {
		endpoints = append(endpoints, ep)
	}
	sort.Strings(endpoints)
	out := make([][]byte, 0, len(subs))
	for _, ep := range endpoints {
		out = append(out, subs[ep])
	}
	return out, nil
}
