package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatcore/internal/storage"
)

var _ storage.Store = (*Client)(nil)

func TestClaimClientMessage(t *testing.T) {
	ctx := context.Background()
	c := New()

	id, claimed, err := c.ClaimClientMessage(ctx, 1, "c1", time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Zero(t, id)

	_, _, err = c.ClaimClientMessage(ctx, 1, "c1", time.Hour)
	assert.ErrorIs(t, err, storage.ErrInFlight)

	require.NoError(t, c.CompleteClientMessage(ctx, 1, "c1", 42, time.Hour))
	id, claimed, err = c.ClaimClientMessage(ctx, 1, "c1", time.Hour)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, int64(42), id)

	// другой отправитель с тем же cid — независимый ключ
	_, claimed, err = c.ClaimClientMessage(ctx, 2, "c1", time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestClaimClientMessage_ReleaseAndExpiry(t *testing.T) {
	ctx := context.Background()
	c := New()
	now := time.Now()
	c.now = func() time.Time { return now }

	_, claimed, err := c.ClaimClientMessage(ctx, 1, "c1", time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, c.ReleaseClientMessage(ctx, 1, "c1"))

	_, claimed, err = c.ClaimClientMessage(ctx, 1, "c1", time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, c.CompleteClientMessage(ctx, 1, "c1", 7, time.Minute))

	now = now.Add(2 * time.Minute)
	_, claimed, err = c.ClaimClientMessage(ctx, 1, "c1", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed, "expired key is claimable again")
}

func TestRevokedTokens(t *testing.T) {
	ctx := context.Background()
	c := New()
	require.NoError(t, c.RevokeToken(ctx, "jti-1", time.Hour))
	require.NoError(t, c.RevokeToken(ctx, "jti-2", 0))

	ok, err := c.IsTokenRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = c.IsTokenRevoked(ctx, "jti-2")
	assert.False(t, ok, "already expired token is not stored")
}

func TestPushSubscriptions(t *testing.T) {
	ctx := context.Background()
	c := New()
	require.NoError(t, c.AddPushSubscription(ctx, 5, "https://b", []byte(`{"endpoint":"https://b"}`)))
	require.NoError(t, c.AddPushSubscription(ctx, 5, "https://a", []byte(`{"endpoint":"https://a"}`)))
	require.NoError(t, c.AddPushSubscription(ctx, 5, "https://a", []byte(`{"endpoint":"https://a","v":2}`)))

	subs, err := c.ListPushSubscriptions(ctx, 5)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.JSONEq(t, `{"endpoint":"https://a","v":2}`, string(subs[0]))

	require.NoError(t, c.RemovePushSubscription(ctx, 5, "https://a"))
	subs, _ = c.ListPushSubscriptions(ctx, 5)
	assert.Len(t, subs, 1)

	subs, _ = c.ListPushSubscriptions(ctx, 99)
	assert.Empty(t, subs)
}
