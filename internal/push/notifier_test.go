package push

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatcore/internal/storage/memory"
)

func testSub(endpoint string) Subscription {
	var s Subscription
	s.Endpoint = endpoint
	s.Keys.P256dh = "p256"
	s.Keys.Auth = "auth"
	return s
}

func TestNotifier_SubscribeValidates(t *testing.T) {
	n := NewNotifier(memory.New(), nil, "test")
	err := n.Subscribe(context.Background(), 1, Subscription{Endpoint: "https://x"})
	assert.ErrorIs(t, err, ErrInvalidSubscription)
	assert.ErrorIs(t, n.Unsubscribe(context.Background(), 1, ""), ErrInvalidSubscription)
	assert.Empty(t, n.PublicKey())
}

func TestNotifier_NotifyRemovesGone(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	n := NewNotifier(store, &VAPIDKeys{PublicKey: "pub", PrivateKey: "priv"}, "test")

	var sent []string
	n.send = func(_ context.Context, payload []byte, sub *webpush.Subscription, _ *webpush.Options) (*http.Response, error) {
		sent = append(sent, sub.Endpoint)
		assert.Contains(t, string(payload), `"title":"Alice"`)
		status := http.StatusCreated
		if strings.HasSuffix(sub.Endpoint, "gone") {
			status = http.StatusGone
		}
		return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(""))}, nil
	}

	require.NoError(t, n.Subscribe(ctx, 7, testSub("https://push/ok")))
	require.NoError(t, n.Subscribe(ctx, 7, testSub("https://push/gone")))

	n.Notify(ctx, 7, "Alice", "hi", map[string]string{"message_id": "1"})
	assert.ElementsMatch(t, []string{"https://push/ok", "https://push/gone"}, sent)

	left, err := store.ListPushSubscriptions(ctx, 7)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Contains(t, string(left[0]), "https://push/ok")
}

func TestNotifier_DisabledWithoutKeys(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	n := NewNotifier(store, nil, "test")
	n.send = func(context.Context, []byte, *webpush.Subscription, *webpush.Options) (*http.Response, error) {
		t.Fatal("send must not be called without VAPID keys")
		return nil, nil
	}
	require.NoError(t, n.Subscribe(ctx, 1, testSub("https://push/a")))
	n.Notify(ctx, 1, "t", "b", nil)
}
