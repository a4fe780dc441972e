package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatcore/internal/middleware"
	"github.com/chatcore/internal/push"
	"github.com/chatcore/internal/service"
	"github.com/chatcore/internal/storage/memory"
	"github.com/chatcore/internal/ws"
)

type stubTokens map[string]int64

func (s stubTokens) Verify(_ context.Context, raw string) (int64, error) {
	if id, ok := s[raw]; ok {
		return id, nil
	}
	return 0, errors.New("invalid token")
}

type stubSubscriber struct {
	subs map[int64][]string
	err  error
}

func (s *stubSubscriber) PublicKey() string { return "BPub" }

func (s *stubSubscriber) Subscribe(_ context.Context, userID int64, sub push.Subscription) error {
	if sub.Endpoint == "" || sub.Keys.Auth == "" || sub.Keys.P256dh == "" {
		return push.ErrInvalidSubscription
	}
	if s.err != nil {
		return s.err
	}
	s.subs[userID] = append(s.subs[userID], sub.Endpoint)
	return nil
}

func (s *stubSubscriber) Unsubscribe(_ context.Context, userID int64, endpoint string) error {
	s.subs[userID] = nil
	return s.err
}

func withUser(r *http.Request, userID int64) *http.Request {
	return r.WithContext(middleware.WithUserID(r.Context(), userID))
}

func TestPushHandler_Subscribe(t *testing.T) {
	subs := &stubSubscriber{subs: map[int64][]string{}}
	h := NewPushHandler(subs)
	body := `{"subscription":{"endpoint":"https://push.example/1","keys":{"p256dh":"k","auth":"a"}}}`

	rec := httptest.NewRecorder()
	h.Subscribe(rec, withUser(httptest.NewRequest(http.MethodPost, "/api/push/subscribe", strings.NewReader(body)), 7))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"https://push.example/1"}, subs.subs[7])

	rec = httptest.NewRecorder()
	h.Subscribe(rec, withUser(httptest.NewRequest(http.MethodPost, "/api/push/subscribe", strings.NewReader(`{"subscription":{}}`)), 7))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.Subscribe(rec, httptest.NewRequest(http.MethodPost, "/api/push/subscribe", strings.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	subs.err = errors.New("redis down")
	rec = httptest.NewRecorder()
	h.Subscribe(rec, withUser(httptest.NewRequest(http.MethodPost, "/api/push/subscribe", strings.NewReader(body)), 7))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestPushHandler_Unsubscribe(t *testing.T) {
	subs := &stubSubscriber{subs: map[int64][]string{7: {"e"}}}
	h := NewPushHandler(subs)

	rec := httptest.NewRecorder()
	h.Unsubscribe(rec, withUser(httptest.NewRequest(http.MethodDelete, "/api/push/subscribe", strings.NewReader(`{}`)), 7))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.Unsubscribe(rec, withUser(httptest.NewRequest(http.MethodDelete, "/api/push/subscribe", strings.NewReader(`{"endpoint":"e"}`)), 7))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, subs.subs[7])
}

func TestConfigHandler_GetPushConfig(t *testing.T) {
	rec := httptest.NewRecorder()
	NewConfigHandler("BPub").GetPushConfig(rec, httptest.NewRequest(http.MethodGet, "/api/config/push", nil))
	assert.JSONEq(t, `{"enabled":true,"vapid_public_key":"BPub"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	NewConfigHandler("").GetPushConfig(rec, httptest.NewRequest(http.MethodGet, "/api/config/push", nil))
	assert.JSONEq(t, `{"enabled":false}`, rec.Body.String())
}

func TestWSHandler_RejectsBadToken(t *testing.T) {
	h := NewWSHandler(ws.NewHub(ws.Stores{}, nil, nil, ws.Options{}), stubTokens{}, "*", false)

	rec := httptest.NewRecorder()
	h.ServeWS(rec, httptest.NewRequest(http.MethodGet, "/ws?token=forged", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	strict := NewWSHandler(ws.NewHub(ws.Stores{}, nil, nil, ws.Options{}), stubTokens{}, "*", true)
	rec = httptest.NewRecorder()
	strict.ServeWS(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWSHandler_OriginCheck(t *testing.T) {
	h := NewWSHandler(ws.NewHub(ws.Stores{}, nil, nil, ws.Options{}), stubTokens{}, "https://chat.example, https://app.example", false)

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://app.example")
	assert.True(t, h.checkOrigin(r))
	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, h.checkOrigin(r))
}

func TestWSHandler_ConnectedOverSocket(t *testing.T) {
	hub := ws.NewHub(ws.Stores{}, nil, nil, ws.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		<-hub.Stopped()
	}()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(NewWSHandler(hub, stubTokens{"t9": 9}, "*", false).ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=t9"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg struct {
		Type    string `json:"type"`
		Payload struct {
			UserID int64 `json:"user_id"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, "connected", msg.Type)
	assert.Equal(t, int64(9), msg.Payload.UserID)
}

func TestAuthHandler_LogoutRevokesToken(t *testing.T) {
	ctx := context.Background()
	tokens := service.NewTokenService("secret", memory.New())
	tok, err := tokens.Issue(5, time.Hour)
	require.NoError(t, err)
	h := middleware.BearerAuth(tokens)(http.HandlerFunc(NewAuthHandler(tokens).Logout))

	r := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err = tokens.Verify(ctx, tok)
	assert.ErrorIs(t, err, service.ErrTokenRevoked)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
