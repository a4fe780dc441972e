package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/middleware"
	"github.com/chatcore/internal/ws"
)

type WSHandler struct {
	hub            *ws.Hub
	tokens         middleware.TokenVerifier
	allowedOrigins string
	requireToken   bool
	upgrader       websocket.Upgrader
}

// NewWSHandler создаёт обработчик WebSocket. allowedOrigins — как в CORS (через запятую или "*").
// Токен необязателен, пока requireToken=false: тогда личность задаётся событием join.
func NewWSHandler(hub *ws.Hub, tokens middleware.TokenVerifier, allowedOrigins string, requireToken bool) *WSHandler {
	h := &WSHandler{
		hub:            hub,
		tokens:         tokens,
		allowedOrigins: strings.TrimSpace(allowedOrigins),
		requireToken:   requireToken,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// authenticate returns the token identity (0 without a token) or false if the request must be rejected.
func (h *WSHandler) authenticate(r *http.Request) (int64, bool) {
	raw := middleware.BearerToken(r)
	if raw == "" {
		return 0, !h.requireToken
	}
	if h.tokens == nil {
		return 0, false
	}
	userID, err := h.tokens.Verify(r.Context(), raw)
	if err != nil {
		logger.Debugf("ws: token rejected: %v", err)
		return 0, false
	}
	return userID, true
}

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.checkOrigin(r) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	// Соединение живёт дольше запроса: контекст не наследуется от r.
	ctx, cancel := context.WithCancel(context.Background())
	client := h.hub.NewClient(conn, userID)
	h.hub.Register(client)
	client.Start(ctx, cancel)
}
