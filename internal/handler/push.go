package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/middleware"
	"github.com/chatcore/internal/push"
)

// PushSubscriber — то, что нужно обработчику от push.Notifier.
type PushSubscriber interface {
	PublicKey() string
	Subscribe(ctx context.Context, userID int64, sub push.Subscription) error
	Unsubscribe(ctx context.Context, userID int64, endpoint string) error
}

// PushHandler обрабатывает подписку на пуш-уведомления (токен обязателен).
type PushHandler struct {
	subs PushSubscriber
}

func NewPushHandler(subs PushSubscriber) *PushHandler {
	return &PushHandler{subs: subs}
}

// SubscribeRequest — тело от фронта (subscription из PushManager.getSubscription()).
type SubscribeRequest struct {
	Subscription push.Subscription `json:"subscription"`
}

// Subscribe сохраняет подписку для текущего пользователя.
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req SubscribeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := h.subs.Subscribe(r.Context(), userID, req.Subscription); err != nil {
		if errors.Is(err, push.ErrInvalidSubscription) {
			writeError(w, http.StatusBadRequest, "subscription.endpoint and subscription.keys required")
			return
		}
		logger.Errorf("push subscribe user=%d: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnsubscribeRequest — тело для отписки по endpoint.
type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

// Unsubscribe удаляет подписку.
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req UnsubscribeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	if err := h.subs.Unsubscribe(r.Context(), userID, req.Endpoint); err != nil {
		logger.Errorf("push unsubscribe user=%d: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to unsubscribe")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
