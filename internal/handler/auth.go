package handler

import (
	"context"
	"net/http"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/middleware"
)

// TokenRevoker отзывает токен доступа до его истечения.
type TokenRevoker interface {
	Revoke(ctx context.Context, raw string) error
}

type AuthHandler struct {
	tokens TokenRevoker
}

func NewAuthHandler(tokens TokenRevoker) *AuthHandler {
	return &AuthHandler{tokens: tokens}
}

// Logout отзывает токен текущего запроса (маршрут под BearerAuth).
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := h.tokens.Revoke(r.Context(), middleware.BearerToken(r)); err != nil {
		logger.Errorf("logout user=%d: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
