package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/service"
)

// TokenVerifier проверяет токен доступа и возвращает user_id.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (int64, error)
}

// BearerToken достаёт токен из Authorization: Bearer … или из ?token= (для WebSocket из браузера).
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}
	return r.URL.Query().Get("token")
}

// BearerAuth пропускает запрос только с валидным JWT; user_id доступен через GetUserID.
func BearerAuth(tokens TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := tokens.Verify(r.Context(), BearerToken(r))
			if err != nil {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				if errors.Is(err, service.ErrRevocationCheck) {
					logger.Errorf("auth: %v", err)
					w.WriteHeader(http.StatusServiceUnavailable)
					_, _ = w.Write([]byte(`{"error":"service unavailable"}`))
					return
				}
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}
