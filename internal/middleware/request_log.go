package middleware

import (
	"net/http"
	"time"

	"github.com/chatcore/internal/logger"
)

// RequestLog логирует каждый HTTP-запрос: method, path, статус и время выполнения (асинхронно, не блокирует).
func RequestLog(next http.Handler) http.Handler {
	log := logger.With("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrap, ok := w.(*responseWriter)
		if !ok {
			wrap = &responseWriter{ResponseWriter: w, status: http.StatusOK}
		}
		next.ServeHTTP(wrap, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrap.status).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("request")
	})
}
