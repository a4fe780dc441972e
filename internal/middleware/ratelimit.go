package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	rateLimitPerMinuteIP   = 200
	rateLimitPerMinuteUser = 100
	limiterIdleTTL         = 10 * time.Minute
)

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// keyedLimiter — token bucket на ключ (IP или user_id); простаивающие ключи вычищаются.
type keyedLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	lastGC  time.Time
}

func newKeyedLimiter(perMinute int) *keyedLimiter {
	return &keyedLimiter{
		entries: make(map[string]*limiterEntry),
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   perMinute,
		lastGC:  time.Now(),
	}
}

func (k *keyedLimiter) allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := time.Now()
	if now.Sub(k.lastGC) > limiterIdleTTL {
		for key, e := range k.entries {
			if now.Sub(e.seen) > limiterIdleTTL {
				delete(k.entries, key)
			}
		}
		k.lastGC = now
	}
	e, ok := k.entries[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(k.limit, k.burst)}
		k.entries[key] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}

var (
	apiRateByIP   = newKeyedLimiter(rateLimitPerMinuteIP)
	apiRateByUser = newKeyedLimiter(rateLimitPerMinuteUser)
)

func clientIP(r *http.Request) string {
	if x := r.Header.Get("X-Real-Ip"); x != "" {
		return x
	}
	if x := r.Header.Get("X-Forwarded-For"); x != "" {
		return x
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// RateLimitAPI ограничивает запросы к /api/* по IP и по user_id (если есть в контексте). 429 при превышении.
func RateLimitAPI(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !apiRateByIP.allow(clientIP(r)) {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if userID := GetUserID(r.Context()); userID != 0 {
			if !apiRateByUser.allow("u:" + strconv.FormatInt(userID, 10)) {
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
