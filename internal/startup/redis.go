package startup

import (
	"context"
	"time"

	redisstorage "github.com/chatcore/internal/storage/redis"
)

// ConnectRedisWithRetry подключается к Redis с повторами.
func ConnectRedisWithRetry(ctx context.Context, redisURL string, maxWait time.Duration) (*redisstorage.Client, error) {
	var client *redisstorage.Client
	err := retry(ctx, maxWait, "redis", func(ctx context.Context) error {
		connCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		c, err := redisstorage.New(connCtx, redisURL)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	return client, err
}
