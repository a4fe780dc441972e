package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/chatcore/internal/logger"
)

// retry вызывает fn с экспоненциальной паузой (2s → 30s), пока не истечёт maxWait или ctx.
func retry(ctx context.Context, maxWait time.Duration, what string, fn func(ctx context.Context) error) error {
	log := logger.With("startup")
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s (gave up after %v): %w", what, maxWait, err)
		}
		log.Error().Err(err).Str("target", what).Dur("retry_in", backoff).Msg("connect failed")
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", what, ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}
