package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/messaging/internal/logger"
)

const maxBackoff = 30 * time.Second

// retry повторяет connect с экспоненциальной паузой, пока не выйдет maxWait.
func retry[T any](what string, maxWait time.Duration, logPrefix string, connect func(ctx context.Context) (T, error)) (T, error) {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		v, err := connect(ctx)
		cancel()
		if err == nil {
			return v, nil
		}
		if time.Now().After(deadline) {
			var zero T
			return zero, fmt.Errorf("%s (gave up after %v): %w", what, maxWait, err)
		}
		logger.Errorf("%s%s failed, retry in %v: %v", logPrefix, what, backoff, err)
		time.Sleep(backoff)
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}
