package startup

import (
	"context"
	"time"

	redisstorage "github.com/messaging/internal/storage/redis"
)

// ConnectRedisWithRetry подключается к Redis с повторами.
func ConnectRedisWithRetry(redisURL string, maxWait time.Duration, logPrefix string) (*redisstorage.Client, error) {
	return retry("redis connect", maxWait, logPrefix, func(ctx context.Context) (*redisstorage.Client, error) {
		return redisstorage.New(ctx, redisURL)
	})
}
