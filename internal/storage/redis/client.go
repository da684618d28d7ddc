package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const activeKeyPrefix = "active_conv:"

// clearIfMatch удаляет ключ только если в нём та же беседа (пользователь мог уже открыть другую).
var clearIfMatch = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Wrap оборачивает готовый клиент (тесты, общий пул).
func Wrap(cli *redis.Client) *Client { return &Client{cli: cli} }

func (c *Client) Close() error {
	return c.cli.Close()
}

// Redis отдаёт нижележащий клиент (pub/sub шины событий).
func (c *Client) Redis() *redis.Client { return c.cli }

// SetActive: active_conv:{user} = conversation с TTL, UI должен периодически продлевать.
func (c *Client) SetActive(ctx context.Context, userID, conversationID string, ttl time.Duration) error {
	return c.cli.Set(ctx, activeKeyPrefix+userID, conversationID, ttl).Err()
}

func (c *Client) ClearActive(ctx context.Context, userID, conversationID string) error {
	return clearIfMatch.Run(ctx, c.cli, []string{activeKeyPrefix + userID}, conversationID).Err()
}

// ActiveIn: один MGET по всем участникам вместо запроса на каждого.
func (c *Client) ActiveIn(ctx context.Context, conversationID string, userIDs []string) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	keys := make([]string, len(userIDs))
	for i, uid := range userIDs {
		keys[i] = activeKeyPrefix + uid
	}
	vals, err := c.cli.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis active mget: %w", err)
	}
	out := make([]string, 0, len(userIDs))
	for i, v := range vals {
		if s, ok := v.(string); ok && s == conversationID {
			out = append(out, userIDs[i])
		}
	}
	return out, nil
}
