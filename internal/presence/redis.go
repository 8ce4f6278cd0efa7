package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Connect parses a redis:// URL and verifies the server responds.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, errors.New("redis: url is empty")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return c, nil
}

// RedisTracker stores typing flags as expiring keys so stale indicators clear themselves.
type RedisTracker struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Tracker = (*RedisTracker)(nil)

func NewRedisTracker(client *redis.Client, ttl time.Duration) *RedisTracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisTracker{client: client, ttl: ttl}
}

func (t *RedisTracker) SetTyping(ctx context.Context, conversationID, userID int, typing bool) error {
	key := typingKey(conversationID, userID)
	if !typing {
		return t.client.Del(ctx, key).Err()
	}
	return t.client.Set(ctx, key, "1", t.ttl).Err()
}

func (t *RedisTracker) Typing(ctx context.Context, conversationID int, candidates []int) ([]int, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	pipe := t.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(candidates))
	for i, userID := range candidates {
		cmds[i] = pipe.Exists(ctx, typingKey(conversationID, userID))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var typing []int
	for i, cmd := range cmds {
		if cmd.Val() > 0 {
			typing = append(typing, candidates[i])
		}
	}
	return typing, nil
}

func typingKey(conversationID, userID int) string {
	return fmt.Sprintf("typing:conv:%d:user:%d", conversationID, userID)
}
