package proxy

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultCursorKey is the redis key holding the shared rotation position.
const DefaultCursorKey = "ytdeliver:proxy:cursor"

// NewRedisClient connects to addr and returns nil when the server cannot be
// reached, in which case rotation stays process-local.
func NewRedisClient(ctx context.Context, addr, password string, db int, log zerolog.Logger) *redis.Client {
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := client.Ping(pingCtx).Result(); err != nil {
		log.Warn().Err(err).Str("addr", addr).Msg("redis not available, using in-memory proxy rotation")
		_ = client.Close()
		return nil
	}
	log.Info().Str("addr", addr).Msg("redis connected, proxy rotation is shared")
	return client
}

// RedisCursor shares the rotation position between replicas through INCR.
type RedisCursor struct {
	client redis.Cmdable
	key    string
}

// NewRedisCursor returns a cursor stored under key (DefaultCursorKey if empty).
func NewRedisCursor(client redis.Cmdable, key string) *RedisCursor {
	if key == "" {
		key = DefaultCursorKey
	}
	return &RedisCursor{client: client, key: key}
}

// Next increments the shared counter; INCR starts at 1 so the result is
// shifted to start at 0.
func (c *RedisCursor) Next(ctx context.Context) (uint64, error) {
	n, err := c.client.Incr(ctx, c.key).Result()
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, nil
	}
	return uint64(n - 1), nil
}
