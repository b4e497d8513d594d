package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const pingTimeout = 5 * time.Second

// NewRedis creates a Redis client and verifies connectivity. addr is either a
// plain host:port or a redis:// / rediss:// URL carrying credentials and a DB index.
func NewRedis(ctx context.Context, addr string) (*redis.Client, error) {
	opts, err := redisOptions(addr)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("platform/cache: ping %s: %w", opts.Addr, err)
	}

	return client, nil
}

func redisOptions(addr string) (*redis.Options, error) {
	addr = strings.TrimSpace(addr)
	switch {
	case addr == "":
		return nil, fmt.Errorf("platform/cache: redis address required")
	case strings.HasPrefix(addr, "redis://"), strings.HasPrefix(addr, "rediss://"):
		opts, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("platform/cache: parse url: %w", err)
		}
		return opts, nil
	default:
		return &redis.Options{Addr: addr}, nil
	}
}
