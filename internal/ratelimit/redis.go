package ratelimit

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces the event keys.
const DefaultRedisPrefix = "cmdgate:ratelimit:"

// RedisEvents keeps one sorted set per scope, scored by issue time in
// milliseconds. Every event is written to its command, chat and user sets.
type RedisEvents struct {
	client *redis.Client
	prefix string
}

var _ EventLog = (*RedisEvents)(nil)

// NewRedisEvents constructs the event log. An empty prefix selects DefaultRedisPrefix.
func NewRedisEvents(client *redis.Client, prefix string) *RedisEvents {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisEvents{client: client, prefix: prefix}
}

func (e *RedisEvents) key(command string, scope Scope, scopeValue int64) string {
	if scope == ScopeCommand {
		return e.prefix + command + ":command"
	}
	return e.prefix + command + ":" + string(scope) + ":" + strconv.FormatInt(scopeValue, 10)
}

// Append records the event under all three scopes atomically.
func (e *RedisEvents) Append(ctx context.Context, event Event) error {
	member := redis.Z{Score: float64(event.IssuedAtMs), Member: uuid.NewString()}
	pipe := e.client.TxPipeline()
	for _, scope := range Scopes {
		pipe.ZAdd(ctx, e.key(event.Command, scope, event.scopeValue(scope)), member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ratelimit: redis append: %w", err)
	}
	return nil
}

// Count returns the number of events scored at or after sinceMs.
func (e *RedisEvents) Count(ctx context.Context, command string, scope Scope, scopeValue int64, sinceMs int64) (int64, error) {
	n, err := e.client.ZCount(ctx, e.key(command, scope, scopeValue), strconv.FormatInt(sinceMs, 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: redis count: %w", err)
	}
	return n, nil
}

// Prune removes events scored before beforeMs from every set under the prefix.
// The returned count includes each event once per scope set.
func (e *RedisEvents) Prune(ctx context.Context, beforeMs int64) (int64, error) {
	var (
		removed int64
		cursor  uint64
	)
	upper := "(" + strconv.FormatInt(beforeMs, 10)
	for {
		keys, next, err := e.client.Scan(ctx, cursor, e.prefix+"*", 256).Result()
		if err != nil {
			return removed, fmt.Errorf("ratelimit: redis scan: %w", err)
		}
		for _, key := range keys {
			n, err := e.client.ZRemRangeByScore(ctx, key, "-inf", upper).Result()
			if err != nil {
				return removed, fmt.Errorf("ratelimit: redis prune %s: %w", key, err)
			}
			removed += n
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}
