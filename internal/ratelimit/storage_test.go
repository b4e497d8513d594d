package ratelimit_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/kyushbot/cmdgate/internal/platform/db"
	"github.com/kyushbot/cmdgate/internal/ratelimit"
)

func seedEvents(t *testing.T, log ratelimit.EventLog) {
	t.Helper()
	ctx := context.Background()
	for _, e := range []ratelimit.Event{
		{UserID: 1, ChatID: 10, Command: "enko", IssuedAtMs: 100},
		{UserID: 1, ChatID: 20, Command: "enko", IssuedAtMs: 200},
		{UserID: 2, ChatID: 10, Command: "enko", IssuedAtMs: 300},
		{UserID: 1, ChatID: 10, Command: "ai", IssuedAtMs: 300},
	} {
		require.NoError(t, log.Append(ctx, e))
	}
}

func assertCounts(t *testing.T, log ratelimit.EventLog) {
	t.Helper()
	ctx := context.Background()
	count := func(scope ratelimit.Scope, value, since int64) int64 {
		n, err := log.Count(ctx, "enko", scope, value, since)
		require.NoError(t, err)
		return n
	}
	require.EqualValues(t, 3, count(ratelimit.ScopeCommand, 0, 0))
	require.EqualValues(t, 2, count(ratelimit.ScopeCommand, 0, 200))
	require.EqualValues(t, 2, count(ratelimit.ScopeChat, 10, 0))
	require.EqualValues(t, 1, count(ratelimit.ScopeChat, 10, 101))
	require.EqualValues(t, 2, count(ratelimit.ScopeUser, 1, 100))
	require.EqualValues(t, 0, count(ratelimit.ScopeUser, 3, 0))
}

func TestSQLiteEvents(t *testing.T) {
	ctx := context.Background()
	conn, err := db.NewSQLite(ctx, db.SQLiteConfig{Path: filepath.Join(t.TempDir(), "log.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	log := ratelimit.NewSQLiteEvents(conn)
	require.NoError(t, log.Migrate(ctx))

	seedEvents(t, log)
	assertCounts(t, log)

	removed, err := log.Prune(ctx, 300)
	require.NoError(t, err)
	require.EqualValues(t, 2, removed)
	n, err := log.Count(ctx, "enko", ratelimit.ScopeCommand, 0, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestRedisEvents(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	log := ratelimit.NewRedisEvents(client, "test:")

	seedEvents(t, log)
	assertCounts(t, log)
	require.True(t, mr.Exists("test:enko:chat:10"))
	require.True(t, mr.Exists("test:enko:command"))

	removed, err := log.Prune(ctx, 300)
	require.NoError(t, err)
	// two events, each held in three sets
	require.EqualValues(t, 6, removed)
	n, err := log.Count(ctx, "enko", ratelimit.ScopeCommand, 0, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	n, err = log.Count(ctx, "ai", ratelimit.ScopeUser, 1, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestSQLiteRules(t *testing.T) {
	ctx := context.Background()
	conn, err := db.NewSQLite(ctx, db.SQLiteConfig{Path: filepath.Join(t.TempDir(), "config.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	rules := ratelimit.NewSQLiteRules(conn)
	require.NoError(t, rules.Migrate(ctx))

	rule := ratelimit.Rule{Command: "enko", Scope: ratelimit.ScopeChat, ScopeValue: -100, LimitCount: 3, PeriodMs: 1000}
	require.NoError(t, rules.UpsertRule(ctx, rule))
	rule.LimitCount = 5
	require.NoError(t, rules.UpsertRule(ctx, rule))

	list, err := rules.ListRules(ctx)
	require.NoError(t, err)
	require.Equal(t, []ratelimit.Rule{rule}, list)

	require.NoError(t, rules.DeleteRule(ctx, rule.Key()))
	require.ErrorIs(t, rules.DeleteRule(ctx, rule.Key()), ratelimit.ErrNotFound)
}
