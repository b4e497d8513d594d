package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestNewRedisAcceptsAddrAndURL(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	plain, err := NewRedis(ctx, mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = plain.Close() })

	url, err := NewRedis(ctx, "redis://"+mr.Addr()+"/2")
	require.NoError(t, err)
	t.Cleanup(func() { _ = url.Close() })
	require.Equal(t, 2, url.Options().DB)
}

func TestNewRedisRejectsBadAddress(t *testing.T) {
	_, err := NewRedis(context.Background(), "  ")
	require.Error(t, err)

	_, err = NewRedis(context.Background(), "redis://%zz")
	require.Error(t, err)
}
