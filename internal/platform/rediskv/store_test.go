package rediskv

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/phrazzld/scry-batch/internal/config"
	"github.com/phrazzld/scry-batch/internal/kv"
	"github.com/phrazzld/scry-batch/internal/kv/kvtest"
	"github.com/phrazzld/scry-batch/internal/testutils"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStoreSuite(t *testing.T) {
	var mr *miniredis.Miniredis
	kvtest.Run(t, kvtest.Suite{
		New: func(t *testing.T) kv.Store {
			mr = miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return New(client, WithLogger(discardLogger()))
		},
		Advance: func(_ *testing.T, d time.Duration) { mr.FastForward(d) },
	})
}

func TestConnect(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	s, err := Connect(ctx, config.KVConfig{RedisAddr: mr.Addr()}, WithLogger(discardLogger()))
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, kv.LockKey("scheduler"), []byte("token"), time.Minute))
	assert.True(t, mr.Exists(kv.LockKey("scheduler")))
	assert.Equal(t, time.Minute, mr.TTL(kv.LockKey("scheduler")))
	require.NoError(t, s.Close())

	gone := miniredis.NewMiniRedis()
	require.NoError(t, gone.Start())
	addr := gone.Addr()
	gone.Close()
	_, err = Connect(ctx, config.KVConfig{RedisAddr: addr})
	assert.Error(t, err)
}

func TestRedisServer(t *testing.T) {
	url := testutils.ExternalURL(t, testutils.RedisURLEnv)
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	s := New(client, WithLogger(discardLogger()))
	require.NoError(t, s.Ping(ctx))

	key := kv.LockKey("rediskv-test-" + time.Now().Format("150405.000000000"))
	t.Cleanup(func() { _ = s.Delete(ctx, key) })

	ok, err := s.InsertIfAbsent(ctx, key, []byte("a"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.InsertIfAbsent(ctx, key, []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}
