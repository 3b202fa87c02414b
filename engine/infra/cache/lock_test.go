package cache

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crmkit/knowledge/engine/knowledge"
	"github.com/crmkit/knowledge/engine/knowledge/ingest"
	"github.com/crmkit/knowledge/pkg/logger"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	ctx := logger.ContextWithLogger(t.Context(), logger.NewLogger(logger.TestConfig()))
	host, port, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	client, err := NewRedis(ctx, &Config{Host: host, Port: port})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLocker(t *testing.T) {
	t.Run("Should reject a second holder with ErrDocumentBusy", func(t *testing.T) {
		_, client := newTestRedis(t)
		locker := NewRedisLocker(client, time.Minute)
		key := ingest.LockKey("doc-1")
		release, err := locker.Acquire(t.Context(), key)
		require.NoError(t, err)
		_, err = locker.Acquire(t.Context(), key)
		assert.ErrorIs(t, err, knowledge.ErrDocumentBusy)
		require.NoError(t, release(context.Background()))
		again, err := locker.Acquire(t.Context(), key)
		require.NoError(t, err)
		assert.NoError(t, again(context.Background()))
	})

	t.Run("Should set the configured ttl on the key", func(t *testing.T) {
		mr, client := newTestRedis(t)
		locker := NewRedisLocker(client, 90*time.Second)
		_, err := locker.Acquire(t.Context(), "knowledge:ingest:doc-ttl")
		require.NoError(t, err)
		assert.Equal(t, 90*time.Second, mr.TTL("knowledge:ingest:doc-ttl"))
	})

	t.Run("Should not release a lock taken over after expiry", func(t *testing.T) {
		mr, client := newTestRedis(t)
		locker := NewRedisLocker(client, time.Second)
		key := "knowledge:ingest:doc-2"
		stale, err := locker.Acquire(t.Context(), key)
		require.NoError(t, err)
		mr.FastForward(2 * time.Second)
		fresh, err := locker.Acquire(t.Context(), key)
		require.NoError(t, err)
		err = stale(context.Background())
		assert.ErrorIs(t, err, ErrLockLost)
		assert.True(t, mr.Exists(key))
		require.NoError(t, fresh(context.Background()))
		assert.False(t, mr.Exists(key))
	})

	t.Run("Should make release idempotent", func(t *testing.T) {
		_, client := newTestRedis(t)
		release, err := NewRedisLocker(client, 0).Acquire(t.Context(), "knowledge:ingest:doc-3")
		require.NoError(t, err)
		require.NoError(t, release(context.Background()))
		assert.NoError(t, release(context.Background()))
	})
}

func TestSetupCache(t *testing.T) {
	t.Run("Should start miniredis in embedded mode", func(t *testing.T) {
		ctx := logger.ContextWithLogger(t.Context(), logger.NewLogger(logger.TestConfig()))
		c, err := SetupCache(ctx, &Config{Mode: ModeEmbedded})
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })
		require.NotNil(t, c.Locker)
		assert.NoError(t, c.HealthCheck(ctx))
		release, err := c.Locker.Acquire(ctx, "knowledge:ingest:doc-embedded")
		require.NoError(t, err)
		assert.NoError(t, release(ctx))
	})

	t.Run("Should fail when the distributed server is unreachable", func(t *testing.T) {
		ctx := logger.ContextWithLogger(t.Context(), logger.NewLogger(logger.TestConfig()))
		_, err := SetupCache(ctx, &Config{
			Mode:        ModeDistributed,
			URL:         "redis://127.0.0.1:1",
			PingTimeout: 200 * time.Millisecond,
			DialTimeout: 100 * time.Millisecond,
		})
		assert.Error(t, err)
	})
}
