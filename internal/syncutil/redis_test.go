//go:build integration

package syncutil

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLocker(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	l := NewRedisLocker(client, "test:lock:", 100*time.Millisecond, 2*time.Second, nil)

	unlock, err := l.Acquire(ctx, "esc_redis")
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "esc_redis")
	assert.ErrorIs(t, err, ErrLockTimeout)

	unlock()
	again, err := l.Acquire(ctx, "esc_redis")
	require.NoError(t, err)
	again()
}

func TestRedisLocker_LostLeaseReported(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	var lost atomic.Int32
	l := NewRedisLocker(client, "test:lock:", 100*time.Millisecond, 50*time.Millisecond, nil)
	l.OnLeaseLost = func(string) { lost.Add(1) }

	unlock, err := l.Acquire(context.Background(), "esc_lease")
	require.NoError(t, err)
	time.Sleep(150 * time.Millisecond)
	unlock()
	assert.Equal(t, int32(1), lost.Load())
}
