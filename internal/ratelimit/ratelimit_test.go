package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docproc/internal/keyspace"
	redisstore "docproc/internal/kv/redis"
)

func newLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := redisstore.New(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = store.Close() })
	return New(store, keyspace.New("rl"), nil), mr
}

func TestAllowFixedWindow(t *testing.T) {
	limiter, mr := newLimiter(t)
	ctx := context.Background()

	assert.True(t, limiter.Allow(ctx, "10.0.0.1", "intake", 1, time.Minute))
	assert.False(t, limiter.Allow(ctx, "10.0.0.1", "intake", 1, time.Minute))

	mr.FastForward(61 * time.Second)
	assert.True(t, limiter.Allow(ctx, "10.0.0.1", "intake", 1, time.Minute))
}

func TestAllowIsolatesIdentityAndClass(t *testing.T) {
	limiter, _ := newLimiter(t)
	ctx := context.Background()

	require.True(t, limiter.Allow(ctx, "a", "intake", 1, time.Minute))
	assert.True(t, limiter.Allow(ctx, "b", "intake", 1, time.Minute))
	assert.True(t, limiter.Allow(ctx, "a", "status", 1, time.Minute))
}

func TestCheckReportsTightestWindow(t *testing.T) {
	limiter, _ := newLimiter(t)
	ctx := context.Background()
	windows := []Window{
		{Size: 24 * time.Hour, Limit: 100},
		{Size: time.Minute, Limit: 2},
		{Size: time.Hour, Limit: 10},
	}

	first := limiter.Check(ctx, "ip", "intake", windows)
	require.True(t, first.Allowed)
	assert.Equal(t, time.Minute, first.Window)
	assert.Equal(t, int64(1), first.Remaining)

	limiter.Check(ctx, "ip", "intake", windows)
	third := limiter.Check(ctx, "ip", "intake", windows)
	require.False(t, third.Allowed)
	assert.Equal(t, time.Minute, third.Window)
	assert.Equal(t, int64(2), third.Limit)
	assert.Greater(t, third.ResetIn, time.Duration(0))
}

func TestCheckHourWindowOutlivesMinute(t *testing.T) {
	limiter, mr := newLimiter(t)
	ctx := context.Background()
	windows := []Window{
		{Size: time.Minute, Limit: 5},
		{Size: time.Hour, Limit: 3},
	}
	for i := 0; i < 3; i++ {
		require.True(t, limiter.Check(ctx, "ip", "intake", windows).Allowed)
	}
	mr.FastForward(2 * time.Minute)

	d := limiter.Check(ctx, "ip", "intake", windows)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Hour, d.Window)
}

func TestCheckFailsOpen(t *testing.T) {
	limiter, mr := newLimiter(t)
	mr.Close()

	d := limiter.Check(context.Background(), "ip", "intake", []Window{{Size: time.Minute, Limit: 1}})
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
}

func TestWindowValidate(t *testing.T) {
	assert.Error(t, Window{Size: 0, Limit: 1}.Validate())
	assert.Error(t, Window{Size: time.Minute}.Validate())
	assert.NoError(t, Window{Size: time.Minute, Limit: 1}.Validate())
}
