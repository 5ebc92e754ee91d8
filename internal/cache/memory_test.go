package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemory()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	require.NoError(t, c.Set(ctx, "forever", "x", 0))

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	now = now.Add(time.Minute)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)

	got, err = c.Get(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, "x", got)
}

func TestMemoryCacheDel(t *testing.T) {
	t.Parallel()

	c := NewMemory()
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "a", "1", 0))

	n, err := c.Del(ctx, "a", "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = c.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestPingTreatsMissAsReachable(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Ping(context.Background(), NewMemory()))
}
