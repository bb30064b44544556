package flowcache

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCache_NilLoggerIsConstructionError(t *testing.T) {
	bs := NewBaseStorage(NewMemoryAdapter(), newTestLogger())
	_, err := NewCache(bs, nil)
	assert.ErrorIs(t, err, ErrNilLogger)

	_, err = NewCacheWithAdapter(NewMemoryAdapter(), nil, nil)
	assert.ErrorIs(t, err, ErrNilLogger)
}

func TestNewCache_RegistersBuiltinManagers(t *testing.T) {
	bs := NewBaseStorage(NewMemoryAdapter(), newTestLogger())
	c, err := NewCache(bs, newTestLogger())
	require.NoError(t, err)

	for _, name := range []string{managerReadThrough, managerRefreshAhead, managerWriteThrough} {
		_, err := c.manager(name)
		assert.NoError(t, err, "manager %q must be registered", name)
	}
}

// TestCache_DisconnectedBypass is scenario S6: when the adapter is not
// CONNECTED, Get runs the executor directly and the adapter receives no
// calls at all.
func TestCache_DisconnectedBypass(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryAdapter()
	counting := &countingAdapter{StorageAdapter: inner}
	bs := NewBaseStorage(counting, newTestLogger())
	c, err := NewCache(bs, newTestLogger())
	require.NoError(t, err)

	inner.SetStatus(Disconnected)

	v, err := c.Get(ctx, "k", func(context.Context) (any, error) { return 1, nil }, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, 0, counting.count(), "adapter must receive no calls while disconnected")
}

func TestCache_UnknownManager(t *testing.T) {
	ctx := context.Background()
	bs := NewBaseStorage(NewMemoryAdapter(), newTestLogger())
	c, err := NewCache(bs, newTestLogger())
	require.NoError(t, err)

	_, err = c.Get(ctx, "k", func(context.Context) (any, error) { return 1, nil }, GetOptions{Manager: "bogus"})
	assert.ErrorIs(t, err, ErrUnknownManager)

	_, err = c.Set(ctx, "k", "v", "bogus", SetOptions{})
	assert.ErrorIs(t, err, ErrUnknownManager)

	_, err = c.Del(ctx, "k", "bogus")
	assert.ErrorIs(t, err, ErrUnknownManager)
}

func TestCache_Set_AppliesDefaultExpiresIn(t *testing.T) {
	ctx := context.Background()
	bs := NewBaseStorage(NewMemoryAdapter(), newTestLogger())
	c, err := NewCache(bs, newTestLogger(), WithDefaultExpiresIn(2*time.Hour))
	require.NoError(t, err)

	rec, err := c.Set(ctx, "k", "v", managerReadThrough, SetOptions{})
	require.NoError(t, err)
	assert.False(t, rec.Permanent)
	assert.Equal(t, (2 * time.Hour).Milliseconds(), rec.ExpiresInMs)
}

func TestCache_Set_ExplicitPermanentOverridesDefault(t *testing.T) {
	ctx := context.Background()
	bs := NewBaseStorage(NewMemoryAdapter(), newTestLogger())
	c, err := NewCache(bs, newTestLogger())
	require.NoError(t, err)

	zero := time.Duration(0)
	rec, err := c.Set(ctx, "k", "v", managerReadThrough, SetOptions{ExpiresIn: &zero})
	require.NoError(t, err)
	assert.True(t, rec.Permanent)
}

func TestCache_RegisterManager_Custom(t *testing.T) {
	ctx := context.Background()
	bs := NewBaseStorage(NewMemoryAdapter(), newTestLogger())
	c, err := NewCache(bs, newTestLogger())
	require.NoError(t, err)

	custom := NewWriteThroughManager(bs, newTestLogger())
	c.RegisterManager("custom", custom)

	rec, err := c.Set(ctx, "k", "v", "custom", SetOptions{})
	require.NoError(t, err)
	assert.True(t, rec.Permanent)

	v, err := c.Get(ctx, "k", func(context.Context) (any, error) { return nil, nil }, GetOptions{Manager: "custom"})
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestCache_Touch(t *testing.T) {
	ctx := context.Background()
	bs := NewBaseStorage(NewMemoryAdapter(), newTestLogger())
	c, err := NewCache(bs, newTestLogger())
	require.NoError(t, err)

	require.NoError(t, c.Touch(ctx, []string{"t"}))
}

func TestCache_Close_UnregistersMetrics(t *testing.T) {
	bs := NewBaseStorage(NewMemoryAdapter(), newTestLogger())
	c, err := NewCache(bs, newTestLogger(), WithMetrics("test_cache", prometheus.NewRegistry()))
	require.NoError(t, err)
	c.Close()
}
