package flowcache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadThroughManager_MissRunsExecutorAndCaches(t *testing.T) {
	ctx := context.Background()
	bs := NewBaseStorage(NewMemoryAdapter(), newTestLogger())
	m := NewReadThroughManager(bs, newTestLogger())

	var calls int32
	executor := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "fresh", nil
	}

	v, err := m.Get(ctx, "k", executor, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
	assert.Equal(t, int32(1), calls)

	v, err = m.Get(ctx, "k", executor, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
	assert.Equal(t, int32(1), calls, "second call must be served from the cache")
}

// TestReadThroughManager_Invalidation is testable property 3: a touch on a
// tag the cached record carries forces the next Get back through the
// executor.
func TestReadThroughManager_Invalidation(t *testing.T) {
	ctx := context.Background()
	SetNowFunc(func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) })
	defer SetNowFunc(time.Now)

	bs := NewBaseStorage(NewMemoryAdapter(), newTestLogger())
	m := NewReadThroughManager(bs, newTestLogger())

	var calls int32
	executor := func(context.Context) (any, error) {
		n := atomic.AddInt32(&calls, 1)
		return n, nil
	}
	opts := GetOptions{SetOptions: SetOptions{Tags: StaticTags("t")}}

	v, err := m.Get(ctx, "k", executor, opts)
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)

	v, err = m.Get(ctx, "k", executor, opts)
	require.NoError(t, err)
	assert.EqualValues(t, 1, v, "still valid, no re-run")

	SetNowFunc(func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 10_000_000, time.UTC) })
	require.NoError(t, bs.Touch(ctx, []string{"t"}))

	v, err = m.Get(ctx, "k", executor, opts)
	require.NoError(t, err)
	assert.EqualValues(t, 2, v, "outdated tag must force a re-run")
}

func TestReadThroughManager_ExpiredFallsBackToExecutor(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	SetNowFunc(func() time.Time { return fixed })
	defer SetNowFunc(time.Now)

	bs := NewBaseStorage(NewMemoryAdapter(), newTestLogger())
	m := NewReadThroughManager(bs, newTestLogger())

	var calls int32
	executor := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "v", nil
	}
	short := 50 * time.Millisecond
	_, err := m.Get(ctx, "k", executor, GetOptions{SetOptions: SetOptions{ExpiresIn: &short}})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls)

	SetNowFunc(func() time.Time { return fixed.Add(51 * time.Millisecond) })
	_, err = m.Get(ctx, "k", executor, GetOptions{SetOptions: SetOptions{ExpiresIn: &short}})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls, "expired record must fall back to the executor")
}

func TestReadThroughManager_Del(t *testing.T) {
	ctx := context.Background()
	bs := NewBaseStorage(NewMemoryAdapter(), newTestLogger())
	m := NewReadThroughManager(bs, newTestLogger())

	_, err := m.Set(ctx, "k", "v", SetOptions{})
	require.NoError(t, err)
	existed, err := m.Del(ctx, "k")
	require.NoError(t, err)
	assert.True(t, existed)
}
