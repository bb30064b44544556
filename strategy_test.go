package flowcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunExecutorStrategy_CallsExecutorDirectly(t *testing.T) {
	ctx := context.Background()
	called := false
	executor := func(context.Context) (any, error) {
		called = true
		return "v", nil
	}
	v, err := runExecutorStrategy{}.Get(ctx, lockedKeyContext{executor: executor})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "v", v)
	assert.Equal(t, strategyRunExecutor, runExecutorStrategy{}.Name())
}

// TestWaitForResultStrategy_MaximumTimeoutExceeded is scenario S5: a
// permanently-locked key fails with RequestMaximumTimeoutExceeded(100ms)
// within roughly 110ms.
func TestWaitForResultStrategy_MaximumTimeoutExceeded(t *testing.T) {
	ctx := context.Background()
	bs := NewBaseStorage(NewMemoryAdapter(), newTestLogger(), WithLockTTL(time.Hour))
	acquired, err := bs.LockKey(ctx, "k")
	require.NoError(t, err)
	require.True(t, acquired)

	strategy := waitForResultStrategy{maximumTimeout: 100 * time.Millisecond, requestTimeout: 10 * time.Millisecond}
	started := time.Now()
	_, err = strategy.Get(ctx, lockedKeyContext{storage: bs, key: "k", logger: newTestLogger()})
	elapsed := time.Since(started)

	require.Error(t, err)
	var maxErr *RequestMaximumTimeoutExceededError
	require.ErrorAs(t, err, &maxErr)
	assert.Equal(t, 100*time.Millisecond, maxErr.MaximumTimeout)
	assert.Less(t, elapsed, 300*time.Millisecond)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
}

func TestWaitForResultStrategy_ReturnsValueOnceUnlocked(t *testing.T) {
	ctx := context.Background()
	bs := NewBaseStorage(NewMemoryAdapter(), newTestLogger())
	acquired, err := bs.LockKey(ctx, "k")
	require.NoError(t, err)
	require.True(t, acquired)

	_, err = bs.Set(ctx, "k", "the-value", SetOptions{})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = bs.ReleaseKey(ctx, "k")
	}()

	strategy := waitForResultStrategy{maximumTimeout: time.Second, requestTimeout: 5 * time.Millisecond}
	v, err := strategy.Get(ctx, lockedKeyContext{storage: bs, key: "k", logger: newTestLogger()})
	require.NoError(t, err)
	assert.Equal(t, "the-value", v)
}

func TestWaitForResultStrategy_NoRecordOnUnlock(t *testing.T) {
	ctx := context.Background()
	bs := NewBaseStorage(NewMemoryAdapter(), newTestLogger())
	acquired, err := bs.LockKey(ctx, "k")
	require.NoError(t, err)
	require.True(t, acquired)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = bs.ReleaseKey(ctx, "k")
	}()

	strategy := waitForResultStrategy{maximumTimeout: time.Second, requestTimeout: 5 * time.Millisecond}
	_, err = strategy.Get(ctx, lockedKeyContext{storage: bs, key: "k", logger: newTestLogger()})
	assert.ErrorIs(t, err, ErrWaitForResult)
}

func TestStrategyRegistry_DefaultsAndUnknown(t *testing.T) {
	r := newStrategyRegistry()

	s, err := r.get("")
	require.NoError(t, err)
	assert.Equal(t, strategyRunExecutor, s.Name())

	s, err = r.get(strategyWaitForResult)
	require.NoError(t, err)
	assert.Equal(t, strategyWaitForResult, s.Name())

	_, err = r.get("bogus")
	assert.ErrorIs(t, err, ErrUnknownLockedKeyStrategy)
}
