package flowcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBaseManager_SingleFlight is testable property 5: under N concurrent
// Get calls for the same key, the executor runs exactly once and every
// caller observes the same value.
func TestBaseManager_SingleFlight(t *testing.T) {
	ctx := context.Background()
	bs := NewBaseStorage(NewMemoryAdapter(), newTestLogger())
	m := NewReadThroughManager(bs, newTestLogger())

	var calls int32
	executor := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return "computed-value", nil
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([]any, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := m.Get(ctx, "shared-key", executor, GetOptions{
				LockedKeyRetrieveStrategyType: strategyWaitForResult,
			})
			results[i] = v
			errs[i] = err
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "executor must run exactly once")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "computed-value", results[i])
	}
}

func TestBaseManager_LockAcquisitionFailure_BypassesToExecutor(t *testing.T) {
	ctx := context.Background()
	bs := NewBaseStorage(NewMemoryAdapter(), newTestLogger())
	m := newBaseManager(bs, newTestLogger())

	executorCalled := false
	executor := func(context.Context) (any, error) {
		executorCalled = true
		return "v", nil
	}

	// MemoryAdapter never errors, so force LockKey to fail through a custom
	// adapter whose AcquireLock always returns an error.
	failing := &lockFailingAdapter{MemoryAdapter: NewMemoryAdapter()}
	bs2 := NewBaseStorage(failing, newTestLogger())
	m2 := newBaseManager(bs2, newTestLogger())

	v, err := m2.acquireRunRelease(ctx, "k", executor, GetOptions{}, m2.storage.Set)
	require.NoError(t, err)
	assert.True(t, executorCalled)
	assert.Equal(t, "v", v)

	// The first manager/bs pair is unused in the forced-failure path but
	// confirms normal construction still works in the same test.
	_, _, err = m.storage.Get(ctx, "unused")
	require.NoError(t, err)
}

type lockFailingAdapter struct {
	*MemoryAdapter
}

func (a *lockFailingAdapter) AcquireLock(context.Context, string, time.Duration) (bool, error) {
	return false, assertErr
}

var assertErr = &OperationTimeoutError{Op: "acquireLock", Deadline: time.Millisecond}
