package flowcache

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// BaseManager holds the machinery shared by all three cache managers:
// storage access, the locked-key strategy registry, and the single-flight
// acquire/run/release dance around a caller's executor.
type BaseManager struct {
	storage    *BaseStorage
	logger     Logger
	group      singleflight.Group
	strategies *strategyRegistry
}

func newBaseManager(storage *BaseStorage, logger Logger, extraStrategies ...LockedKeyRetrieveStrategy) *BaseManager {
	return &BaseManager{
		storage:    storage,
		logger:     logger,
		strategies: newStrategyRegistry(extraStrategies...),
	}
}

// del delegates to storage, used by every manager's Del.
func (m *BaseManager) del(ctx context.Context, key string) (bool, error) {
	return m.storage.Del(ctx, key)
}

// writerFunc is how a concrete manager plugs its own Set semantics (plain
// vs forced-permanent) into updateCacheAndGetResult.
type writerFunc func(ctx context.Context, key string, value any, opts SetOptions) (*Record, error)

// updateCacheAndGetResult is the single-flight core shared by every
// manager's invalid/miss path. In-process, singleflight shares one run among
// concurrent racers for a key; across processes, storage's distributed lock
// picks the racer that runs the executor and writes the result, and the
// others follow the locked-key strategy (the default runExecutor strategy
// runs the executor too, without writing).
func (m *BaseManager) updateCacheAndGetResult(ctx context.Context, key string, executor Executor, opts GetOptions, write writerFunc) (any, error) {
	v, err, _ := m.group.Do(key, func() (any, error) {
		return m.acquireRunRelease(ctx, key, executor, opts, write)
	})
	return v, err
}

func (m *BaseManager) acquireRunRelease(ctx context.Context, key string, executor Executor, opts GetOptions, write writerFunc) (any, error) {
	acquired, lockErr := m.storage.LockKey(ctx, key)
	if lockErr != nil {
		m.logger.Warn("lockKey failed, bypassing cache", "key", key, "error", lockErr.Error())
		return callExecutor(ctx, executor)
	}
	if !acquired {
		strategy, err := m.strategies.get(opts.LockedKeyRetrieveStrategyType)
		if err != nil {
			return nil, err
		}
		return strategy.Get(ctx, lockedKeyContext{storage: m.storage, key: key, executor: executor, logger: m.logger})
	}

	defer func() {
		if _, err := m.storage.ReleaseKey(ctx, key); err != nil {
			m.logger.Warn("releaseKey failed", "key", key, "error", err.Error())
		}
	}()

	value, err := callExecutor(ctx, executor)
	if err != nil {
		return nil, err
	}
	if _, err := write(ctx, key, value, opts.SetOptions); err != nil {
		m.logger.Warn("cache write after executor run failed", "key", key, "error", err.Error())
	}
	return value, nil
}
