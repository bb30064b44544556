package flowcache

import "context"

// ReadThroughManager serves a cached value whenever it is present,
// unexpired, and not tag-outdated; otherwise it runs the single-flight path
// and caches the result.
type ReadThroughManager struct {
	*BaseManager
}

// NewReadThroughManager constructs a ReadThroughManager over storage.
func NewReadThroughManager(storage *BaseStorage, logger Logger, extraStrategies ...LockedKeyRetrieveStrategy) *ReadThroughManager {
	return &ReadThroughManager{BaseManager: newBaseManager(storage, logger, extraStrategies...)}
}

// Get serves the record at key if it is valid, otherwise runs the
// single-flight executor path and caches its result.
func (m *ReadThroughManager) Get(ctx context.Context, key string, executor Executor, opts GetOptions) (any, error) {
	rec, found, err := m.storage.Get(ctx, key)
	if err != nil {
		return callExecutor(ctx, executor)
	}
	if found && m.valid(ctx, rec) {
		var value any
		if decErr := decode(rec.Value, &value); decErr == nil {
			return value, nil
		}
	}
	return m.updateCacheAndGetResult(ctx, key, executor, opts, m.Set)
}

func (m *ReadThroughManager) valid(ctx context.Context, rec *Record) bool {
	if rec.Value == "" {
		return false
	}
	if rec.IsExpired() {
		return false
	}
	return !m.storage.IsOutdated(ctx, rec)
}

// Set delegates to storage unchanged.
func (m *ReadThroughManager) Set(ctx context.Context, key string, value any, opts SetOptions) (*Record, error) {
	return m.storage.Set(ctx, key, value, opts)
}

// Del delegates to storage.
func (m *ReadThroughManager) Del(ctx context.Context, key string) (bool, error) {
	return m.del(ctx, key)
}
