package flowcache

import "context"

// WriteThroughManager serves a cached value whenever present, ignoring time
// and tags entirely, and forces every write to be permanent.
type WriteThroughManager struct {
	*BaseManager
}

// NewWriteThroughManager constructs a WriteThroughManager over storage.
func NewWriteThroughManager(storage *BaseStorage, logger Logger, extraStrategies ...LockedKeyRetrieveStrategy) *WriteThroughManager {
	return &WriteThroughManager{BaseManager: newBaseManager(storage, logger, extraStrategies...)}
}

// Get serves the record at key if present with a non-absent value,
// ignoring expiry and tag-outdatedness entirely; otherwise runs the
// single-flight path.
func (m *WriteThroughManager) Get(ctx context.Context, key string, executor Executor, opts GetOptions) (any, error) {
	rec, found, err := m.storage.Get(ctx, key)
	if err != nil {
		return callExecutor(ctx, executor)
	}
	if found && rec.Value != "" {
		var value any
		if decErr := decode(rec.Value, &value); decErr == nil {
			return value, nil
		}
	}
	return m.updateCacheAndGetResult(ctx, key, executor, opts, m.Set)
}

// Set delegates to storage, forcing permanent=true regardless of the
// caller-supplied ExpiresIn.
func (m *WriteThroughManager) Set(ctx context.Context, key string, value any, opts SetOptions) (*Record, error) {
	return m.storage.setForced(ctx, key, value, opts)
}

// Del delegates to storage.
func (m *WriteThroughManager) Del(ctx context.Context, key string) (bool, error) {
	return m.del(ctx, key)
}
