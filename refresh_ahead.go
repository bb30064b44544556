package flowcache

import (
	"context"
	"fmt"
)

// defaultRefreshAheadFactor is applied when construction omits one.
const defaultRefreshAheadFactor = 0.8

// RefreshAheadManager serves a cached value whenever present and valid; if
// the record is past its refresh-ahead threshold it also schedules an
// asynchronous re-run of the executor before returning, so the next reader
// finds a fresh record without ever blocking on a synchronous refresh.
type RefreshAheadManager struct {
	*BaseManager
	factor float64
}

// NewRefreshAheadManager constructs a RefreshAheadManager with the given
// refresh-ahead factor. factor must be in (0, 1); 0 selects the default
// 0.8.
func NewRefreshAheadManager(storage *BaseStorage, logger Logger, factor float64, extraStrategies ...LockedKeyRetrieveStrategy) (*RefreshAheadManager, error) {
	if factor == 0 {
		factor = defaultRefreshAheadFactor
	}
	if factor <= 0 || factor >= 1 {
		return nil, fmt.Errorf("flowcache: refresh-ahead factor must be in (0, 1), got %v", factor)
	}
	return &RefreshAheadManager{
		BaseManager: newBaseManager(storage, logger, extraStrategies...),
		factor:      factor,
	}, nil
}

// Get serves the record at key if present, unexpired, and not
// tag-outdated; if it's expiring soon, a background refresh is kicked off
// before the (still-fresh) current value is returned.
func (m *RefreshAheadManager) Get(ctx context.Context, key string, executor Executor, opts GetOptions) (any, error) {
	rec, found, err := m.storage.Get(ctx, key)
	if err != nil {
		return callExecutor(ctx, executor)
	}
	if found && m.valid(ctx, rec) {
		var value any
		if decErr := decode(rec.Value, &value); decErr == nil {
			if rec.IsExpiringSoon(m.factor) {
				go m.refresh(key, executor, opts)
			}
			return value, nil
		}
	}
	return m.updateCacheAndGetResult(ctx, key, executor, opts, m.Set)
}

func (m *RefreshAheadManager) valid(ctx context.Context, rec *Record) bool {
	if rec.Value == "" {
		return false
	}
	if rec.IsExpired() {
		return false
	}
	return !m.storage.IsOutdated(ctx, rec)
}

// refresh attempts the auxiliary "refreshAhead:{key}" lock; if acquired it
// re-runs the executor and writes the result, releasing the lock on every
// exit path. If not acquired, another refresher is already in flight and
// this call is a no-op. Failures are logged, never propagated: the
// originating caller has already received its (still-valid) value.
func (m *RefreshAheadManager) refresh(key string, executor Executor, opts GetOptions) {
	ctx := context.Background()
	refreshKey := "refreshAhead:" + key
	acquired, err := m.storage.LockKey(ctx, refreshKey)
	if err != nil {
		m.logger.Warn("refresh-ahead lock acquisition failed", "key", key, "error", err.Error())
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if _, err := m.storage.ReleaseKey(ctx, refreshKey); err != nil {
			m.logger.Warn("refresh-ahead lock release failed", "key", key, "error", err.Error())
		}
	}()

	value, err := callExecutor(ctx, executor)
	if err != nil {
		m.logger.Warn("refresh-ahead executor failed", "key", key, "error", err.Error())
		m.recordRefreshError()
		return
	}
	if _, err := m.Set(ctx, key, value, opts.SetOptions); err != nil {
		m.logger.Warn("refresh-ahead write failed", "key", key, "error", err.Error())
		m.recordRefreshError()
	}
}

func (m *RefreshAheadManager) recordRefreshError() {
	if m.storage.metrics != nil {
		m.storage.metrics.Error.WithLabelValues(errLabelRefresh).Inc()
	}
}

// Set delegates to storage unchanged.
func (m *RefreshAheadManager) Set(ctx context.Context, key string, value any, opts SetOptions) (*Record, error) {
	return m.storage.Set(ctx, key, value, opts)
}

// Del delegates to storage.
func (m *RefreshAheadManager) Del(ctx context.Context, key string) (bool, error) {
	return m.del(ctx, key)
}
