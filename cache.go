package flowcache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNilLogger is returned by NewCache / NewCacheWithAdapter when
// constructed without a Logger: its absence is a construction error.
var ErrNilLogger = errors.New("flowcache: logger is required")

const (
	managerReadThrough  = "read-through"
	managerRefreshAhead = "refresh-ahead"
	managerWriteThrough = "write-through"
)

// Manager is the common surface ReadThroughManager, RefreshAheadManager,
// and WriteThroughManager each implement, letting Cache dispatch by name
// without knowing which freshness policy it's talking to.
type Manager interface {
	Get(ctx context.Context, key string, executor Executor, opts GetOptions) (any, error)
	Set(ctx context.Context, key string, value any, opts SetOptions) (*Record, error)
	Del(ctx context.Context, key string) (bool, error)
}

// Cache is flowcache's top-level façade: a name→manager registry sitting
// on top of a single BaseStorage, short-circuiting straight to the
// caller's executor whenever the backing adapter is unreachable.
type Cache struct {
	storage *BaseStorage
	logger  Logger
	metrics *MetricSet

	mu             sync.RWMutex
	managers       map[string]Manager
	defaultManager string

	defaultExpiresIn time.Duration
}

// NewCache builds a Cache over a pre-built BaseStorage, registering the
// three built-in managers (read-through, refresh-ahead, write-through)
// under their default names. The refresh-ahead manager uses the default
// 0.8 factor; use RegisterManager to install one with a custom factor.
func NewCache(storage *BaseStorage, logger Logger, opts ...CacheOption) (*Cache, error) {
	if logger == nil {
		return nil, ErrNilLogger
	}
	cfg := defaultCacheConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	c := &Cache{
		storage:          storage,
		logger:           logger,
		managers:         make(map[string]Manager),
		defaultManager:   cfg.defaultManager,
		defaultExpiresIn: cfg.defaultExpiresIn,
	}

	if cfg.enableMetrics {
		ms, err := newMetricSet(cfg.appName, cfg.registerer, true)
		if err != nil {
			return nil, err
		}
		c.metrics = ms
		storage.attachMetrics(ms)
	}

	c.managers[managerReadThrough] = NewReadThroughManager(storage, logger)
	refreshAhead, err := NewRefreshAheadManager(storage, logger, 0)
	if err != nil {
		return nil, err
	}
	c.managers[managerRefreshAhead] = refreshAhead
	c.managers[managerWriteThrough] = NewWriteThroughManager(storage, logger)

	return c, nil
}

// NewCacheWithAdapter wraps adapter in a BaseStorage built from
// storageOpts, then constructs a Cache over it.
func NewCacheWithAdapter(adapter StorageAdapter, logger Logger, storageOpts []Option, cacheOpts ...CacheOption) (*Cache, error) {
	if logger == nil {
		return nil, ErrNilLogger
	}
	storage := NewBaseStorage(adapter, logger, storageOpts...)
	return NewCache(storage, logger, cacheOpts...)
}

// Close unregisters Cache's metrics, if enabled.
func (c *Cache) Close() {
	if c.metrics != nil {
		c.metrics.unregister()
	}
}

// RegisterManager installs manager under name, overwriting any existing
// registration with that name. The name is not validated; a manager
// registered under "" is never selected, since an empty name resolves to
// the Cache's default manager.
func (c *Cache) RegisterManager(name string, manager Manager) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.managers[name] = manager
}

func (c *Cache) manager(name string) (Manager, error) {
	if name == "" {
		name = c.defaultManager
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.managers[name]
	if !ok {
		return nil, ErrUnknownManager
	}
	return m, nil
}

func (c *Cache) resolveSetOptions(opts SetOptions) SetOptions {
	if opts.ExpiresIn == nil {
		d := c.defaultExpiresIn
		opts.ExpiresIn = &d
	}
	return opts
}

// Get dispatches to the named manager (default "refresh-ahead"). If the
// adapter is not CONNECTED, the cache is bypassed entirely: the executor
// runs directly and the adapter receives no calls.
func (c *Cache) Get(ctx context.Context, key string, executor Executor, opts GetOptions) (any, error) {
	if c.storage.adapterStatus() != Connected {
		c.logger.Info("adapter not connected, bypassing cache", "key", key)
		started := getNow().UnixMilli()
		v, err := callExecutor(ctx, executor)
		c.recordHit(hitLabelExecutor, started)
		return v, err
	}

	m, err := c.manager(opts.Manager)
	if err != nil {
		return nil, err
	}
	opts.SetOptions = c.resolveSetOptions(opts.SetOptions)
	return m.Get(ctx, key, executor, opts)
}

// Set dispatches to the named manager (empty managerName selects the
// Cache's default).
func (c *Cache) Set(ctx context.Context, key string, value any, managerName string, opts SetOptions) (*Record, error) {
	m, err := c.manager(managerName)
	if err != nil {
		return nil, err
	}
	rec, err := m.Set(ctx, key, value, c.resolveSetOptions(opts))
	if err != nil && c.metrics != nil {
		c.metrics.Error.WithLabelValues(errLabelSet).Inc()
	}
	return rec, err
}

// Touch delegates to storage, bypassing every manager.
func (c *Cache) Touch(ctx context.Context, tagNames []string) error {
	if err := c.storage.Touch(ctx, tagNames); err != nil {
		if c.metrics != nil {
			c.metrics.Error.WithLabelValues(errLabelTouch).Inc()
		}
		return err
	}
	return nil
}

// Del delegates to the named manager's Del, which in turn delegates to
// storage.
func (c *Cache) Del(ctx context.Context, key string, managerName string) (bool, error) {
	m, err := c.manager(managerName)
	if err != nil {
		return false, err
	}
	existed, err := m.Del(ctx, key)
	if err != nil && c.metrics != nil {
		c.metrics.Error.WithLabelValues(errLabelInvalidate).Inc()
	}
	return existed, err
}

func (c *Cache) recordHit(label string, startedAt int64) {
	if c.metrics == nil {
		return
	}
	c.metrics.Hit.WithLabelValues(label).Inc()
	c.metrics.recordLatency(label, startedAt)
}
