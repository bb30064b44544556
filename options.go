package flowcache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// storageConfig collects BaseStorage construction knobs, assembled via the
// functional-options pattern (Vipul984-flexlimit's Options/With* shape)
// rather than a config struct literal or file.
type storageConfig struct {
	prefix           string
	hashKeys         bool
	tagsAdapter      StorageAdapter
	operationTimeout time.Duration
	lockTTL          time.Duration
	compress         bool
	tracer           trace.Tracer
	mirror           *Mirror
}

func defaultStorageConfig() *storageConfig {
	return &storageConfig{
		operationTimeout: defaultOperationTimeout,
		lockTTL:          20 * time.Second,
	}
}

// Option configures a BaseStorage at construction time (Cache takes
// CacheOption).
type Option func(*storageConfig)

// WithPrefix sets the key prefix applied to every logical key.
func WithPrefix(prefix string) Option {
	return func(c *storageConfig) { c.prefix = prefix }
}

// WithHashKeys enables MD5-hex hashing of the effective key. One-way: there
// is no de-hash path.
func WithHashKeys() Option {
	return func(c *storageConfig) { c.hashKeys = true }
}

// WithTagsAdapter routes all tag-version reads/writes to a separate
// adapter, leaving the primary adapter free to evict while tags stay
// authoritative.
func WithTagsAdapter(adapter StorageAdapter) Option {
	return func(c *storageConfig) { c.tagsAdapter = adapter }
}

// WithOperationTimeout overrides the default 150ms bound applied to every
// adapter call.
func WithOperationTimeout(d time.Duration) Option {
	return func(c *storageConfig) { c.operationTimeout = d }
}

// WithLockTTL overrides the default 20s single-flight lock TTL.
func WithLockTTL(d time.Duration) Option {
	return func(c *storageConfig) { c.lockTTL = d }
}

// WithCompression wraps encoded envelope bytes with klauspost/compress's s2
// block codec before every adapter Set, and unwraps on Get.
func WithCompression() Option {
	return func(c *storageConfig) { c.compress = true }
}

// WithTracer attaches an OpenTelemetry tracer; every timeout-wrapped
// adapter call opens a child span under it. Nil (the default) disables
// tracing.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *storageConfig) { c.tracer = tracer }
}

// WithMemoryMirror enables an in-process freecache-backed mirror of size
// bytes in front of the adapter, invalidated across processes via the
// adapter's pub/sub channel when it supports one.
func WithMemoryMirror(sizeBytes int) Option {
	return func(c *storageConfig) { c.mirror = NewMirror(sizeBytes) }
}

// cacheConfig collects Cache façade construction knobs.
type cacheConfig struct {
	defaultExpiresIn time.Duration
	defaultManager   string
	appName          string
	enableMetrics    bool
	registerer       prometheus.Registerer
}

func defaultCacheConfig() *cacheConfig {
	return &cacheConfig{
		defaultExpiresIn: 24 * time.Hour,
		defaultManager:   "refresh-ahead",
		appName:          "flowcache",
	}
}

// CacheOption configures a Cache at construction time.
type CacheOption func(*cacheConfig)

// WithDefaultExpiresIn overrides the one-day default TTL applied when a
// caller omits one from SetOptions.
func WithDefaultExpiresIn(d time.Duration) CacheOption {
	return func(c *cacheConfig) { c.defaultExpiresIn = d }
}

// WithDefaultManager overrides the default manager name ("refresh-ahead")
// dispatched to when GetOptions.Manager is empty.
func WithDefaultManager(name string) CacheOption {
	return func(c *cacheConfig) { c.defaultManager = name }
}

// WithMetrics enables Prometheus metric registration under appName.
func WithMetrics(appName string, registerer prometheus.Registerer) CacheOption {
	return func(c *cacheConfig) {
		c.enableMetrics = true
		c.appName = appName
		c.registerer = registerer
	}
}

// GetOptions configures a single Get call. The same tags travel through to
// whatever write the call triggers (a miss, an invalid hit's single-flight
// run, or a refresh-ahead background refresh) via SetOptions; there is no
// separate top-level Tags field, since tag-outdated checks are always
// against the tags already recorded on the stored record, never against
// caller input.
type GetOptions struct {
	// Manager names which registered manager handles this call. Empty
	// dispatches to the Cache's default manager.
	Manager string
	// LockedKeyRetrieveStrategyType names the strategy used when the
	// single-flight lock is already held. Empty defaults to "runExecutor".
	LockedKeyRetrieveStrategyType string
	// SetOptions applied if the call results in a cache write.
	SetOptions SetOptions
}

// SetOptions configures a single Set call. ExpiresIn is a pointer so the
// zero value (time.Duration(0), meaning "permanent" per the record model's
// permanent iff expiresIn == 0 invariant) is distinguishable from "omitted";
// only the latter gets Cache's configured default substituted in.
type SetOptions struct {
	Tags      TagSet
	ExpiresIn *time.Duration
}
