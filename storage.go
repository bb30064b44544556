package flowcache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/s2"
	"go.opentelemetry.io/otel/trace"
)

const tagVersionKeyPrefix = "cache-tags-versions:"

// queueWatermark is the soft threshold at which BaseStorage logs a warning
// about offline-queue growth (when an enqueue brings the length to exactly
// this value). The queue itself has no maximum size: bounding
// it would mean silently dropping writes, which is worse than an unbounded
// queue backed by an operator alert.
const queueWatermark = 10000

// queuedCommand is a deferred BaseStorage mutation captured as a closure, so
// it can be retried verbatim on drain without re-deriving its arguments.
type queuedCommand struct {
	label string
	fn    func(context.Context) error
}

// BaseStorage translates record/tag semantics to StorageAdapter calls. It
// owns key naming, tag versioning, the offline command queue, and optional
// compression/mirroring on top of the full Record envelope.
type BaseStorage struct {
	adapter     StorageAdapter
	tagsAdapter StorageAdapter

	prefix           string
	hashKeys         bool
	operationTimeout time.Duration
	lockTTL          time.Duration
	compress         bool
	tracer           trace.Tracer
	mirror           *Mirror
	logger           Logger
	metrics          *MetricSet

	queueMu sync.Mutex
	queue   []queuedCommand
}

// NewBaseStorage constructs a BaseStorage over adapter. logger should be
// non-nil; BaseStorage itself does not validate this, leaving the
// "logger absence is a construction error" check to Cache at the façade
// level instead of panicking here.
func NewBaseStorage(adapter StorageAdapter, logger Logger, opts ...Option) *BaseStorage {
	cfg := defaultStorageConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	bs := &BaseStorage{
		adapter:          adapter,
		tagsAdapter:      adapter,
		prefix:           cfg.prefix,
		hashKeys:         cfg.hashKeys,
		operationTimeout: cfg.operationTimeout,
		lockTTL:          cfg.lockTTL,
		compress:         cfg.compress,
		tracer:           cfg.tracer,
		mirror:           cfg.mirror,
		logger:           logger,
	}
	if cfg.tagsAdapter != nil {
		bs.tagsAdapter = cfg.tagsAdapter
	}
	if bs.mirror != nil {
		bs.mirror.Attach(adapter)
	}
	adapter.OnConnect(bs.drainQueue)
	return bs
}

func (bs *BaseStorage) attachMetrics(m *MetricSet) { bs.metrics = m }

// adapterStatus reports the wrapped adapter's current connection status,
// used by Cache to decide whether to bypass the cache entirely.
func (bs *BaseStorage) adapterStatus() ConnectionStatus { return bs.adapter.GetConnectionStatus() }

func (bs *BaseStorage) effectiveKey(logical string) string {
	key := logical
	if bs.prefix != "" {
		key = bs.prefix + "-" + logical
	}
	if !bs.hashKeys {
		return key
	}
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (bs *BaseStorage) tagVersionKey(tagName string) string {
	return bs.effectiveKey(tagVersionKeyPrefix + tagName)
}

// Get fetches and decodes the record stored at logicalKey. A missing key or
// a malformed envelope both report found == false with a nil error; only
// transport/timeout failures are returned as errors.
func (bs *BaseStorage) Get(ctx context.Context, logicalKey string) (*Record, bool, error) {
	ek := bs.effectiveKey(logicalKey)
	started := getNow().UnixMilli()

	if bs.mirror != nil {
		if payload, ok := bs.mirror.Get(ek); ok {
			rec, found, _ := decodeEnvelope(bs.maybeDecompress(payload))
			if found {
				bs.recordStorageHit(hitLabelMemory, started)
				return rec, true, nil
			}
		}
	}

	ov, err := withTimeout(ctx, bs.operationTimeout, bs.tracer, "get", func(ctx context.Context) (OptionalValue, error) {
		return bs.adapter.Get(ctx, ek)
	})
	if err != nil {
		return nil, false, err
	}
	if !ov.Present {
		return nil, false, nil
	}
	payload := bs.maybeDecompress(ov.Value)
	rec, found, err := decodeEnvelope(payload)
	if err != nil || !found {
		return nil, false, nil
	}
	bs.recordStorageHit(hitLabelAdapter, started)
	if bs.mirror != nil {
		bs.mirror.Put(ek, ov.Value, bs.remainingTTL(rec))
	}
	return rec, true, nil
}

func (bs *BaseStorage) recordStorageHit(label string, startedAt int64) {
	if bs.metrics == nil {
		return
	}
	bs.metrics.Hit.WithLabelValues(label).Inc()
	bs.metrics.recordLatency(label, startedAt)
}

func (bs *BaseStorage) remainingTTL(rec *Record) time.Duration {
	if rec.Permanent {
		return 0
	}
	deadline := rec.CreatedAtMs + rec.ExpiresInMs
	remaining := deadline - getNow().UnixMilli()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(remaining) * time.Millisecond
}

// Set encodes value and tags into a new record and writes it through the
// adapter. Tag versions are captured as of write-time, created implicitly
// at version 0 for any tag never seen by touch.
func (bs *BaseStorage) Set(ctx context.Context, logicalKey string, value any, opts SetOptions) (*Record, error) {
	tagNames, err := opts.Tags.resolve(value)
	if err != nil {
		return nil, &ParseError{Cause: err}
	}
	tags, err := bs.resolveTagVersions(ctx, tagNames)
	if err != nil {
		return nil, err
	}

	encodedValue, err := encode(value)
	if err != nil {
		return nil, err
	}
	rec := newRecord(logicalKey, encodedValue, tags, resolveExpiresIn(opts.ExpiresIn))
	return rec, bs.writeRecord(ctx, logicalKey, rec)
}

// resolveExpiresIn treats an omitted (nil) ExpiresIn as permanent (0), the
// same as an explicit zero. BaseStorage has no notion of Cache's configured
// default, which is resolved one layer up.
func resolveExpiresIn(d *time.Duration) time.Duration {
	if d == nil {
		return 0
	}
	return *d
}

// setForced is used by WriteThroughManager to force permanent=true
// regardless of the caller-supplied ExpiresIn.
func (bs *BaseStorage) setForced(ctx context.Context, logicalKey string, value any, opts SetOptions) (*Record, error) {
	zero := time.Duration(0)
	opts.ExpiresIn = &zero
	return bs.Set(ctx, logicalKey, value, opts)
}

func (bs *BaseStorage) resolveTagVersions(ctx context.Context, tagNames []string) ([]Tag, error) {
	if len(tagNames) == 0 {
		return nil, nil
	}
	return bs.GetTags(ctx, tagNames)
}

func (bs *BaseStorage) writeRecord(ctx context.Context, logicalKey string, rec *Record) error {
	ek := bs.effectiveKey(logicalKey)
	payload, err := encodeEnvelope(rec)
	if err != nil {
		return err
	}
	wire := bs.maybeCompress(payload)

	_, err = withTimeout(ctx, bs.operationTimeout, bs.tracer, "set", func(ctx context.Context) (bool, error) {
		return bs.adapter.Set(ctx, ek, wire, rec.effectiveTTL())
	})
	if err != nil {
		return err
	}
	if bs.mirror != nil {
		bs.mirror.Put(ek, wire, bs.remainingTTL(rec))
	}
	return nil
}

func (r *Record) effectiveTTL() time.Duration {
	if r.Permanent {
		return 0
	}
	return time.Duration(r.ExpiresInMs) * time.Millisecond
}

func (bs *BaseStorage) maybeCompress(payload string) string {
	if !bs.compress {
		return payload
	}
	return string(s2.Encode(nil, []byte(payload)))
}

// maybeDecompress fails closed: a payload that doesn't decode as s2 when
// compression is enabled is treated as absent rather than raised as an
// error.
func (bs *BaseStorage) maybeDecompress(payload string) string {
	if !bs.compress {
		return payload
	}
	decoded, err := s2.Decode(nil, []byte(payload))
	if err != nil {
		return ""
	}
	return string(decoded)
}

// Touch advances the version of every named tag to the current wall-clock
// millisecond, deferred through the offline command queue when the primary
// adapter is not Connected or the write times out. An empty tagNames is a
// no-op.
func (bs *BaseStorage) Touch(ctx context.Context, tagNames []string) error {
	if len(tagNames) == 0 {
		return nil
	}
	now := strconv.FormatInt(getNow().UnixMilli(), 10)
	pairs := make(map[string]string, len(tagNames))
	for _, name := range tagNames {
		pairs[bs.tagVersionKey(name)] = now
	}
	return bs.cachedCommand(ctx, "touch", func(ctx context.Context) error {
		_, err := withTimeout(ctx, bs.operationTimeout, bs.tracer, "touch", func(ctx context.Context) (any, error) {
			return nil, bs.tagsAdapter.MSet(ctx, pairs, 0)
		})
		return err
	})
}

// GetTags resolves the current version of each named tag, reporting 0 for
// any tag never touched. An empty tagNames returns an empty result with no
// backend call.
func (bs *BaseStorage) GetTags(ctx context.Context, tagNames []string) ([]Tag, error) {
	if len(tagNames) == 0 {
		return nil, nil
	}
	keys := make([]string, len(tagNames))
	for i, name := range tagNames {
		keys[i] = bs.tagVersionKey(name)
	}
	vals, err := withTimeout(ctx, bs.operationTimeout, bs.tracer, "getTags", func(ctx context.Context) ([]OptionalValue, error) {
		return bs.tagsAdapter.MGet(ctx, keys)
	})
	if err != nil {
		return nil, err
	}
	tags := make([]Tag, len(tagNames))
	for i, name := range tagNames {
		tags[i] = Tag{Name: name}
		if i < len(vals) && vals[i].Present {
			if v, parseErr := strconv.ParseInt(vals[i].Value, 10, 64); parseErr == nil {
				tags[i].Version = v
			}
		}
	}
	return tags, nil
}

// IsOutdated reports whether any tag recorded on rec now has a strictly
// greater version in storage. A backend failure fails invalid (returns
// true): never serve stale data silently just because a version check
// could not complete.
func (bs *BaseStorage) IsOutdated(ctx context.Context, rec *Record) bool {
	if len(rec.Tags) == 0 {
		return false
	}
	names := make([]string, len(rec.Tags))
	for i, t := range rec.Tags {
		names[i] = t.Name
	}
	current, err := bs.GetTags(ctx, names)
	if err != nil {
		return true
	}
	for i, t := range rec.Tags {
		if i >= len(current) {
			return true
		}
		if current[i].Version > t.Version {
			return true
		}
	}
	return false
}

// LockKey attempts to acquire the single-flight lock for logicalKey.
func (bs *BaseStorage) LockKey(ctx context.Context, logicalKey string) (bool, error) {
	ek := bs.effectiveKey(logicalKey)
	return withTimeout(ctx, bs.operationTimeout, bs.tracer, "lockKey", func(ctx context.Context) (bool, error) {
		return bs.adapter.AcquireLock(ctx, ek, bs.lockTTL)
	})
}

// ReleaseKey releases the single-flight lock for logicalKey.
func (bs *BaseStorage) ReleaseKey(ctx context.Context, logicalKey string) (bool, error) {
	ek := bs.effectiveKey(logicalKey)
	return withTimeout(ctx, bs.operationTimeout, bs.tracer, "releaseKey", func(ctx context.Context) (bool, error) {
		return bs.adapter.ReleaseLock(ctx, ek)
	})
}

// KeyIsLocked reports whether logicalKey's single-flight lock is held.
func (bs *BaseStorage) KeyIsLocked(ctx context.Context, logicalKey string) (bool, error) {
	ek := bs.effectiveKey(logicalKey)
	return withTimeout(ctx, bs.operationTimeout, bs.tracer, "keyIsLocked", func(ctx context.Context) (bool, error) {
		return bs.adapter.IsLockExists(ctx, ek)
	})
}

// Del removes the record stored at logicalKey.
func (bs *BaseStorage) Del(ctx context.Context, logicalKey string) (bool, error) {
	ek := bs.effectiveKey(logicalKey)
	existed, err := withTimeout(ctx, bs.operationTimeout, bs.tracer, "del", func(ctx context.Context) (bool, error) {
		return bs.adapter.Del(ctx, ek)
	})
	if bs.mirror != nil {
		bs.mirror.Evict(ek)
	}
	return existed, err
}

// cachedCommand is the offline-queue gate every deferrable mutation goes
// through: disconnected or timed-out attempts are enqueued rather than
// failed.
func (bs *BaseStorage) cachedCommand(ctx context.Context, label string, fn func(context.Context) error) error {
	if bs.adapter.GetConnectionStatus() != Connected {
		bs.enqueue(label, fn)
		return nil
	}
	err := fn(ctx)
	if err == nil {
		return nil
	}
	var timeoutErr *OperationTimeoutError
	if errors.As(err, &timeoutErr) {
		bs.enqueue(label, fn)
		return nil
	}
	return err
}

func (bs *BaseStorage) enqueue(label string, fn func(context.Context) error) {
	bs.queueMu.Lock()
	bs.queue = append(bs.queue, queuedCommand{label: label, fn: fn})
	n := len(bs.queue)
	bs.queueMu.Unlock()
	if n == queueWatermark {
		bs.logger.Warn("offline command queue past soft watermark", "size", n)
	}
}

// drainQueue runs every queued command exactly once, concurrently,
// re-queuing any that fail. Registered as the adapter's OnConnect
// callback.
func (bs *BaseStorage) drainQueue() {
	bs.queueMu.Lock()
	pending := bs.queue
	bs.queue = nil
	bs.queueMu.Unlock()
	if len(pending) == 0 {
		return
	}

	var mu sync.Mutex
	var retry []queuedCommand
	var wg sync.WaitGroup
	for _, cmd := range pending {
		cmd := cmd
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := cmd.fn(context.Background()); err != nil {
				bs.logger.Warn("queued command failed, re-queuing", "label", cmd.label, "error", err.Error())
				if bs.metrics != nil {
					bs.metrics.Error.WithLabelValues(errLabelDrainQueue).Inc()
				}
				mu.Lock()
				retry = append(retry, cmd)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(retry) == 0 {
		return
	}
	bs.queueMu.Lock()
	bs.queue = append(retry, bs.queue...)
	bs.queueMu.Unlock()
}
