package flowcache

import (
	"context"
	"sync"
	"time"
)

// testLogger is a Logger double that records every call, used across the
// package's tests instead of wiring a real zerolog sink into every case.
type testLogger struct {
	mu     sync.Mutex
	warns  []string
	errs   []string
	infos  []string
	debugs []string
}

func newTestLogger() *testLogger { return &testLogger{} }

func (l *testLogger) Debug(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debugs = append(l.debugs, msg)
}

func (l *testLogger) Info(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, msg)
}

func (l *testLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *testLogger) Error(msg string, _ error, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, msg)
}

func (l *testLogger) warnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.warns)
}

// countingAdapter wraps a StorageAdapter and tallies every call made
// through it, so tests can assert a code path never touched the adapter.
type countingAdapter struct {
	StorageAdapter
	mu    sync.Mutex
	calls int
}

func (a *countingAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *countingAdapter) bump() {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
}

func (a *countingAdapter) Get(ctx context.Context, k string) (OptionalValue, error) {
	a.bump()
	return a.StorageAdapter.Get(ctx, k)
}

func (a *countingAdapter) Set(ctx context.Context, k, v string, ttl time.Duration) (bool, error) {
	a.bump()
	return a.StorageAdapter.Set(ctx, k, v, ttl)
}

func (a *countingAdapter) Del(ctx context.Context, k string) (bool, error) {
	a.bump()
	return a.StorageAdapter.Del(ctx, k)
}

func (a *countingAdapter) MGet(ctx context.Context, ks []string) ([]OptionalValue, error) {
	a.bump()
	return a.StorageAdapter.MGet(ctx, ks)
}

func (a *countingAdapter) MSet(ctx context.Context, pairs map[string]string, ttl time.Duration) error {
	a.bump()
	return a.StorageAdapter.MSet(ctx, pairs, ttl)
}

func (a *countingAdapter) AcquireLock(ctx context.Context, k string, ttl time.Duration) (bool, error) {
	a.bump()
	return a.StorageAdapter.AcquireLock(ctx, k, ttl)
}

func (a *countingAdapter) ReleaseLock(ctx context.Context, k string) (bool, error) {
	a.bump()
	return a.StorageAdapter.ReleaseLock(ctx, k)
}

func (a *countingAdapter) IsLockExists(ctx context.Context, k string) (bool, error) {
	a.bump()
	return a.StorageAdapter.IsLockExists(ctx, k)
}
