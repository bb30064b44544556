package flowcache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// memcachedHealthWindow is the rolling window used to infer connection
// status from recent operation outcomes, since the memcache wire protocol
// has no native subscribe-to-health primitive.
const memcachedHealthWindow = 20

// MemcachedAdapter is a StorageAdapter backed by bradfitz/gomemcache. TTLs
// are converted from milliseconds to seconds, rounded up; locks use Add
// (insert-if-absent).
type MemcachedAdapter struct {
	client *memcache.Client

	mu       sync.Mutex
	recent   [memcachedHealthWindow]bool
	recentAt int
	filled   int
	status   atomic.Int32
	onConnCb []func()
}

// NewMemcachedAdapter wraps client, assuming Connected until an operation
// proves otherwise.
func NewMemcachedAdapter(client *memcache.Client) *MemcachedAdapter {
	a := &MemcachedAdapter{client: client}
	a.status.Store(int32(Connected))
	return a
}

// msToSecondsRoundUp converts a millisecond TTL to the seconds-granularity
// Memcached expects, rounding up so a sub-second TTL still expires in the
// future rather than immediately.
func msToSecondsRoundUp(ttl time.Duration) int32 {
	if ttl <= 0 {
		return 0
	}
	ms := ttl.Milliseconds()
	return int32((ms + 999) / 1000)
}

func (a *MemcachedAdapter) record(ok bool) {
	a.mu.Lock()
	a.recent[a.recentAt] = ok
	a.recentAt = (a.recentAt + 1) % memcachedHealthWindow
	if a.filled < memcachedHealthWindow {
		a.filled++
	}
	successes := 0
	for i := 0; i < a.filled; i++ {
		if a.recent[i] {
			successes++
		}
	}
	prev := ConnectionStatus(a.status.Load())
	var next ConnectionStatus
	if a.filled < memcachedHealthWindow/2 || successes*2 >= a.filled {
		next = Connected
	} else {
		next = Disconnected
	}
	a.status.Store(int32(next))
	cbs := append([]func(){}, a.onConnCb...)
	a.mu.Unlock()

	if prev != Connected && next == Connected {
		for _, cb := range cbs {
			cb()
		}
	}
}

func (a *MemcachedAdapter) Get(_ context.Context, k string) (OptionalValue, error) {
	item, err := a.client.Get(k)
	if err == memcache.ErrCacheMiss {
		a.record(true)
		return OptionalValue{}, nil
	}
	a.record(err == nil)
	if err != nil {
		return OptionalValue{}, err
	}
	return OptionalValue{Value: string(item.Value), Present: true}, nil
}

func (a *MemcachedAdapter) Set(_ context.Context, k, v string, ttl time.Duration) (bool, error) {
	err := a.client.Set(&memcache.Item{Key: k, Value: []byte(v), Expiration: msToSecondsRoundUp(ttl)})
	a.record(err == nil)
	return err == nil, err
}

func (a *MemcachedAdapter) Del(_ context.Context, k string) (bool, error) {
	err := a.client.Delete(k)
	if err == memcache.ErrCacheMiss {
		a.record(true)
		return false, nil
	}
	a.record(err == nil)
	return err == nil, err
}

// MGet treats an empty ks as a no-op (returns an empty, non-nil result),
// the documented Memcached-specific behavior distinguishing it from the
// Redis adapter's empty-mget error.
func (a *MemcachedAdapter) MGet(_ context.Context, ks []string) ([]OptionalValue, error) {
	out := make([]OptionalValue, len(ks))
	if len(ks) == 0 {
		return out, nil
	}
	items, err := a.client.GetMulti(ks)
	a.record(err == nil)
	if err != nil {
		return nil, err
	}
	for i, k := range ks {
		if item, ok := items[k]; ok {
			out[i] = OptionalValue{Value: string(item.Value), Present: true}
		}
	}
	return out, nil
}

// MSet fans out to individual Set calls (no native multi-set in the wire
// protocol) and raises on an empty pairs set, the documented
// Memcached-specific behavior.
func (a *MemcachedAdapter) MSet(ctx context.Context, pairs map[string]string, ttl time.Duration) error {
	if len(pairs) == 0 {
		return ErrEmptyKeys
	}
	for k, v := range pairs {
		if _, err := a.Set(ctx, k, v, ttl); err != nil {
			return err
		}
	}
	return nil
}

func (a *MemcachedAdapter) AcquireLock(_ context.Context, k string, ttl time.Duration) (bool, error) {
	err := a.client.Add(&memcache.Item{Key: k + "_lock", Value: []byte("1"), Expiration: msToSecondsRoundUp(ttl)})
	if err == memcache.ErrNotStored {
		a.record(true)
		return false, nil
	}
	a.record(err == nil)
	return err == nil, err
}

func (a *MemcachedAdapter) ReleaseLock(_ context.Context, k string) (bool, error) {
	err := a.client.Delete(k + "_lock")
	if err == memcache.ErrCacheMiss {
		a.record(true)
		return false, nil
	}
	a.record(err == nil)
	return err == nil, err
}

func (a *MemcachedAdapter) IsLockExists(_ context.Context, k string) (bool, error) {
	_, err := a.client.Get(k + "_lock")
	if err == memcache.ErrCacheMiss {
		a.record(true)
		return false, nil
	}
	a.record(err == nil)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (a *MemcachedAdapter) GetConnectionStatus() ConnectionStatus {
	return ConnectionStatus(a.status.Load())
}

func (a *MemcachedAdapter) OnConnect(cb func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onConnCb = append(a.onConnCb, cb)
}

func (a *MemcachedAdapter) SetOptions(map[string]any) error { return nil }
