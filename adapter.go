package flowcache

import (
	"context"
	"time"
)

// ConnectionStatus is the current state of a StorageAdapter's transport.
type ConnectionStatus int

const (
	Connecting ConnectionStatus = iota
	Connected
	Disconnected
)

func (s ConnectionStatus) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// OptionalValue is an MGet result slot: a backend miss is Present == false,
// never a zero-value string, so callers can tell "empty string" from "not
// stored" apart.
type OptionalValue struct {
	Value   string
	Present bool
}

// StorageAdapter is the port a backing store must implement. Every
// operation may fail with a transport error or *OperationTimeoutError; this
// package never retries a failed adapter call itself (that's
// BaseStorage/cachedCommand's job).
type StorageAdapter interface {
	// Get returns the stored text for k, or Present == false if absent.
	Get(ctx context.Context, k string) (OptionalValue, error)

	// Set stores v under k with an optional TTL (ttl <= 0 means no expiry).
	// Returns whether the write succeeded.
	Set(ctx context.Context, k, v string, ttl time.Duration) (bool, error)

	// Del removes k, returning whether something was removed.
	Del(ctx context.Context, k string) (bool, error)

	// MGet returns a slice of optional values aligned with ks. Fails on an
	// empty ks per the Redis reference behavior; Memcached-style adapters
	// may treat empty ks as a no-op instead (documented per adapter).
	MGet(ctx context.Context, ks []string) ([]OptionalValue, error)

	// MSet bulk-stores pairs with a shared TTL. Fails if pairs is empty.
	MSet(ctx context.Context, pairs map[string]string, ttl time.Duration) error

	// AcquireLock performs an atomic set-if-absent on "{k}_lock" with the
	// given TTL, returning whether the lock was acquired.
	AcquireLock(ctx context.Context, k string, ttl time.Duration) (bool, error)

	// ReleaseLock deletes "{k}_lock", returning whether it existed.
	ReleaseLock(ctx context.Context, k string) (bool, error)

	// IsLockExists reports whether "{k}_lock" currently exists.
	IsLockExists(ctx context.Context, k string) (bool, error)

	// GetConnectionStatus returns the adapter's current transport status.
	GetConnectionStatus() ConnectionStatus

	// OnConnect registers cb to fire whenever the transport transitions
	// into Connected. Multiple callbacks may be registered.
	OnConnect(cb func())

	// SetOptions passes adapter-level configuration. Adapters that need no
	// runtime configuration may implement this as a no-op.
	SetOptions(opts map[string]any) error
}
