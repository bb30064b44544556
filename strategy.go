package flowcache

import (
	"context"
	"time"
)

const (
	strategyRunExecutor   = "runExecutor"
	strategyWaitForResult = "waitForResult"
)

const (
	defaultMaximumTimeout = 3000 * time.Millisecond
	defaultRequestTimeout = 250 * time.Millisecond
)

// Executor produces the caller's value when the cache cannot serve a valid
// hit. Returning an undefined result with no error is a programming error
// surfaced as ErrExecutorReturnsUndefined.
type Executor func(ctx context.Context) (any, error)

// lockedKeyContext carries what a LockedKeyRetrieveStrategy needs to decide
// what a caller should do when it lost the race for a key's lock.
type lockedKeyContext struct {
	storage  *BaseStorage
	key      string
	executor Executor
	logger   Logger
}

// LockedKeyRetrieveStrategy answers "what should a get caller do when it
// could not acquire the single-flight lock for a key?"
type LockedKeyRetrieveStrategy interface {
	Name() string
	Get(ctx context.Context, lkc lockedKeyContext) (any, error)
}

// runExecutorStrategy is the default: run the executor directly, no cache
// interaction, no backoff.
type runExecutorStrategy struct{}

func (runExecutorStrategy) Name() string { return strategyRunExecutor }

func (runExecutorStrategy) Get(ctx context.Context, lkc lockedKeyContext) (any, error) {
	return callExecutor(ctx, lkc.executor)
}

// waitForResultStrategy polls until the lock is released and a record
// appears, fails immediately if the lock is released with no record, or
// fails with RequestMaximumTimeoutExceeded past its budget.
type waitForResultStrategy struct {
	maximumTimeout time.Duration
	requestTimeout time.Duration
}

func (s waitForResultStrategy) Name() string { return strategyWaitForResult }

func (s waitForResultStrategy) Get(ctx context.Context, lkc lockedKeyContext) (any, error) {
	maximumTimeout := s.maximumTimeout
	if maximumTimeout <= 0 {
		maximumTimeout = defaultMaximumTimeout
	}
	requestTimeout := s.requestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}

	deadline := getNow().Add(maximumTimeout)
	ticker := time.NewTicker(requestTimeout)
	defer ticker.Stop()

	for {
		locked, err := lkc.storage.KeyIsLocked(ctx, lkc.key)
		if err == nil && !locked {
			rec, found, err := lkc.storage.Get(ctx, lkc.key)
			if err == nil && found {
				var value any
				if decErr := decode(rec.Value, &value); decErr == nil {
					return value, nil
				}
			}
			return nil, ErrWaitForResult
		}

		if getNow().After(deadline) {
			if lkc.logger != nil {
				lkc.logger.Error("wait-for-result exceeded maximum timeout", nil, "key", lkc.key, "maximumTimeout", maximumTimeout)
			}
			return nil, &RequestMaximumTimeoutExceededError{MaximumTimeout: maximumTimeout}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func callExecutor(ctx context.Context, executor Executor) (any, error) {
	value, err := executor(ctx)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, ErrExecutorReturnsUndefined
	}
	return value, nil
}

// strategyRegistry is a name->strategy map, populated with the two built-ins
// at construction and extendable by callers registering their own
// LockedKeyRetrieveStrategy implementations.
type strategyRegistry struct {
	strategies map[string]LockedKeyRetrieveStrategy
}

func newStrategyRegistry(extra ...LockedKeyRetrieveStrategy) *strategyRegistry {
	r := &strategyRegistry{strategies: make(map[string]LockedKeyRetrieveStrategy)}
	r.register(runExecutorStrategy{})
	r.register(waitForResultStrategy{})
	for _, s := range extra {
		r.register(s)
	}
	return r
}

func (r *strategyRegistry) register(s LockedKeyRetrieveStrategy) {
	r.strategies[s.Name()] = s
}

func (r *strategyRegistry) get(name string) (LockedKeyRetrieveStrategy, error) {
	if name == "" {
		name = strategyRunExecutor
	}
	s, ok := r.strategies[name]
	if !ok {
		return nil, ErrUnknownLockedKeyStrategy
	}
	return s, nil
}
