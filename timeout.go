package flowcache

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// defaultOperationTimeout is the bound applied to every adapter call that
// doesn't specify its own.
const defaultOperationTimeout = 150 * time.Millisecond

// withTimeout runs fn and returns its outcome if it completes within
// deadline, otherwise releases the caller immediately with
// OperationTimeoutError. It does not cancel fn: the backing adapter has no
// cancellation channel in this port, so it only stops waiting for it.
func withTimeout[T any](ctx context.Context, deadline time.Duration, tracer trace.Tracer, op string, fn func(context.Context) (T, error)) (T, error) {
	var span trace.Span
	if tracer != nil {
		ctx, span = tracer.Start(ctx, "flowcache."+op, trace.WithAttributes(
			attribute.String("flowcache.op", op),
			attribute.Int64("flowcache.deadline_ms", deadline.Milliseconds()),
		))
		defer span.End()
	}

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{val: v, err: err}
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case r := <-done:
		if span != nil {
			span.SetAttributes(attribute.Bool("flowcache.timed_out", false))
			if r.err != nil {
				span.RecordError(r.err)
			}
		}
		return r.val, r.err
	case <-timer.C:
		if span != nil {
			span.SetAttributes(attribute.Bool("flowcache.timed_out", true))
		}
		var zero T
		return zero, &OperationTimeoutError{Op: op, Deadline: deadline}
	}
}
