package service

import "context"

// Tracer starts spans around arbitrary operations. Implementations are
// expected to be safe for concurrent use.
type Tracer interface {
	StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(error))
}

// NoopTracer is a Tracer that performs no tracing. It is the default used by
// services that are not constructed with a tracer of their own.
var NoopTracer Tracer = noopTracer{}

type noopTracer struct{}

func (noopTracer) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(error)) {
	return ctx, func(error) {}
}
