package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/propagation"

	"github.com/drblury/workerpool/internal/runtime/metadata"
)

var propagator = propagation.TraceContext{}

// InjectHeaders writes the span context carried by ctx into headers
// (traceparent, tracestate). headers must be non-nil.
func InjectHeaders(ctx context.Context, headers metadata.Metadata) {
	propagator.Inject(ctx, propagation.MapCarrier(headers))
}

// ExtractContext returns ctx parented on the remote span found in headers,
// or ctx unchanged when there is none.
func ExtractContext(ctx context.Context, headers metadata.Metadata) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return propagator.Extract(ctx, propagation.MapCarrier(headers))
}
