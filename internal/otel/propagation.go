package otel

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/propagation"
)

var traceContext = propagation.TraceContext{}

// InjectHeaders writes the span context of ctx into h so the agent server
// can continue the trace.
func InjectHeaders(ctx context.Context, h http.Header) {
	traceContext.Inject(ctx, propagation.HeaderCarrier(h))
}

// ExtractHeaders returns ctx carrying the remote span context found in h.
func ExtractHeaders(ctx context.Context, h http.Header) context.Context {
	return traceContext.Extract(ctx, propagation.HeaderCarrier(h))
}
