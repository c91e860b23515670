package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for bridge spans and metrics.
var (
	AttrMethod    = attribute.Key("walletbridge.method")
	AttrTopic     = attribute.Key("walletbridge.topic")
	AttrRequestID = attribute.Key("walletbridge.request.id")
	AttrConfirmed = attribute.Key("walletbridge.confirmed")
	AttrCommand   = attribute.Key("walletbridge.wallet.command")
)

// StartServerSpan starts a span for an inbound peer request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound wallet or relay call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
