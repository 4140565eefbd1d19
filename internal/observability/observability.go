// Package observability hands out the tracer and meter used across the
// service. Both come from the global otel providers, so they are no-ops
// until the process installs real SDK providers.
package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName identifies this service's spans and instruments.
const InstrumentationName = "tenantcore"

// Tracer returns the service tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// Meter returns the service meter.
func Meter() metric.Meter {
	return otel.Meter(InstrumentationName)
}

// TenantAttr tags a span or measurement with a tenant id.
func TenantAttr(id string) attribute.KeyValue {
	return attribute.String("tenant.id", id)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
