package registry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type metrics struct {
	openHandles  metric.Int64UpDownCounter
	opens        metric.Int64Counter
	openFailures metric.Int64Counter
	evictions    metric.Int64Counter
}

func newMetrics(meter metric.Meter) *metrics {
	fallback := noop.NewMeterProvider().Meter("registry")

	openHandles, err := meter.Int64UpDownCounter("tenantcore.registry.open_handles",
		metric.WithDescription("Tenant database handles currently cached"))
	if err != nil {
		openHandles, _ = fallback.Int64UpDownCounter("open_handles")
	}
	opens, err := meter.Int64Counter("tenantcore.registry.opens",
		metric.WithDescription("Tenant database handles opened"))
	if err != nil {
		opens, _ = fallback.Int64Counter("opens")
	}
	openFailures, err := meter.Int64Counter("tenantcore.registry.open_failures",
		metric.WithDescription("Failed attempts to open a tenant database"))
	if err != nil {
		openFailures, _ = fallback.Int64Counter("open_failures")
	}
	evictions, err := meter.Int64Counter("tenantcore.registry.evictions",
		metric.WithDescription("Handles closed by the idle sweep"))
	if err != nil {
		evictions, _ = fallback.Int64Counter("evictions")
	}

	return &metrics{
		openHandles:  openHandles,
		opens:        opens,
		openFailures: openFailures,
		evictions:    evictions,
	}
}
