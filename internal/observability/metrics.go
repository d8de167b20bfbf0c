// Package observability exposes run and session metrics through
// OpenTelemetry with a Prometheus exporter.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/michaelbrown/jvis"

// InitMetrics creates a meter provider backed by its own Prometheus registry
// and installs it globally. It returns the /metrics handler, a meter for the
// service's instruments and a shutdown function to call on exit.
func InitMetrics() (http.Handler, metric.Meter, func(context.Context) error, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return handler, provider.Meter(meterName), provider.Shutdown, nil
}

// Metrics holds the service's instruments. A nil *Metrics records nothing.
type Metrics struct {
	runs      metric.Int64Counter
	active    metric.Int64UpDownCounter
	duration  metric.Float64Histogram
	delivered metric.Int64Counter
	dropped   metric.Int64Counter
	meter     metric.Meter
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	var err error

	if m.runs, err = meter.Int64Counter("jvis.runs",
		metric.WithDescription("Finished runs by mode and terminal status.")); err != nil {
		return nil, err
	}
	if m.active, err = meter.Int64UpDownCounter("jvis.runs.active",
		metric.WithDescription("Runs currently holding a sandbox.")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("jvis.run.duration",
		metric.WithDescription("Wall-clock time from start event to terminal event."),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.delivered, err = meter.Int64Counter("jvis.events.delivered",
		metric.WithDescription("Events written to a session channel.")); err != nil {
		return nil, err
	}
	if m.dropped, err = meter.Int64Counter("jvis.events.dropped",
		metric.WithDescription("Events discarded because no live channel was bound.")); err != nil {
		return nil, err
	}
	return m, nil
}

// RunStarted counts a run as active.
func (m *Metrics) RunStarted(ctx context.Context, mode string) {
	if m == nil {
		return
	}
	m.active.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// RunFinished records a run's terminal status and duration.
func (m *Metrics) RunFinished(ctx context.Context, mode, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("mode", mode), attribute.String("status", status))
	m.active.Add(ctx, -1, metric.WithAttributes(attribute.String("mode", mode)))
	m.runs.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), attrs)
}

// EventDelivered counts an event sent to a channel.
func (m *Metrics) EventDelivered(ctx context.Context) {
	if m == nil {
		return
	}
	m.delivered.Add(ctx, 1)
}

// EventDropped counts an event that had nowhere to go.
func (m *Metrics) EventDropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// ObserveSessions reports the number of bound session channels on every
// collection.
func (m *Metrics) ObserveSessions(count func() int) error {
	if m == nil {
		return nil
	}
	_, err := m.meter.Int64ObservableGauge("jvis.sessions.active",
		metric.WithDescription("Session ids with a live channel."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(count()))
			return nil
		}))
	return err
}
