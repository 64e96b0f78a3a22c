// Package otel wires OpenTelemetry metrics (served through a Prometheus exporter) and tracing
// for the control plane.
package otel

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelglobal "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	meterName          = "github.com/ankittk/jobplane"
	defaultServiceName = "jobplane"
)

// Attribute keys shared by metrics and spans.
var (
	AttrCluster   = attribute.Key("cluster")
	AttrStatus    = attribute.Key("status")
	AttrOperation = attribute.Key("operation")
	AttrFunction  = attribute.Key("function")
	AttrJobID     = attribute.Key("job.id")
	AttrRunID     = attribute.Key("run.id")
)

// InitMeterProvider installs a global MeterProvider exporting to a private Prometheus registry
// and returns the /metrics handler for it. The registry also carries Go runtime and process
// collectors. Every series is labelled with the default cluster through the resource.
func InitMeterProvider(ctx context.Context, serviceName, cluster string) (http.Handler, error) {
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if cluster != "" {
		attrs = append(attrs, AttrCluster.String(cluster))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, err
	}
	otelglobal.SetMeterProvider(sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}), nil
}

// Meter returns the jobplane meter from the global provider.
func Meter() metric.Meter {
	return otelglobal.Meter(meterName)
}
