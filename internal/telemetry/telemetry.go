// Package telemetry exposes the bridge's runtime metrics through an
// OpenTelemetry meter backed by a Prometheus exporter. Recording helpers
// are safe to call before Init; they become active once a provider is
// installed.
package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"go.opentelemetry.io/otel"
)

type Config struct {
	// ServiceName is attached to the meter scope. Defaults to
	// "anywhere-core" when empty.
	ServiceName string
}

// Setup holds the installed meter provider and the Prometheus registry
// it exports into.
type Setup struct {
	provider *sdkmetric.MeterProvider
	registry *prometheus.Registry
}

// Init installs a Prometheus-backed meter provider as the global
// OpenTelemetry provider and registers the bridge instruments.
func Init(cfg Config) (*Setup, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "anywhere-core"
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	if err := registerInstruments(); err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, err
	}

	return &Setup{provider: provider, registry: registry}, nil
}

// Handler returns an http.Handler serving the Prometheus scrape endpoint.
func (s *Setup) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (s *Setup) Shutdown(ctx context.Context) error {
	return s.provider.Shutdown(ctx)
}
