// Package telemetry installs the OpenTelemetry providers and serves the
// Prometheus metrics and health endpoints.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yairfalse/secmon/internal/observers/config"
	"github.com/yairfalse/secmon/pkg/domain"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
)

// Provider holds the installed providers and the metrics registry
type Provider struct {
	config         config.TelemetryConfig
	logger         *zap.Logger
	registry       *prometheus.Registry
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	health         *domain.HealthAggregator
	server         *http.Server
}

// NewProvider builds the meter and tracer providers and installs them as
// the otel globals. Traces are recorded in-process only.
func NewProvider(ctx context.Context, logger *zap.Logger, cfg config.TelemetryConfig, version string) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(version),
		),
		resource.WithProcessPID(),
		resource.WithHost(),
		resource.WithOS(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	p := &Provider{
		config:   cfg,
		logger:   logger.Named("telemetry"),
		registry: registry,
		meterProvider: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		),
		tracerProvider: sdktrace.NewTracerProvider(sdktrace.WithResource(res)),
		health:         domain.NewHealthAggregator(),
	}

	otel.SetMeterProvider(p.meterProvider)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return p, nil
}

// Health returns the aggregator served on /healthz
func (p *Provider) Health() *domain.HealthAggregator {
	return p.health
}

// Handler returns the mux with /metrics and /healthz
func (p *Provider) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", p.serveHealth)
	return mux
}

func (p *Provider) serveHealth(w http.ResponseWriter, _ *http.Request) {
	status := p.health.AggregateHealth()
	w.Header().Set("Content-Type", "application/json")
	if status.Status == domain.HealthUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		p.logger.Debug("Failed to write health response", zap.Error(err))
	}
}

// Serve starts the HTTP endpoint in the background. The returned address is
// the one actually bound.
func (p *Provider) Serve() (string, error) {
	ln, err := net.Listen("tcp", p.config.MetricsAddr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", p.config.MetricsAddr, err)
	}
	p.server = &http.Server{
		Handler:           p.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("Metrics server stopped", zap.Error(err))
		}
	}()
	p.logger.Info("Serving metrics", zap.String("addr", ln.Addr().String()))
	return ln.Addr().String(), nil
}

// Shutdown stops the HTTP endpoint and flushes the providers
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.server != nil {
		if err := p.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop metrics server: %w", err))
		}
	}
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown tracer provider: %w", err))
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown meter provider: %w", err))
	}
	return errors.Join(errs...)
}
