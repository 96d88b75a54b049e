// Package base provides the counters, health and lifecycle plumbing shared by
// the monitor's detectors and scheduler.
package base

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/yairfalse/secmon/pkg/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// BaseObserver tracks cycles, findings and errors for one component.
// Embed it to get Statistics() and Health().
type BaseObserver struct {
	name      string
	startTime time.Time
	logger    *zap.Logger

	cyclesRun         atomic.Int64
	findingsPublished atomic.Int64
	findingsDropped   atomic.Int64
	errorCount        atomic.Int64

	lastCycleTime atomic.Value // time.Time
	lastError     atomic.Value // error

	isHealthy          atomic.Bool
	healthCheckTimeout time.Duration
	errorRateThreshold float64

	tracer trace.Tracer
	meter  metric.Meter

	cyclesCounter   metric.Int64Counter
	findingsCounter metric.Int64Counter
	droppedCounter  metric.Int64Counter
	errorCounter    metric.Int64Counter
	cycleDuration   metric.Float64Histogram
	healthStatus    metric.Int64Gauge
}

// BaseObserverConfig holds configuration for BaseObserver
type BaseObserverConfig struct {
	Name string
	// HealthCheckTimeout is how long without a completed cycle before the
	// component reports degraded. Zero disables the check.
	HealthCheckTimeout time.Duration
	ErrorRateThreshold float64 // Default 0.5
	Logger             *zap.Logger
	// DisableMetrics swaps in a no-op meter. Counters and health still work.
	DisableMetrics bool
}

// NewBaseObserver creates a base observer with default thresholds
func NewBaseObserver(name string, healthCheckTimeout time.Duration) *BaseObserver {
	return NewBaseObserverWithConfig(BaseObserverConfig{
		Name:               name,
		HealthCheckTimeout: healthCheckTimeout,
	})
}

// NewBaseObserverWithConfig creates a base observer. It starts unhealthy;
// owners call SetHealthy once they are running.
func NewBaseObserverWithConfig(config BaseObserverConfig) *BaseObserver {
	if config.ErrorRateThreshold == 0 {
		config.ErrorRateThreshold = 0.5
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	meter := otel.Meter(config.Name)
	if config.DisableMetrics {
		meter = noop.NewMeterProvider().Meter(config.Name)
	}

	bo := &BaseObserver{
		name:               config.Name,
		startTime:          time.Now(),
		logger:             config.Logger,
		healthCheckTimeout: config.HealthCheckTimeout,
		errorRateThreshold: config.ErrorRateThreshold,
		tracer:             otel.Tracer(config.Name),
		meter:              meter,
	}
	bo.lastCycleTime.Store(time.Time{})
	bo.initializeMetrics()
	return bo
}

func (bo *BaseObserver) initializeMetrics() {
	var err error

	bo.cyclesCounter, err = bo.meter.Int64Counter(
		fmt.Sprintf("%s_cycles_total", bo.name),
		metric.WithDescription("Total detection cycles run"),
		metric.WithUnit("1"),
	)
	if err != nil {
		bo.logger.Debug("Failed to create cycles counter", zap.String("observer", bo.name), zap.Error(err))
		bo.cyclesCounter = nil
	}

	bo.findingsCounter, err = bo.meter.Int64Counter(
		fmt.Sprintf("%s_findings_total", bo.name),
		metric.WithDescription("Total findings published"),
		metric.WithUnit("1"),
	)
	if err != nil {
		bo.logger.Debug("Failed to create findings counter", zap.String("observer", bo.name), zap.Error(err))
		bo.findingsCounter = nil
	}

	bo.droppedCounter, err = bo.meter.Int64Counter(
		fmt.Sprintf("%s_findings_dropped_total", bo.name),
		metric.WithDescription("Total findings the sink did not accept"),
		metric.WithUnit("1"),
	)
	if err != nil {
		bo.logger.Debug("Failed to create dropped counter", zap.String("observer", bo.name), zap.Error(err))
		bo.droppedCounter = nil
	}

	bo.errorCounter, err = bo.meter.Int64Counter(
		fmt.Sprintf("%s_errors_total", bo.name),
		metric.WithDescription("Total errors encountered"),
		metric.WithUnit("1"),
	)
	if err != nil {
		bo.logger.Debug("Failed to create error counter", zap.String("observer", bo.name), zap.Error(err))
		bo.errorCounter = nil
	}

	bo.cycleDuration, err = bo.meter.Float64Histogram(
		fmt.Sprintf("%s_cycle_duration_seconds", bo.name),
		metric.WithDescription("Detection cycle duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60),
	)
	if err != nil {
		bo.logger.Debug("Failed to create cycle duration histogram", zap.String("observer", bo.name), zap.Error(err))
		bo.cycleDuration = nil
	}

	// 0=unhealthy, 1=degraded, 2=healthy
	bo.healthStatus, err = bo.meter.Int64Gauge(
		fmt.Sprintf("%s_health_status", bo.name),
		metric.WithDescription("Health status (0=unhealthy, 1=degraded, 2=healthy)"),
		metric.WithUnit("1"),
	)
	if err != nil {
		bo.logger.Debug("Failed to create health status gauge", zap.String("observer", bo.name), zap.Error(err))
		bo.healthStatus = nil
	}
}

// RecordCycle records a completed cycle and its duration
func (bo *BaseObserver) RecordCycle(ctx context.Context, duration time.Duration) {
	bo.cyclesRun.Add(1)
	bo.lastCycleTime.Store(time.Now())

	if bo.cyclesCounter != nil {
		bo.cyclesCounter.Add(ctx, 1)
	}
	if bo.cycleDuration != nil {
		bo.cycleDuration.Record(ctx, duration.Seconds())
	}
}

// RecordFinding records a finding accepted by the sink
func (bo *BaseObserver) RecordFinding(ctx context.Context, f domain.Finding) {
	bo.findingsPublished.Add(1)

	if bo.findingsCounter != nil {
		bo.findingsCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(f.Kind)),
			attribute.String("severity", string(f.Severity)),
		))
	}
}

// RecordDrop records a finding the sink rejected or timed out on
func (bo *BaseObserver) RecordDrop(ctx context.Context, reason string) {
	bo.findingsDropped.Add(1)

	if bo.droppedCounter != nil {
		bo.droppedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// RecordError should be called when an error occurs
func (bo *BaseObserver) RecordError(ctx context.Context, err error) {
	bo.errorCount.Add(1)
	if err != nil {
		bo.lastError.Store(err)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() && err != nil {
		span.RecordError(err)
	}

	if bo.errorCounter != nil {
		attrs := []attribute.KeyValue{}
		if err != nil {
			attrs = append(attrs, attribute.String("error_type", fmt.Sprintf("%T", err)))
		}
		bo.errorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// StartSpan starts a new span
func (bo *BaseObserver) StartSpan(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return bo.tracer.Start(ctx, spanName, opts...)
}

// Meter returns the meter for component-specific instruments
func (bo *BaseObserver) Meter() metric.Meter {
	return bo.meter
}

// SetHealthy sets the observer health status
func (bo *BaseObserver) SetHealthy(healthy bool) {
	bo.isHealthy.Store(healthy)
}

// IsHealthy returns true if the observer is healthy
func (bo *BaseObserver) IsHealthy() bool {
	return bo.isHealthy.Load()
}

// Stats is a point-in-time copy of the observer counters
type Stats struct {
	CyclesRun         int64         `json:"cycles_run"`
	FindingsPublished int64         `json:"findings_published"`
	FindingsDropped   int64         `json:"findings_dropped"`
	ErrorCount        int64         `json:"error_count"`
	LastCycleTime     time.Time     `json:"last_cycle_time"`
	Uptime            time.Duration `json:"uptime"`
}

// Statistics returns observer statistics
func (bo *BaseObserver) Statistics() Stats {
	return Stats{
		CyclesRun:         bo.cyclesRun.Load(),
		FindingsPublished: bo.findingsPublished.Load(),
		FindingsDropped:   bo.findingsDropped.Load(),
		ErrorCount:        bo.errorCount.Load(),
		LastCycleTime:     bo.lastCycle(),
		Uptime:            time.Since(bo.startTime),
	}
}

func (bo *BaseObserver) lastCycle() time.Time {
	if t, ok := bo.lastCycleTime.Load().(time.Time); ok {
		return t
	}
	return time.Time{}
}

// Health returns the component health
func (bo *BaseObserver) Health() *domain.HealthStatus {
	status := bo.health()
	status.Component = bo.name
	status.Uptime = time.Since(bo.startTime)
	status.CyclesRun = bo.cyclesRun.Load()
	status.FindingsPublished = bo.findingsPublished.Load()
	status.FindingsDropped = bo.findingsDropped.Load()
	if status.ErrorCount == 0 {
		status.ErrorCount = bo.errorCount.Load()
	}

	if bo.healthStatus != nil {
		var v int64
		switch status.Status {
		case domain.HealthHealthy:
			v = 2
		case domain.HealthDegraded:
			v = 1
		}
		bo.healthStatus.Record(context.Background(), v)
	}
	return status
}

func (bo *BaseObserver) health() *domain.HealthStatus {
	if !bo.isHealthy.Load() {
		var lastErr error
		if e, ok := bo.lastError.Load().(error); ok {
			lastErr = e
		}
		return domain.NewUnhealthyStatus(fmt.Sprintf("%s is not running", bo.name), lastErr)
	}

	cycles := bo.cyclesRun.Load()
	if cycles > 0 && bo.healthCheckTimeout > 0 {
		if since := time.Since(bo.lastCycle()); since > bo.healthCheckTimeout {
			return domain.NewHealthStatus(domain.HealthDegraded,
				fmt.Sprintf("no cycle completed for %v", since.Round(time.Second)))
		}
	}

	if cycles > 0 {
		errorRate := float64(bo.errorCount.Load()) / float64(cycles)
		if errorRate > bo.errorRateThreshold {
			return domain.NewHealthStatus(domain.HealthDegraded,
				fmt.Sprintf("high error rate: %.1f%% (threshold: %.1f%%)",
					errorRate*100, bo.errorRateThreshold*100))
		}
	}

	return domain.NewHealthyStatus(fmt.Sprintf("%s operating normally", bo.name))
}

// Name returns the observer name
func (bo *BaseObserver) Name() string {
	return bo.name
}
