package base

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/secmon/pkg/domain"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"
)

func TestBaseObserver_MetricsToggle(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	previous := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(previous)
		_ = provider.Shutdown(context.Background())
	})

	ctx := context.Background()
	quiet := NewBaseObserverWithConfig(BaseObserverConfig{Name: "quiet", DisableMetrics: true})
	quiet.RecordCycle(ctx, time.Millisecond)
	loud := NewBaseObserverWithConfig(BaseObserverConfig{Name: "loud"})
	loud.RecordCycle(ctx, time.Millisecond)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	var names []string
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names = append(names, m.Name)
		}
	}
	assert.Contains(t, names, "loud_cycles_total")
	assert.NotContains(t, names, "quiet_cycles_total")
	assert.Equal(t, int64(1), quiet.Statistics().CyclesRun, "counters still run without metrics")
}

func TestBaseObserver_Lifecycle(t *testing.T) {
	bo := NewBaseObserverWithConfig(BaseObserverConfig{
		Name:               "test",
		HealthCheckTimeout: time.Minute,
		Logger:             zaptest.NewLogger(t),
	})

	health := bo.Health()
	assert.Equal(t, domain.HealthUnhealthy, health.Status, "observers start unhealthy")
	assert.Equal(t, "test", health.Component)

	bo.SetHealthy(true)
	assert.Equal(t, domain.HealthHealthy, bo.Health().Status)
	assert.Equal(t, "test", bo.Name())
}

func TestBaseObserver_Counters(t *testing.T) {
	ctx := context.Background()
	bo := NewBaseObserver("counters", time.Minute)
	bo.SetHealthy(true)

	bo.RecordCycle(ctx, 10*time.Millisecond)
	bo.RecordCycle(ctx, 20*time.Millisecond)
	bo.RecordFinding(ctx, domain.NewFinding(domain.FindingHiddenProcess, domain.SeverityHigh, domain.SourceProcesses, "x"))
	bo.RecordDrop(ctx, "timeout")

	stats := bo.Statistics()
	assert.Equal(t, int64(2), stats.CyclesRun)
	assert.Equal(t, int64(1), stats.FindingsPublished)
	assert.Equal(t, int64(1), stats.FindingsDropped)
	assert.False(t, stats.LastCycleTime.IsZero())

	health := bo.Health()
	assert.Equal(t, int64(2), health.CyclesRun)
	assert.Equal(t, int64(1), health.FindingsDropped)
}

func TestBaseObserver_Health(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(bo *BaseObserver)
		expected domain.HealthStatusValue
	}{
		{
			name:     "not_started",
			setup:    func(bo *BaseObserver) {},
			expected: domain.HealthUnhealthy,
		},
		{
			name: "running_no_cycles",
			setup: func(bo *BaseObserver) {
				bo.SetHealthy(true)
			},
			expected: domain.HealthHealthy,
		},
		{
			name: "high_error_rate",
			setup: func(bo *BaseObserver) {
				bo.SetHealthy(true)
				bo.RecordCycle(context.Background(), time.Millisecond)
				bo.RecordError(context.Background(), errors.New("a"))
				bo.RecordError(context.Background(), errors.New("b"))
			},
			expected: domain.HealthDegraded,
		},
		{
			name: "stale_cycles",
			setup: func(bo *BaseObserver) {
				bo.SetHealthy(true)
				bo.RecordCycle(context.Background(), time.Millisecond)
				bo.lastCycleTime.Store(time.Now().Add(-time.Hour))
			},
			expected: domain.HealthDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bo := NewBaseObserver("health", time.Minute)
			tt.setup(bo)
			assert.Equal(t, tt.expected, bo.Health().Status)
		})
	}
}

func TestBaseObserver_UnhealthyCarriesLastError(t *testing.T) {
	bo := NewBaseObserver("err", time.Minute)
	bo.RecordError(context.Background(), errors.New("kcore unreadable"))

	health := bo.Health()
	assert.Equal(t, domain.HealthUnhealthy, health.Status)
	assert.Equal(t, "kcore unreadable", health.LastErrorText)
}
