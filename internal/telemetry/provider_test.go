package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/secmon/internal/observers/config"
	"github.com/yairfalse/secmon/pkg/domain"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap/zaptest"
)

type staticHealth struct {
	status domain.HealthStatusValue
}

func (s staticHealth) Health() *domain.HealthStatus {
	return domain.NewHealthStatus(s.status, "static")
}

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := NewProvider(context.Background(), zaptest.NewLogger(t), config.TelemetryConfig{
		Enabled:     true,
		ServiceName: "secmon-test",
		MetricsAddr: "127.0.0.1:0",
	}, "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

func TestProvider_ExportsOtelMetrics(t *testing.T) {
	p := newTestProvider(t)

	counter, err := otel.Meter("test").Int64Counter("secmon_test_cycles_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "secmon_test_cycles_total")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestProvider_Healthz(t *testing.T) {
	p := newTestProvider(t)
	p.Health().Register("scheduler", staticHealth{status: domain.HealthHealthy})

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var got domain.HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, domain.HealthHealthy, got.Status)

	p.Health().Register("crossview", staticHealth{status: domain.HealthUnhealthy})
	rec = httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProvider_Serve(t *testing.T) {
	p := newTestProvider(t)
	addr, err := p.Serve()
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
