package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type staticChecker struct{ status *HealthStatus }

func (s staticChecker) Health() *HealthStatus { return s.status }

func TestHealthStatus_SetError(t *testing.T) {
	hs := NewHealthyStatus("ok")
	hs.SetError(nil)
	assert.True(t, hs.IsHealthy())

	hs.SetError(errors.New("boom"))
	assert.Equal(t, HealthUnhealthy, hs.Status)
	assert.Equal(t, "boom", hs.LastErrorText)
	assert.Equal(t, int64(1), hs.ErrorCount)

	un := NewUnhealthyStatus("down", errors.New("x"))
	assert.Equal(t, int64(1), un.ErrorCount)
}

func TestHealthAggregator(t *testing.T) {
	tests := []struct {
		name     string
		statuses map[string]HealthStatusValue
		expected HealthStatusValue
	}{
		{
			name:     "all_healthy",
			statuses: map[string]HealthStatusValue{"a": HealthHealthy, "b": HealthHealthy},
			expected: HealthHealthy,
		},
		{
			name:     "unknown_ignored",
			statuses: map[string]HealthStatusValue{"a": HealthHealthy, "b": HealthUnknown},
			expected: HealthHealthy,
		},
		{
			name:     "degraded_wins_over_healthy",
			statuses: map[string]HealthStatusValue{"a": HealthDegraded, "b": HealthHealthy},
			expected: HealthDegraded,
		},
		{
			name:     "unhealthy_wins",
			statuses: map[string]HealthStatusValue{"a": HealthDegraded, "b": HealthUnhealthy},
			expected: HealthUnhealthy,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := NewHealthAggregator()
			for name, v := range tt.statuses {
				agg.Register(name, staticChecker{status: NewHealthStatus(v, name)})
			}
			overall := agg.AggregateHealth()
			assert.Equal(t, tt.expected, overall.Status)
			assert.Equal(t, len(tt.statuses), overall.Details["total_components"])
		})
	}

	agg := NewHealthAggregator()
	agg.Register("x", staticChecker{status: NewHealthStatus(HealthUnhealthy, "x")})
	agg.Unregister("x")
	assert.Equal(t, HealthHealthy, agg.AggregateHealth().Status)
}
