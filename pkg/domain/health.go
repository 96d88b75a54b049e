package domain

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// HealthStatus reports the state of one monitor component
type HealthStatus struct {
	Status    HealthStatusValue `json:"status"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Component string            `json:"component,omitempty"`

	Uptime        time.Duration `json:"uptime,omitempty"`
	LastError     error         `json:"-"`
	LastErrorText string        `json:"last_error,omitempty"`

	CyclesRun         int64 `json:"cycles_run,omitempty"`
	FindingsPublished int64 `json:"findings_published,omitempty"`
	FindingsDropped   int64 `json:"findings_dropped,omitempty"`
	ErrorCount        int64 `json:"error_count,omitempty"`

	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthStatusValue represents the health state
type HealthStatusValue string

const (
	HealthHealthy   HealthStatusValue = "healthy"
	HealthDegraded  HealthStatusValue = "degraded"
	HealthUnhealthy HealthStatusValue = "unhealthy"
	HealthUnknown   HealthStatusValue = "unknown"
)

func (h HealthStatusValue) String() string {
	return string(h)
}

// IsHealthy returns true if the status represents a healthy state
func (h HealthStatusValue) IsHealthy() bool {
	return h == HealthHealthy
}

// NewHealthStatus creates a new health status with the given values
func NewHealthStatus(status HealthStatusValue, message string) *HealthStatus {
	return &HealthStatus{
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}

// NewHealthyStatus creates a healthy status
func NewHealthyStatus(message string) *HealthStatus {
	return NewHealthStatus(HealthHealthy, message)
}

// NewUnhealthyStatus creates an unhealthy status carrying err
func NewUnhealthyStatus(message string, err error) *HealthStatus {
	hs := NewHealthStatus(HealthUnhealthy, message)
	hs.SetError(err)
	return hs
}

// SetError records err and marks the component unhealthy
func (h *HealthStatus) SetError(err error) {
	if err == nil {
		return
	}
	h.LastError = err
	h.LastErrorText = err.Error()
	h.ErrorCount++
	h.Status = HealthUnhealthy
}

// SetDetail adds a detail to the health status
func (h *HealthStatus) SetDetail(key string, value interface{}) {
	if h.Details == nil {
		h.Details = make(map[string]interface{})
	}
	h.Details[key] = value
}

// IsHealthy returns true if the status is healthy
func (h *HealthStatus) IsHealthy() bool {
	return h.Status.IsHealthy()
}

// HealthChecker is implemented by components that can report health
type HealthChecker interface {
	Health() *HealthStatus
}

// HealthAggregator rolls component health up into one status
type HealthAggregator struct {
	mu         sync.RWMutex
	components map[string]HealthChecker
}

func NewHealthAggregator() *HealthAggregator {
	return &HealthAggregator{
		components: make(map[string]HealthChecker),
	}
}

// Register adds a component to the aggregator
func (h *HealthAggregator) Register(name string, checker HealthChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[name] = checker
}

// Unregister removes a component from the aggregator
func (h *HealthAggregator) Unregister(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.components, name)
}

// AggregateHealth returns the worst component status. Unknown components
// do not pull the overall status down.
func (h *HealthAggregator) AggregateHealth() *HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overall := NewHealthyStatus("all components healthy")
	statuses := make(map[string]*HealthStatus, len(h.components))
	var unhealthy, degraded []string

	for name, checker := range h.components {
		status := checker.Health()
		statuses[name] = status
		switch status.Status {
		case HealthUnhealthy:
			unhealthy = append(unhealthy, name)
		case HealthDegraded:
			degraded = append(degraded, name)
		}
	}
	sort.Strings(unhealthy)
	sort.Strings(degraded)

	switch {
	case len(unhealthy) > 0:
		overall.Status = HealthUnhealthy
		overall.Message = fmt.Sprintf("%d components unhealthy: %v", len(unhealthy), unhealthy)
	case len(degraded) > 0:
		overall.Status = HealthDegraded
		overall.Message = fmt.Sprintf("%d components degraded: %v", len(degraded), degraded)
	}

	overall.SetDetail("components", statuses)
	overall.SetDetail("total_components", len(h.components))
	return overall
}
