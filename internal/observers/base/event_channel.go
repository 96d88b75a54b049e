package base

import (
	"sync"
	"sync/atomic"

	"github.com/yairfalse/secmon/pkg/domain"
	"go.uber.org/zap"
)

// AlertChannelManager hands alerts to an in-process consumer without ever
// blocking the producer. Alerts that do not fit are counted and dropped.
type AlertChannelManager struct {
	mu           sync.RWMutex
	channel      chan domain.Alert
	closed       atomic.Bool
	droppedCount atomic.Int64
	sentCount    atomic.Int64
	logger       *zap.Logger
	name         string
}

// NewAlertChannelManager creates a manager with a buffer of size alerts
func NewAlertChannelManager(size int, name string, logger *zap.Logger) *AlertChannelManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertChannelManager{
		channel: make(chan domain.Alert, size),
		logger:  logger,
		name:    name,
	}
}

// Send attempts a non-blocking send. It returns false when the alert was
// invalid, the buffer was full, or the manager was closed.
func (m *AlertChannelManager) Send(alert domain.Alert) bool {
	if m.closed.Load() {
		m.droppedCount.Add(1)
		return false
	}

	if err := alert.Finding.Validate(); err != nil {
		m.droppedCount.Add(1)
		m.logger.Error("Invalid finding, dropping alert",
			zap.String("channel", m.name),
			zap.Error(err))
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed.Load() || m.channel == nil {
		m.droppedCount.Add(1)
		return false
	}

	select {
	case m.channel <- alert:
		m.sentCount.Add(1)
		return true
	default:
		m.droppedCount.Add(1)
		m.logger.Debug("Alert channel full, dropping alert",
			zap.String("channel", m.name),
			zap.String("finding_id", alert.Finding.ID),
			zap.String("kind", string(alert.Finding.Kind)))
		return false
	}
}

// Channel returns the alert channel for reading
func (m *AlertChannelManager) Channel() <-chan domain.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channel
}

// Close closes the channel once. Later sends are dropped.
func (m *AlertChannelManager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.channel != nil {
		close(m.channel)
		m.channel = nil
	}
}

// DroppedCount returns the number of dropped alerts
func (m *AlertChannelManager) DroppedCount() int64 {
	return m.droppedCount.Load()
}

// SentCount returns the number of delivered alerts
func (m *AlertChannelManager) SentCount() int64 {
	return m.sentCount.Load()
}

// Utilization returns the percentage of buffer capacity in use
func (m *AlertChannelManager) Utilization() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.channel == nil || cap(m.channel) == 0 {
		return 0
	}
	return float64(len(m.channel)) / float64(cap(m.channel)) * 100
}
