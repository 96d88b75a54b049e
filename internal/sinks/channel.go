package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/yairfalse/secmon/internal/observers/base"
	"github.com/yairfalse/secmon/pkg/domain"
	"go.uber.org/zap"
)

// ChannelSink hands alerts to an in-process reader. It never blocks: a full
// buffer drops the alert and reports it.
type ChannelSink struct {
	manager *base.AlertChannelManager
}

func NewChannelSink(size int, logger *zap.Logger) *ChannelSink {
	return &ChannelSink{manager: base.NewAlertChannelManager(size, "findings", logger)}
}

func (s *ChannelSink) Publish(ctx context.Context, f domain.Finding, cycleTime time.Time) error {
	if !s.manager.Send(domain.Alert{Finding: f, CycleTime: cycleTime}) {
		return fmt.Errorf("alert channel dropped finding %s", f.ID)
	}
	return nil
}

// Alerts returns the channel to read from. It is closed by Close.
func (s *ChannelSink) Alerts() <-chan domain.Alert {
	return s.manager.Channel()
}

// Dropped returns the number of alerts that did not fit
func (s *ChannelSink) Dropped() int64 {
	return s.manager.DroppedCount()
}

func (s *ChannelSink) Close() error {
	s.manager.Close()
	return nil
}
