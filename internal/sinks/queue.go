package sinks

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/yairfalse/secmon/internal/observers/base"
	"github.com/yairfalse/secmon/pkg/domain"
	"go.uber.org/zap"
)

// queueDegradedUtilization is the buffer fill, in percent, above which the
// queue reports degraded.
const queueDegradedUtilization = 80

// QueueSink takes findings off the detection cycle. Publish only enqueues;
// one worker delivers to next in arrival order, each delivery bounded by
// timeout. A full queue drops the finding and Publish reports it.
type QueueSink struct {
	logger    *zap.Logger
	queue     *ChannelSink
	next      Sink
	timeout   time.Duration
	lifecycle *base.LifecycleManager

	delivered atomic.Int64
	failed    atomic.Int64
}

func NewQueueSink(logger *zap.Logger, next Sink, size int, timeout time.Duration) *QueueSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &QueueSink{
		logger:    logger.Named("queue"),
		queue:     NewChannelSink(size, logger),
		next:      next,
		timeout:   timeout,
		lifecycle: base.NewLifecycleManager(context.Background(), logger),
	}
	alerts := q.queue.Alerts()
	q.lifecycle.Start("alert-queue", func() {
		q.drain(alerts)
	})
	return q
}

func (q *QueueSink) Publish(ctx context.Context, f domain.Finding, cycleTime time.Time) error {
	return q.queue.Publish(ctx, f, cycleTime)
}

func (q *QueueSink) drain(alerts <-chan domain.Alert) {
	for alert := range alerts {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		err := q.next.Publish(ctx, alert.Finding, alert.CycleTime)
		cancel()
		if err != nil {
			q.failed.Add(1)
			q.logger.Warn("Queued finding not delivered",
				zap.String("finding_id", alert.Finding.ID),
				zap.String("kind", string(alert.Finding.Kind)),
				zap.Error(err))
			continue
		}
		q.delivered.Add(1)
	}
}

// Close stops accepting findings, waits for the queued ones and closes next.
func (q *QueueSink) Close() error {
	_ = q.queue.Close()
	wait := 2 * q.timeout
	if wait < 5*time.Second {
		wait = 5 * time.Second
	}
	var errs []error
	if err := q.lifecycle.Stop(wait); err != nil {
		errs = append(errs, fmt.Errorf("alert queue did not drain: %w", err))
	}
	if err := q.next.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Health reports degraded when the buffer is nearly full or findings were
// dropped or undelivered.
func (q *QueueSink) Health() *domain.HealthStatus {
	utilization := q.queue.manager.Utilization()
	dropped := q.queue.Dropped()
	failed := q.failed.Load()

	var h *domain.HealthStatus
	switch {
	case q.lifecycle.IsShuttingDown():
		h = domain.NewHealthStatus(domain.HealthUnhealthy, "alert queue closed")
	case utilization >= queueDegradedUtilization:
		h = domain.NewHealthStatus(domain.HealthDegraded, fmt.Sprintf("alert queue %.0f%% full", utilization))
	case dropped > 0 || failed > 0:
		h = domain.NewHealthStatus(domain.HealthDegraded,
			fmt.Sprintf("%d findings dropped, %d undelivered", dropped, failed))
	default:
		h = domain.NewHealthyStatus("alert queue delivering")
	}
	h.Component = "alert_queue"
	h.FindingsPublished = q.delivered.Load()
	h.FindingsDropped = dropped + failed
	h.SetDetail("utilization_percent", utilization)
	h.SetDetail("queued_total", q.queue.manager.SentCount())
	return h
}
