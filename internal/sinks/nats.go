package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/yairfalse/secmon/internal/observers/config"
	"github.com/yairfalse/secmon/pkg/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// natsConn is the part of *nats.Conn the sink uses
type natsConn interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	Close()
}

// natsMessage is the JSON body published for each finding
type natsMessage struct {
	CycleTime time.Time      `json:"cycle_time"`
	Hostname  string         `json:"hostname,omitempty"`
	Finding   domain.Finding `json:"finding"`
}

// NATSSink publishes findings as JSON to <prefix>.<kind>
type NATSSink struct {
	logger   *zap.Logger
	conn     natsConn
	prefix   string
	flush    time.Duration
	hostname string
	breaker  *CircuitBreaker

	published metric.Int64Counter
	failures  metric.Int64Counter
}

// NewNATSSink connects to the configured server
func NewNATSSink(logger *zap.Logger, cfg config.NATSSinkConfig, hostname string) (*NATSSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("nats")

	nc, err := nats.Connect(cfg.URL,
		nats.Name("secmon"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Debug("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	return newNATSSink(log, nc, cfg, hostname), nil
}

func newNATSSink(logger *zap.Logger, conn natsConn, cfg config.NATSSinkConfig, hostname string) *NATSSink {
	s := &NATSSink{
		logger:   logger,
		conn:     conn,
		prefix:   strings.TrimSuffix(cfg.SubjectPrefix, "."),
		flush:    cfg.FlushTimeout,
		hostname: hostname,
		breaker:  NewCircuitBreaker(5, 30*time.Second),
	}

	meter := otel.Meter("secmon-nats-sink")
	var err error
	if s.published, err = meter.Int64Counter("nats_findings_published_total",
		metric.WithDescription("Findings published to NATS")); err != nil {
		logger.Debug("Failed to create published counter", zap.Error(err))
		s.published = nil
	}
	if s.failures, err = meter.Int64Counter("nats_publish_errors_total",
		metric.WithDescription("NATS publish errors")); err != nil {
		logger.Debug("Failed to create error counter", zap.Error(err))
		s.failures = nil
	}
	return s
}

// Subject returns the subject a finding of kind is published to
func (s *NATSSink) Subject(kind domain.FindingKind) string {
	return s.prefix + "." + string(kind)
}

func (s *NATSSink) Publish(ctx context.Context, f domain.Finding, cycleTime time.Time) error {
	data, err := json.Marshal(natsMessage{CycleTime: cycleTime, Hostname: s.hostname, Finding: f})
	if err != nil {
		return fmt.Errorf("failed to encode finding: %w", err)
	}

	flush := s.flush
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < flush || flush == 0 {
			flush = remaining
		}
	}
	if flush <= 0 {
		return context.DeadlineExceeded
	}

	subject := s.Subject(f.Kind)
	err = s.breaker.Call(func() error {
		if err := s.conn.Publish(subject, data); err != nil {
			return err
		}
		return s.conn.FlushTimeout(flush)
	})

	attrs := metric.WithAttributes(attribute.String("kind", string(f.Kind)))
	if err != nil {
		if s.failures != nil {
			s.failures.Add(ctx, 1, attrs)
		}
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	if s.published != nil {
		s.published.Add(ctx, 1, attrs)
	}
	return nil
}

func (s *NATSSink) Close() error {
	s.conn.Close()
	return nil
}
