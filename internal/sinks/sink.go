// Package sinks delivers findings to logs, in-process consumers, NATS,
// a SQLite history and an HTTP ingest endpoint.
package sinks

import (
	"context"
	"time"

	"github.com/yairfalse/secmon/pkg/domain"
)

// Sink receives findings tagged with the timestamp of the cycle that
// produced them. Publish must honor ctx and return promptly when it is done.
type Sink interface {
	Publish(ctx context.Context, f domain.Finding, cycleTime time.Time) error
	Close() error
}

// SeverityFilter forwards only findings at or above Min
type SeverityFilter struct {
	Min  domain.Severity
	Next Sink
}

func NewSeverityFilter(min domain.Severity, next Sink) *SeverityFilter {
	return &SeverityFilter{Min: min, Next: next}
}

func (s *SeverityFilter) Publish(ctx context.Context, f domain.Finding, cycleTime time.Time) error {
	if !f.Severity.AtLeast(s.Min) {
		return nil
	}
	return s.Next.Publish(ctx, f, cycleTime)
}

func (s *SeverityFilter) Close() error {
	return s.Next.Close()
}
