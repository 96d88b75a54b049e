package sinks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yairfalse/secmon/pkg/domain"
	"go.uber.org/zap"
)

// NamedSink pairs a sink with a name for error reporting
type NamedSink struct {
	Name string
	Sink Sink
}

// MultiSink fans a finding out to every sink at once. Each sink gets its own
// timeout derived from the caller's ctx, and the sinks run concurrently, so a
// slow backend delays the call but does not eat into the other sinks' time.
type MultiSink struct {
	logger  *zap.Logger
	sinks   []NamedSink
	timeout time.Duration
}

func NewMultiSink(logger *zap.Logger, timeout time.Duration, sinks ...NamedSink) *MultiSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MultiSink{logger: logger.Named("sinks"), sinks: sinks, timeout: timeout}
}

// Publish returns once every sink has answered. Errors are joined in sink
// order.
func (m *MultiSink) Publish(ctx context.Context, f domain.Finding, cycleTime time.Time) error {
	errs := make([]error, len(m.sinks))
	var wg sync.WaitGroup
	for i, s := range m.sinks {
		wg.Add(1)
		go func(i int, s NamedSink) {
			defer wg.Done()
			sctx, cancel := ctx, context.CancelFunc(func() {})
			if m.timeout > 0 {
				sctx, cancel = context.WithTimeout(ctx, m.timeout)
			}
			defer cancel()
			if err := s.Sink.Publish(sctx, f, cycleTime); err != nil {
				m.logger.Warn("Sink publish failed",
					zap.String("sink", s.Name),
					zap.String("finding_id", f.ID),
					zap.Error(err))
				errs[i] = fmt.Errorf("%s: %w", s.Name, err)
			}
		}(i, s)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}
