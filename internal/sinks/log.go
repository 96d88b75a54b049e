package sinks

import (
	"context"
	"time"

	"github.com/yairfalse/secmon/pkg/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogSink writes findings as structured log entries. Each entry carries the
// SEC_MON_* tag so existing log collectors keep matching.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("findings")}
}

func (s *LogSink) Publish(ctx context.Context, f domain.Finding, cycleTime time.Time) error {
	fields := []zap.Field{
		zap.String("tag", f.Kind.Tag()),
		zap.String("finding_id", f.ID),
		zap.String("kind", string(f.Kind)),
		zap.String("severity", string(f.Severity)),
		zap.String("source", f.Source),
		zap.Bool("confirmed", f.Confirmed),
		zap.Time("cycle_time", cycleTime),
	}
	if f.Process != nil {
		fields = append(fields, zap.Int("pid", f.Process.PID), zap.String("process_name", f.Process.Name))
	}
	if len(f.Details) > 0 {
		fields = append(fields, zap.Any("details", f.Details))
	}

	if ce := s.logger.Check(levelFor(f.Severity), f.Message); ce != nil {
		ce.Write(fields...)
	}
	return nil
}

func (s *LogSink) Close() error {
	// stderr sync errors are not interesting
	_ = s.logger.Sync()
	return nil
}

func levelFor(sev domain.Severity) zapcore.Level {
	switch sev {
	case domain.SeverityCritical, domain.SeverityHigh:
		return zapcore.ErrorLevel
	case domain.SeverityMedium:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
