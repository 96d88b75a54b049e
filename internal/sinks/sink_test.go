package sinks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/secmon/pkg/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// recordingSink remembers what it was given
type recordingSink struct {
	mu       sync.Mutex
	findings []domain.Finding
	err      error
	block    bool
	closed   bool
}

func (r *recordingSink) Publish(ctx context.Context, f domain.Finding, _ time.Time) error {
	if r.block {
		<-ctx.Done()
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.findings = append(r.findings, f)
	return nil
}

func (r *recordingSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingSink) got() []domain.Finding {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Finding(nil), r.findings...)
}

func hiddenFinding(sev domain.Severity) domain.Finding {
	f := domain.NewFinding(domain.FindingHiddenProcess, sev, domain.SourceProcesses, "process 4242 hidden")
	f.Process = &domain.ProcessRecord{PID: 4242, PPID: 1, Name: "evil"}
	f.Details["pid"] = "4242"
	f.Details["ppid"] = "1"
	return f
}

func TestSeverityFilter(t *testing.T) {
	tests := []struct {
		name    string
		min     domain.Severity
		sev     domain.Severity
		forward bool
	}{
		{"below minimum", domain.SeverityHigh, domain.SeverityMedium, false},
		{"at minimum", domain.SeverityHigh, domain.SeverityHigh, true},
		{"above minimum", domain.SeverityMedium, domain.SeverityCritical, true},
		{"info passes info", domain.SeverityInfo, domain.SeverityInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingSink{}
			f := NewSeverityFilter(tt.min, rec)
			require.NoError(t, f.Publish(context.Background(), hiddenFinding(tt.sev), time.Now()))
			assert.Equal(t, tt.forward, len(rec.got()) == 1)
		})
	}
}

func TestMultiSink_FansOutAndJoinsErrors(t *testing.T) {
	ok := &recordingSink{}
	failing := &recordingSink{err: errors.New("backend down")}
	slow := &recordingSink{block: true}

	m := NewMultiSink(zaptest.NewLogger(t), 20*time.Millisecond,
		NamedSink{Name: "slow", Sink: slow},
		NamedSink{Name: "failing", Sink: failing},
		NamedSink{Name: "ok", Sink: ok},
	)

	start := time.Now()
	err := m.Publish(context.Background(), hiddenFinding(domain.SeverityHigh), time.Now())
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Contains(t, err.Error(), "slow")
	assert.Contains(t, err.Error(), "failing")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, ok.got(), 1)

	require.NoError(t, m.Close())
	assert.True(t, ok.closed)
	assert.True(t, slow.closed)
}

func TestMultiSink_SlowSinkDoesNotShortenOthers(t *testing.T) {
	slow := &recordingSink{block: true}
	late := &delayedSink{delay: 60 * time.Millisecond}

	m := NewMultiSink(zaptest.NewLogger(t), 100*time.Millisecond,
		NamedSink{Name: "slow", Sink: slow},
		NamedSink{Name: "late", Sink: late},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := m.Publish(ctx, hiddenFinding(domain.SeverityHigh), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slow")
	assert.NotContains(t, err.Error(), "late")
	assert.Equal(t, int32(1), late.delivered.Load())
}

// delayedSink takes delay to accept a finding unless ctx ends first
type delayedSink struct {
	delay     time.Duration
	delivered atomic.Int32
}

func (d *delayedSink) Publish(ctx context.Context, _ domain.Finding, _ time.Time) error {
	select {
	case <-time.After(d.delay):
		d.delivered.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *delayedSink) Close() error { return nil }

func TestLogSink_TagsAndLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s := NewLogSink(zap.New(core))

	require.NoError(t, s.Publish(context.Background(), hiddenFinding(domain.SeverityHigh), time.Now()))
	tamper := domain.NewFinding(domain.FindingTableTampered, domain.SeverityMedium, domain.SourceDispatchTable, "table differs")
	require.NoError(t, s.Publish(context.Background(), tamper, time.Now()))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "SEC_MON_HIDDEN_PROC", entries[0].ContextMap()["tag"])
	assert.Equal(t, int64(4242), entries[0].ContextMap()["pid"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "SEC_MON_SYSCALL_HOOK", entries[1].ContextMap()["tag"])
}

func TestChannelSink(t *testing.T) {
	s := NewChannelSink(1, zaptest.NewLogger(t))
	cycle := time.Now()

	require.NoError(t, s.Publish(context.Background(), hiddenFinding(domain.SeverityHigh), cycle))
	assert.Error(t, s.Publish(context.Background(), hiddenFinding(domain.SeverityHigh), cycle))
	assert.Equal(t, int64(1), s.Dropped())

	alert := <-s.Alerts()
	assert.Equal(t, 4242, alert.Finding.PID())
	assert.True(t, alert.CycleTime.Equal(cycle))
	require.NoError(t, s.Close())
}
