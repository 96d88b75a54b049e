package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/secmon/internal/observers/config"
	"github.com/yairfalse/secmon/internal/sinks"
	"github.com/yairfalse/secmon/pkg/domain"
	"go.uber.org/zap/zaptest"
)

func TestRootCommand_Subcommands(t *testing.T) {
	for _, name := range []string{"run", "scan", "baseline", "history", "version"} {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}

	scan, _, err := rootCmd.Find([]string{"scan"})
	require.NoError(t, err)
	assert.NotNil(t, scan.Flag("baseline"))
	assert.NotNil(t, scan.Flag("fail-on"))
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, out.String(), "secmon dev")
	assert.Contains(t, out.String(), "Git Commit: unknown")
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		l, err := newLogger(level)
		require.NoError(t, err, level)
		assert.NotNil(t, l)
	}
	_, err := newLogger("loud")
	assert.Error(t, err)
}

func TestBuildSinks(t *testing.T) {
	t.Run("log only", func(t *testing.T) {
		cfg := config.Default()
		s, err := buildSinks(cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		filter, ok := s.(*sinks.SeverityFilter)
		require.True(t, ok)
		assert.Equal(t, domain.SeverityInfo, filter.Min)
		require.NoError(t, s.Close())
	})

	t.Run("sqlite and min severity", func(t *testing.T) {
		cfg := config.Default()
		cfg.Sinks.MinSeverity = "high"
		cfg.Sinks.SQLite.Enabled = true
		cfg.Sinks.SQLite.Path = filepath.Join(t.TempDir(), "findings.db")

		s, err := buildSinks(cfg, zaptest.NewLogger(t))
		require.NoError(t, err)

		ctx := context.Background()
		low := domain.NewFinding(domain.FindingHiddenProcess, domain.SeverityMedium, domain.SourceProcesses, "advisory")
		high := domain.NewFinding(domain.FindingTableTampered, domain.SeverityHigh, domain.SourceDispatchTable, "hooked")
		require.NoError(t, s.Publish(ctx, low, time.Now()))
		require.NoError(t, s.Publish(ctx, high, time.Now()))
		require.NoError(t, s.Close())

		store, err := sinks.NewSQLiteSink(zaptest.NewLogger(t), cfg.Sinks.SQLite.Path)
		require.NoError(t, err)
		defer store.Close()
		got, err := store.Recent(ctx, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, high.ID, got[0].ID)
	})

	t.Run("queued delivery", func(t *testing.T) {
		cfg := config.Default()
		cfg.Sinks.Queue.Enabled = true
		cfg.Sinks.SQLite.Enabled = true
		cfg.Sinks.SQLite.Path = filepath.Join(t.TempDir(), "findings.db")
		cfg.Scheduler.BufferSize = 4

		s, err := buildSinks(cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		q, ok := s.(*sinks.QueueSink)
		require.True(t, ok)
		assert.Equal(t, domain.HealthHealthy, q.Health().Status)

		ctx := context.Background()
		high := domain.NewFinding(domain.FindingTableTampered, domain.SeverityHigh, domain.SourceDispatchTable, "hooked")
		require.NoError(t, s.Publish(ctx, high, time.Now()))
		require.NoError(t, s.Close(), "close drains the queue")

		store, err := sinks.NewSQLiteSink(zaptest.NewLogger(t), cfg.Sinks.SQLite.Path)
		require.NoError(t, err)
		defer store.Close()
		got, err := store.Recent(ctx, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, high.ID, got[0].ID)
	})

	t.Run("nothing enabled", func(t *testing.T) {
		cfg := config.Default()
		cfg.Sinks.Log.Enabled = false
		_, err := buildSinks(cfg, zaptest.NewLogger(t))
		assert.Error(t, err)
	})
}

func TestBuildMonitor_IntegrityOnly(t *testing.T) {
	cfg := config.Default()
	cfg.CrossView.Enabled = false

	m, err := buildMonitor(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer m.sink.Close()
	assert.Nil(t, m.crossview)
	assert.NotNil(t, m.verifier)
	assert.NotNil(t, m.scheduler)
}

func TestWriteReport(t *testing.T) {
	f := domain.NewFinding(domain.FindingHiddenProcess, domain.SeverityHigh, domain.SourceProcesses, "process 4242 hidden").
		WithDetail("pid", "4242")
	report := &domain.CycleReport{
		ID:              "cycle-1",
		Findings:        []domain.Finding{f},
		SourceFailures:  []domain.SourceFailure{{Source: domain.SourceDispatchTable, Error: "kcore unreadable", Consecutive: 1}},
		AmbiguousProbes: 2,
	}

	var out bytes.Buffer
	require.NoError(t, writeReport(&out, report, "human"))
	text := out.String()
	assert.Contains(t, text, "1 findings")
	assert.Contains(t, text, "[high] SEC_MON_HIDDEN_PROC process 4242 hidden")
	assert.Contains(t, text, "pid: 4242")
	assert.Contains(t, text, "source dispatch_table unavailable")
	assert.Contains(t, text, "2 processes could not be probed")

	out.Reset()
	require.NoError(t, writeReport(&out, report, "json"))
	assert.Contains(t, out.String(), `"id": "cycle-1"`)

	assert.Error(t, writeReport(&out, report, "xml"))
}

func TestWriteHistory(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeHistory(&out, nil, "human"))
	assert.Contains(t, out.String(), "No findings recorded")

	out.Reset()
	f := domain.NewFinding(domain.FindingHiddenProcess, domain.SeverityHigh, domain.SourceProcesses, "hidden")
	f.Process = &domain.ProcessRecord{PID: 4242, Name: "evil"}
	require.NoError(t, writeHistory(&out, []sinks.StoredFinding{{Finding: f, CycleTime: time.Now()}}, "human"))
	assert.Contains(t, out.String(), "pid=4242")
	assert.Contains(t, out.String(), "SEC_MON_HIDDEN_PROC")
}
