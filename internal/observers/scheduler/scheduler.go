// Package scheduler runs the detectors on a fixed cadence and publishes what
// they find.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/yairfalse/secmon/internal/observers/base"
	"github.com/yairfalse/secmon/internal/observers/config"
	"github.com/yairfalse/secmon/internal/observers/crossview"
	"github.com/yairfalse/secmon/internal/sinks"
	"github.com/yairfalse/secmon/pkg/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	// ErrCycleInProgress is returned when a cycle is requested while one runs
	ErrCycleInProgress = errors.New("detection cycle already in progress")
	// ErrNoDetectors is returned when neither detector is configured
	ErrNoDetectors = errors.New("no detectors configured")
)

// ProcessDetector finds hidden processes
type ProcessDetector interface {
	Run(ctx context.Context) (*crossview.Result, error)
}

// TableVerifier checks the dispatch table against its baseline
type TableVerifier interface {
	CaptureBaseline(ctx context.Context) error
	Rebaseline(ctx context.Context) error
	Verify(ctx context.Context) ([]domain.Finding, error)
}

// Scheduler drives detection cycles. Only one cycle runs at a time.
type Scheduler struct {
	*base.BaseObserver
	*base.LifecycleManager

	logger    *zap.Logger
	config    *config.SchedulerConfig
	processes ProcessDetector
	table     TableVerifier
	sink      sinks.Sink

	running atomic.Bool
	started atomic.Bool
	trigger chan struct{}
	now     func() time.Time

	mu          sync.Mutex
	consecutive map[string]int
	lastReport  *domain.CycleReport
}

// New creates a scheduler. Either detector may be nil when disabled, but not both.
func New(logger *zap.Logger, cfg *config.SchedulerConfig, processes ProcessDetector, table TableVerifier, sink sinks.Sink) (*Scheduler, error) {
	if processes == nil && table == nil {
		return nil, ErrNoDetectors
	}
	if sink == nil {
		return nil, errors.New("alert sink is required")
	}
	if cfg == nil {
		cfg = config.NewSchedulerConfig("scheduler")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		BaseObserver: base.NewBaseObserverWithConfig(base.BaseObserverConfig{
			Name:               cfg.Name,
			HealthCheckTimeout: cfg.HealthCheckTimeout,
			Logger:             logger,
			DisableMetrics:     !cfg.MetricsEnabled,
		}),
		LifecycleManager: base.NewLifecycleManager(context.Background(), logger),
		logger:           logger.Named("scheduler"),
		config:           cfg,
		processes:        processes,
		table:            table,
		sink:             sink,
		trigger:          make(chan struct{}, 1),
		now:              time.Now,
		consecutive:      make(map[string]int),
	}, nil
}

// Start arms the integrity baseline and begins the periodic loop. A failed
// baseline capture is logged; the verifier then reports the table as
// unavailable every cycle.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.table != nil {
		if err := s.table.CaptureBaseline(ctx); err != nil {
			s.logger.Error("Integrity baseline unavailable", zap.Error(err))
			s.RecordError(ctx, err)
		}
	}

	s.SetHealthy(true)
	s.started.Store(true)
	s.LifecycleManager.Start("detection-loop", func() {
		s.loop(ctx)
	})

	s.logger.Info("Scheduler started",
		zap.Duration("interval", s.config.Interval),
		zap.Bool("run_on_start", s.config.RunOnStart),
		zap.Bool("crossview", s.processes != nil),
		zap.Bool("integrity", s.table != nil))
	return nil
}

// Stop ends the loop and waits for an in-flight cycle to finish
func (s *Scheduler) Stop() error {
	s.SetHealthy(false)
	timeout := s.config.ProcessingTimeout * 2
	if s.config.CycleTimeout > 0 {
		timeout += s.config.CycleTimeout
	}
	if timeout < 5*time.Second {
		timeout = 5 * time.Second
	}
	return s.LifecycleManager.Stop(timeout)
}

// Health reports the base health, and unhealthy when the detection loop has
// exited without Stop being called.
func (s *Scheduler) Health() *domain.HealthStatus {
	h := s.BaseObserver.Health()
	if s.started.Load() && !s.IsShuttingDown() && s.RunningGoroutines() == 0 {
		h.Status = domain.HealthUnhealthy
		h.Message = "detection loop is not running"
	}
	return h
}

// Trigger requests a cycle outside the regular cadence. Requests made while
// one is already pending are merged.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Rebaseline replaces the integrity baseline on operator request
func (s *Scheduler) Rebaseline(ctx context.Context) error {
	if s.table == nil {
		return errors.New("integrity verification is disabled")
	}
	if err := s.table.Rebaseline(ctx); err != nil {
		s.RecordError(ctx, err)
		return err
	}
	return nil
}

// LastReport returns the report of the last completed cycle
func (s *Scheduler) LastReport() *domain.CycleReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReport
}

func (s *Scheduler) loop(parent context.Context) {
	lctx := s.LifecycleManager.Context()
	ctx, cancel := context.WithCancel(lctx)
	defer cancel()
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if s.config.RunOnStart {
		s.runScheduled(ctx, "start")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runScheduled(ctx, "interval")
		case <-s.trigger:
			s.runScheduled(ctx, "trigger")
		}
	}
}

func (s *Scheduler) runScheduled(ctx context.Context, reason string) {
	report, err := s.RunCycle(ctx)
	switch {
	case errors.Is(err, ErrCycleInProgress):
		s.logger.Debug("Skipping cycle, previous one still running", zap.String("reason", reason))
	case err != nil:
		s.logger.Debug("Cycle abandoned", zap.String("reason", reason), zap.Error(err))
	default:
		s.logger.Info("Detection cycle completed",
			zap.String("reason", reason),
			zap.String("cycle_id", report.ID),
			zap.Int("findings", len(report.Findings)),
			zap.Int("published", report.Published),
			zap.Int("publish_errors", report.PublishErrors),
			zap.Int("source_failures", len(report.SourceFailures)),
			zap.Duration("duration", report.Duration))
	}
}

// RunCycle runs cross-view detection then integrity verification and
// publishes the findings in that order, followed by any escalations.
// Detectors share the CycleTimeout budget; a detector that runs out of it
// counts as a source failure and the cycle still publishes. Only a cancelled
// ctx abandons the cycle before anything is published.
func (s *Scheduler) RunCycle(ctx context.Context) (*domain.CycleReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrCycleInProgress
	}
	defer s.running.Store(false)

	start := s.now()
	report := &domain.CycleReport{ID: uuid.NewString(), Timestamp: start}

	ctx, span := s.StartSpan(ctx, "scheduler.cycle",
		trace.WithAttributes(attribute.String("cycle.id", report.ID)))
	defer span.End()

	detectCtx := ctx
	if s.config.CycleTimeout > 0 {
		var cancel context.CancelFunc
		detectCtx, cancel = context.WithTimeout(ctx, s.config.CycleTimeout)
		defer cancel()
	}

	failures := make(map[string]error)

	if s.processes != nil {
		res, err := s.runCrossView(detectCtx)
		if ctx.Err() != nil {
			return nil, s.abandon(ctx, "crossview")
		}
		if err != nil {
			err = s.sourceFailure(ctx, detectCtx, "crossview", err)
			failures[domain.SourceProcesses] = err
			report.Findings = append(report.Findings, processSourceAdvisory(err))
		} else if res != nil {
			report.Findings = append(report.Findings, res.Findings...)
			report.AmbiguousProbes = res.Ambiguous
		}
	}

	if s.table != nil {
		findings, err := s.runIntegrity(detectCtx)
		if ctx.Err() != nil {
			return nil, s.abandon(ctx, "integrity")
		}
		if err != nil && !errors.Is(err, domain.ErrIntegrityMismatch) {
			err = s.sourceFailure(ctx, detectCtx, "integrity", err)
			failures[domain.SourceDispatchTable] = err
			if len(findings) == 0 {
				findings = []domain.Finding{tableAdvisory(err)}
			}
		}
		report.Findings = append(report.Findings, findings...)
	}

	report.SourceFailures, report.Findings = s.escalate(failures, report.Findings)

	if ctx.Err() != nil {
		return nil, s.abandon(ctx, "publish")
	}
	s.publish(ctx, report)

	report.Duration = s.now().Sub(start)
	s.RecordCycle(ctx, report.Duration)
	span.SetAttributes(
		attribute.Int("cycle.findings", len(report.Findings)),
		attribute.Int("cycle.source_failures", len(report.SourceFailures)))

	s.mu.Lock()
	s.lastReport = report
	s.mu.Unlock()
	return report, nil
}

func (s *Scheduler) abandon(ctx context.Context, stage string) error {
	s.logger.Warn("Cycle cancelled, nothing published", zap.String("stage", stage))
	return fmt.Errorf("cycle abandoned during %s: %w", stage, ctx.Err())
}

// sourceFailure records a detector error. Running out of the cycle budget is
// reported as the source being unavailable.
func (s *Scheduler) sourceFailure(ctx, detectCtx context.Context, detector string, err error) error {
	if detectCtx.Err() != nil && !errors.Is(err, domain.ErrSourceUnavailable) {
		err = fmt.Errorf("%w: %s exceeded cycle timeout %v: %w",
			domain.ErrSourceUnavailable, detector, s.config.CycleTimeout, err)
	}
	s.logger.Warn("Detector source unavailable", zap.String("detector", detector), zap.Error(err))
	s.RecordError(ctx, err)
	return err
}

func (s *Scheduler) runCrossView(ctx context.Context) (res *crossview.Result, err error) {
	defer s.recoverDetector("crossview", &err)
	return s.processes.Run(ctx)
}

func (s *Scheduler) runIntegrity(ctx context.Context) (findings []domain.Finding, err error) {
	defer s.recoverDetector("integrity", &err)
	return s.table.Verify(ctx)
}

// recoverDetector turns a detector panic into a source failure for this cycle
func (s *Scheduler) recoverDetector(name string, err *error) {
	if r := recover(); r != nil {
		s.logger.Error("Detector panicked",
			zap.String("detector", name),
			zap.Any("panic", r),
			zap.ByteString("stack", debug.Stack()))
		*err = fmt.Errorf("%w: %s detector panicked: %v", domain.ErrSourceUnavailable, name, r)
	}
}

// escalate updates the consecutive failure counters and appends a
// persistent-unavailability finding each time a source reaches a multiple of
// the threshold.
func (s *Scheduler) escalate(failures map[string]error, findings []domain.Finding) ([]domain.SourceFailure, []domain.Finding) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report []domain.SourceFailure
	for _, source := range []string{domain.SourceProcesses, domain.SourceDispatchTable} {
		err, failed := failures[source]
		if !failed {
			s.consecutive[source] = 0
			continue
		}
		s.consecutive[source]++
		n := s.consecutive[source]
		report = append(report, domain.SourceFailure{Source: source, Error: err.Error(), Consecutive: n})

		if n%s.config.EscalationThreshold != 0 {
			continue
		}
		f := domain.NewFinding(domain.FindingSourceUnavailablePersist, domain.SeverityHigh, domain.SourceScheduler,
			fmt.Sprintf("%s has been unavailable for %d consecutive cycles", source, n))
		f.Details["unavailable_source"] = source
		f.Details["consecutive_cycles"] = strconv.Itoa(n)
		f.Details["last_error"] = err.Error()
		s.logger.Error("Source persistently unavailable",
			zap.String("tag", f.Kind.Tag()),
			zap.String("source", source),
			zap.Int("consecutive_cycles", n))
		findings = append(findings, f)
	}
	return report, findings
}

// publish hands each finding to the sink in order. Every call is bounded by
// ProcessingTimeout even if the sink ignores its context.
func (s *Scheduler) publish(ctx context.Context, report *domain.CycleReport) {
	for i := range report.Findings {
		f := &report.Findings[i]
		if f.Details == nil {
			f.Details = make(map[string]string)
		}
		for k, v := range s.config.Labels {
			if _, ok := f.Details[k]; !ok {
				f.Details[k] = v
			}
		}
		if err := s.publishOne(ctx, *f, report.Timestamp); err != nil {
			report.PublishErrors++
			s.RecordDrop(ctx, dropReason(err))
			s.logger.Warn("Failed to publish finding",
				zap.String("finding_id", f.ID),
				zap.String("kind", string(f.Kind)),
				zap.Error(err))
			continue
		}
		report.Published++
		s.RecordFinding(ctx, *f)
	}
}

func (s *Scheduler) publishOne(ctx context.Context, f domain.Finding, cycleTime time.Time) error {
	pctx, cancel := context.WithTimeout(ctx, s.config.ProcessingTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("sink panicked: %v", r)
			}
		}()
		done <- s.sink.Publish(pctx, f, cycleTime)
	}()

	select {
	case err := <-done:
		return err
	case <-pctx.Done():
		return fmt.Errorf("publish of %s timed out: %w", f.ID, pctx.Err())
	}
}

func dropReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "sink_error"
}

func processSourceAdvisory(err error) domain.Finding {
	f := domain.NewFinding(domain.FindingProcessSourceUnavailable, domain.SeverityMedium, domain.SourceProcesses,
		"process source unavailable, hidden process detection skipped this cycle")
	f.Details["error"] = err.Error()
	return f
}

func tableAdvisory(err error) domain.Finding {
	f := domain.NewFinding(domain.FindingTableUnavailable, domain.SeverityMedium, domain.SourceDispatchTable,
		"dispatch table integrity could not be verified")
	f.Details["error"] = err.Error()
	return f
}

