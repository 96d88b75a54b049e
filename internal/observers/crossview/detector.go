// Package crossview finds processes that exist in the kernel's own view but
// are missing from the user-level process listing.
package crossview

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/yairfalse/secmon/internal/observers/base"
	"github.com/yairfalse/secmon/internal/observers/config"
	"github.com/yairfalse/secmon/pkg/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Recheck outcomes recorded on findings
const (
	recheckConfirmed    = "confirmed"
	recheckDisabled     = "disabled"
	recheckInconclusive = "inconclusive"
)

// Result is the outcome of one detection pass
type Result struct {
	Findings []domain.Finding
	// Ambiguous counts candidates whose visibility probe returned Unknown.
	Ambiguous int
	// Dropped counts candidates cleared by the re-check.
	Dropped int
}

// Detector compares the authoritative process view with the visible one
type Detector struct {
	*base.BaseObserver

	logger   *zap.Logger
	config   *config.CrossViewConfig
	source   AuthoritativeSource
	view     VisibleView
	liveness LivenessChecker
	selfPID  int
	sleep    func(ctx context.Context, d time.Duration) error

	ambiguousCounter metric.Int64Counter
	candidateCounter metric.Int64Counter
}

// NewDetector creates a cross-view detector. If source also implements
// LivenessChecker it is used to tell exited processes from hidden ones.
func NewDetector(logger *zap.Logger, cfg *config.CrossViewConfig, source AuthoritativeSource, view VisibleView) (*Detector, error) {
	if source == nil {
		return nil, errors.New("authoritative source is required")
	}
	if view == nil {
		return nil, errors.New("visible view is required")
	}
	if cfg == nil {
		cfg = config.NewCrossViewConfig("crossview")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid crossview config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Detector{
		BaseObserver: base.NewBaseObserverWithConfig(base.BaseObserverConfig{
			Name:               cfg.Name,
			HealthCheckTimeout: cfg.HealthCheckTimeout,
			Logger:             logger,
			DisableMetrics:     !cfg.MetricsEnabled,
		}),
		logger:  logger.Named("crossview"),
		config:  cfg,
		source:  source,
		view:    view,
		selfPID: os.Getpid(),
		sleep:   sleepContext,
	}
	if lc, ok := source.(LivenessChecker); ok {
		d.liveness = lc
	}
	d.BaseObserver.SetHealthy(true)

	var err error
	d.ambiguousCounter, err = d.Meter().Int64Counter(
		fmt.Sprintf("%s_ambiguous_probes_total", cfg.Name),
		metric.WithDescription("Visibility probes that returned unknown"),
	)
	if err != nil {
		d.logger.Debug("Failed to create ambiguous probe counter", zap.Error(err))
		d.ambiguousCounter = nil
	}
	d.candidateCounter, err = d.Meter().Int64Counter(
		fmt.Sprintf("%s_candidates_total", cfg.Name),
		metric.WithDescription("Hidden process candidates by re-check outcome"),
	)
	if err != nil {
		d.logger.Debug("Failed to create candidate counter", zap.Error(err))
		d.candidateCounter = nil
	}
	return d, nil
}

// Run enumerates the authoritative source and compares it with the view.
// Source failures wrap domain.ErrSourceUnavailable and produce no
// hidden-process findings.
func (d *Detector) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	defer func() { d.RecordCycle(ctx, time.Since(start)) }()

	authoritative, err := d.source.Enumerate(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d.RecordError(ctx, err)
		if !errors.Is(err, domain.ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrSourceUnavailable, err)
		}
		return nil, fmt.Errorf("authoritative enumeration failed: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res, err := d.Detect(ctx, authoritative, d.view)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		d.RecordError(ctx, err)
	}
	return res, err
}

// Detect reports every authoritative process the view definitively does not
// show. Unknown probe results are counted, logged and never reported.
func (d *Detector) Detect(ctx context.Context, authoritative domain.ProcessSet, view VisibleView) (*Result, error) {
	probe, err := view.Snapshot(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrSourceUnavailable, err)
		}
		return nil, fmt.Errorf("visible view snapshot failed: %w", err)
	}

	res := &Result{}
	var candidates []domain.ProcessRecord
	for _, rec := range authoritative.Sorted() {
		if rec.PID <= 0 || rec.PID == d.selfPID {
			continue
		}
		switch probe.Visible(rec.PID) {
		case domain.VisibilityPresent:
		case domain.VisibilityAbsent:
			candidates = append(candidates, rec)
		default:
			res.Ambiguous++
			d.recordAmbiguous(ctx, rec, "initial")
		}
	}

	if len(candidates) == 0 {
		return res, nil
	}

	if d.config.RecheckDelay <= 0 {
		for _, rec := range candidates {
			res.Findings = append(res.Findings, d.finding(rec, domain.SeverityMedium, false, recheckDisabled))
		}
		return res, nil
	}

	if err := d.sleep(ctx, d.config.RecheckDelay); err != nil {
		return nil, err
	}

	recheck, err := view.Snapshot(ctx)
	if err != nil {
		d.logger.Warn("Re-check snapshot failed, reporting candidates as advisory",
			zap.Int("candidates", len(candidates)),
			zap.Error(err))
		for _, rec := range candidates {
			res.Findings = append(res.Findings, d.finding(rec, domain.SeverityMedium, false, recheckInconclusive))
		}
		return res, nil
	}

	for _, rec := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		outcome := d.recheck(ctx, recheck, rec)
		d.recordCandidate(ctx, outcome)
		switch outcome {
		case recheckConfirmed:
			res.Findings = append(res.Findings, d.finding(rec, domain.SeverityHigh, true, recheckConfirmed))
		case recheckInconclusive:
			res.Findings = append(res.Findings, d.finding(rec, domain.SeverityMedium, false, recheckInconclusive))
		default:
			res.Dropped++
			d.logger.Debug("Candidate cleared on re-check",
				zap.Int("pid", rec.PID),
				zap.String("name", rec.Name),
				zap.String("reason", outcome))
		}
	}
	return res, nil
}

// recheck returns confirmed, inconclusive, or the reason the candidate was cleared.
func (d *Detector) recheck(ctx context.Context, probe Probe, rec domain.ProcessRecord) string {
	switch probe.Visible(rec.PID) {
	case domain.VisibilityPresent:
		return "now_visible"
	case domain.VisibilityUnknown:
		d.recordAmbiguous(ctx, rec, "recheck")
		return recheckInconclusive
	}

	if d.liveness == nil {
		return recheckInconclusive
	}
	switch d.liveness.Alive(ctx, rec.PID) {
	case domain.VisibilityPresent:
		return recheckConfirmed
	case domain.VisibilityAbsent:
		return "exited"
	default:
		return recheckInconclusive
	}
}

func (d *Detector) finding(rec domain.ProcessRecord, severity domain.Severity, confirmed bool, recheck string) domain.Finding {
	r := rec
	f := domain.NewFinding(domain.FindingHiddenProcess, severity, domain.SourceProcesses,
		fmt.Sprintf("process %d (%s) exists in the kernel view but is missing from the process listing", rec.PID, rec.Name))
	f.Process = &r
	f.Confirmed = confirmed
	f.Details["pid"] = strconv.Itoa(rec.PID)
	f.Details["name"] = rec.Name
	if rec.PPID > 0 {
		f.Details["ppid"] = strconv.Itoa(rec.PPID)
	}
	f.Details["recheck"] = recheck
	for k, v := range d.config.Labels {
		f.Details[k] = v
	}
	return f
}

func (d *Detector) recordAmbiguous(ctx context.Context, rec domain.ProcessRecord, stage string) {
	d.logger.Debug("Visibility probe inconclusive",
		zap.Int("pid", rec.PID),
		zap.String("name", rec.Name),
		zap.String("stage", stage),
		zap.Error(domain.ErrAmbiguousProbe))
	if d.ambiguousCounter != nil {
		d.ambiguousCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	}
}

func (d *Detector) recordCandidate(ctx context.Context, outcome string) {
	if d.candidateCounter != nil {
		d.candidateCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
