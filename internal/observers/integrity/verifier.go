// Package integrity fingerprints the kernel system-call dispatch table and
// reports when it drifts from a trusted baseline.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/yairfalse/secmon/internal/observers/config"
	"github.com/yairfalse/secmon/pkg/domain"
	"go.uber.org/zap"
)

// maxReportedSlots caps the per-slot details attached to a tamper finding.
const maxReportedSlots = 16

// TableReader reads the first length dispatch entries. It returns exactly
// length entries or an error wrapping domain.ErrSourceUnavailable.
type TableReader interface {
	ReadTable(ctx context.Context, length int) (*domain.TableSnapshot, error)
}

// State is the verifier's baseline state
type State int

const (
	StateUninitialized State = iota
	StateArmed
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateUnavailable:
		return "unavailable"
	default:
		return "uninitialized"
	}
}

// Verifier owns one baseline and checks the live table against it.
// Verify calls may run concurrently with a re-baseline.
type Verifier struct {
	logger *zap.Logger
	reader TableReader
	config *config.IntegrityConfig

	mu       sync.RWMutex
	baseline *Baseline
	state    State
}

// NewVerifier creates a verifier in the Uninitialized state
func NewVerifier(logger *zap.Logger, reader TableReader, cfg *config.IntegrityConfig) (*Verifier, error) {
	if reader == nil {
		return nil, errors.New("table reader is required")
	}
	if cfg == nil {
		cfg = config.NewIntegrityConfig("integrity")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid integrity config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Verifier{
		logger: logger.Named("integrity"),
		reader: reader,
		config: cfg,
	}, nil
}

// State returns the current baseline state
func (v *Verifier) State() State {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

// Baseline returns the armed baseline, or nil
func (v *Verifier) Baseline() *Baseline {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.baseline
}

// CaptureBaseline arms the verifier from the live table. It is a no-op when
// already armed; use Rebaseline to replace an armed baseline.
func (v *Verifier) CaptureBaseline(ctx context.Context) error {
	if v.State() == StateArmed {
		return nil
	}
	return v.Rebaseline(ctx)
}

// Rebaseline reads the table and replaces the baseline. On failure the
// verifier becomes Unavailable and the previous baseline is discarded.
func (v *Verifier) Rebaseline(ctx context.Context) error {
	return v.CaptureBaselineFrom(ctx, v.reader)
}

// CaptureBaselineFrom arms the verifier from another reader, such as a
// recorded snapshot, while Verify keeps reading the live table.
func (v *Verifier) CaptureBaselineFrom(ctx context.Context, reader TableReader) error {
	if reader == nil {
		return errors.New("table reader is required")
	}
	snapshot, err := reader.ReadTable(ctx, v.config.Length)
	var baseline *Baseline
	if err == nil {
		baseline, err = NewBaseline(snapshot, v.config.Length)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err != nil {
		v.baseline = nil
		v.state = StateUnavailable
		v.logger.Error("Failed to capture dispatch table baseline",
			zap.Int("length", v.config.Length),
			zap.Error(err))
		if !errors.Is(err, domain.ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrSourceUnavailable, err)
		}
		return err
	}

	v.baseline = baseline
	v.state = StateArmed
	v.logger.Info("Dispatch table baseline armed",
		zap.Int("length", baseline.Length),
		zap.String("location", fmt.Sprintf("%#x", baseline.Location)),
		zap.String("fingerprint", baseline.Fingerprint.String()))
	return nil
}

// Verify reads the live table and compares it to the baseline. The error is
// nil for a clean table, wraps domain.ErrIntegrityMismatch on tamper,
// domain.ErrSourceUnavailable when the table could not be read and
// domain.ErrBaselineNotArmed before a baseline exists. Findings describe
// every non-clean outcome.
func (v *Verifier) Verify(ctx context.Context) ([]domain.Finding, error) {
	var rearmed []domain.Finding
	if v.State() == StateUnavailable && v.config.RetryBaseline {
		if err := v.Rebaseline(ctx); err == nil {
			b := v.Baseline()
			v.logger.Warn("Baseline re-armed on retry, current table is now trusted",
				zap.String("tag", domain.FindingBaselineRearmed.Tag()),
				zap.String("fingerprint", b.Fingerprint.String()))
			rearmed = append(rearmed, rearmedFinding(b))
		}
	}

	baseline := v.Baseline()
	if baseline == nil {
		return Compare(nil, nil), domain.ErrBaselineNotArmed
	}

	snapshot, err := v.reader.ReadTable(ctx, baseline.Length)
	if err != nil {
		v.logger.Warn("Dispatch table unreadable during verify", zap.Error(err))
		f := unavailableFinding(fmt.Sprintf("dispatch table could not be read: %v", err))
		if !errors.Is(err, domain.ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrSourceUnavailable, err)
		}
		return append(rearmed, f), err
	}

	findings, err := v.verifyAgainst(snapshot, baseline)
	return append(rearmed, findings...), err
}

// VerifySnapshot compares an already obtained snapshot to the baseline
func (v *Verifier) VerifySnapshot(snapshot *domain.TableSnapshot) ([]domain.Finding, error) {
	baseline := v.Baseline()
	if baseline == nil {
		return Compare(nil, nil), domain.ErrBaselineNotArmed
	}
	return v.verifyAgainst(snapshot, baseline)
}

func (v *Verifier) verifyAgainst(snapshot *domain.TableSnapshot, baseline *Baseline) ([]domain.Finding, error) {
	findings := Compare(snapshot, baseline)
	if len(findings) == 0 {
		return nil, nil
	}

	switch findings[0].Kind {
	case domain.FindingTableTampered:
		v.logger.Error("Dispatch table modified",
			zap.String("tag", findings[0].Kind.Tag()),
			zap.String("changed_slots", findings[0].Details["changed_slots"]),
			zap.String("baseline", baseline.Fingerprint.String()),
			zap.String("current", findings[0].Details["current_fingerprint"]))
		return findings, domain.ErrIntegrityMismatch
	default:
		return findings, fmt.Errorf("%w: %s", domain.ErrSourceUnavailable, findings[0].Message)
	}
}

// Compare checks current against baseline. A nil baseline or a snapshot of
// the wrong size yields TableUnavailable; a moved table or any changed entry
// yields exactly one TableTampered.
func Compare(current *domain.TableSnapshot, baseline *Baseline) []domain.Finding {
	if baseline == nil {
		return []domain.Finding{unavailableFinding("no dispatch table baseline is armed")}
	}
	if current == nil || len(current.Entries) != baseline.Length {
		return []domain.Finding{unavailableFinding(fmt.Sprintf(
			"expected %d dispatch entries, got %d", baseline.Length, current.Len()))}
	}

	relocated := baseline.Location != 0 && current.Location != 0 && current.Location != baseline.Location
	fp := ComputeFingerprint(current.Entries)
	if fp == baseline.Fingerprint && !relocated {
		return nil
	}

	changed := baseline.changedSlots(current.Entries)
	f := domain.NewFinding(domain.FindingTableTampered, domain.SeverityHigh, domain.SourceDispatchTable,
		"system call dispatch table differs from baseline")
	f.Confirmed = true
	f.Details["baseline_fingerprint"] = baseline.Fingerprint.String()
	f.Details["current_fingerprint"] = fp.String()
	f.Details["changed_slots"] = joinInts(changed)
	f.Details["changed_count"] = strconv.Itoa(len(changed))
	if relocated {
		f.Details["relocated"] = "true"
		f.Details["baseline_location"] = fmt.Sprintf("%#x", baseline.Location)
		f.Details["current_location"] = fmt.Sprintf("%#x", current.Location)
	}

	for i, slot := range changed {
		if i >= maxReportedSlots {
			break
		}
		f.Details["slot_"+strconv.Itoa(slot)] = fmt.Sprintf("%#x->%#x",
			uint64(baseline.entries[slot]), uint64(current.Entries[slot]))
	}
	return []domain.Finding{f}
}

// rearmedFinding tells the sink that a table captured without an operator
// request is now the reference.
func rearmedFinding(b *Baseline) domain.Finding {
	f := domain.NewFinding(domain.FindingBaselineRearmed, domain.SeverityLow, domain.SourceDispatchTable,
		"dispatch table baseline re-armed automatically after being unavailable")
	f.Details["fingerprint"] = b.Fingerprint.String()
	f.Details["location"] = fmt.Sprintf("%#x", b.Location)
	f.Details["length"] = strconv.Itoa(b.Length)
	return f
}

func unavailableFinding(message string) domain.Finding {
	return domain.NewFinding(domain.FindingTableUnavailable, domain.SeverityMedium,
		domain.SourceDispatchTable, message)
}

func joinInts(values []int) string {
	sort.Ints(values)
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}
