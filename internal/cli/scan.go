package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"github.com/yairfalse/secmon/internal/sources/dispatch"
	"github.com/yairfalse/secmon/pkg/domain"
	"go.uber.org/zap"
)

// ErrFindingsAboveThreshold makes scan exit non-zero
var ErrFindingsAboveThreshold = errors.New("findings at or above the failure threshold")

func newScanCommand() *cobra.Command {
	var (
		baselineFile string
		output       string
		failOn       string
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one detection cycle and print the report",
		Long: `Run a single cycle. Without --baseline the dispatch table baseline is
captured now, so only hidden processes can be reported. With --baseline the
live table is compared against a snapshot saved by 'secmon baseline'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			threshold, ok := domain.ParseSeverity(failOn)
			if !ok {
				return fmt.Errorf("invalid --fail-on severity %q", failOn)
			}
			report, err := runScan(cmd.Context(), baselineFile)
			if err != nil {
				return err
			}
			if err := writeReport(cmd.OutOrStdout(), report, output); err != nil {
				return err
			}
			if len(report.Findings) > 0 && report.MaxSeverity().AtLeast(threshold) {
				return ErrFindingsAboveThreshold
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&baselineFile, "baseline", "", "dispatch table snapshot to compare against")
	cmd.Flags().StringVarP(&output, "output", "o", "human", "output format (human, json)")
	cmd.Flags().StringVar(&failOn, "fail-on", string(domain.SeverityHigh), "exit non-zero on findings at or above this severity")
	return cmd
}

func runScan(ctx context.Context, baselineFile string) (*domain.CycleReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, logger, err := setup()
	if err != nil {
		return nil, err
	}
	defer func() { _ = logger.Sync() }()

	m, err := buildMonitor(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build monitor: %w", err)
	}
	defer m.sink.Close()

	if baselineFile != "" {
		if m.verifier == nil {
			return nil, errors.New("--baseline requires integrity verification to be enabled")
		}
		recorded, err := dispatch.LoadStaticTable(baselineFile)
		if err != nil {
			return nil, err
		}
		if err := m.verifier.CaptureBaselineFrom(ctx, recorded); err != nil {
			return nil, fmt.Errorf("recorded baseline unusable: %w", err)
		}
	} else if m.verifier != nil {
		if err := m.verifier.CaptureBaseline(ctx); err != nil {
			logger.Warn("Dispatch table baseline unavailable", zap.Error(err))
		}
	}

	return m.scheduler.RunCycle(ctx)
}

func writeReport(w io.Writer, report *domain.CycleReport, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "human", "":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	if len(report.Findings) == 0 {
		fmt.Fprintf(w, "No findings (cycle %s, %v)\n", report.ID, report.Duration.Round(time.Millisecond))
	} else {
		fmt.Fprintf(w, "%d findings (cycle %s, %v)\n", len(report.Findings), report.ID, report.Duration.Round(time.Millisecond))
	}
	for _, f := range report.Findings {
		fmt.Fprintf(w, "\n[%s] %s %s\n", f.Severity, f.Kind.Tag(), f.Message)
		keys := make([]string, 0, len(f.Details))
		for k := range f.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "    %s: %s\n", k, f.Details[k])
		}
	}
	for _, sf := range report.SourceFailures {
		fmt.Fprintf(w, "\nsource %s unavailable: %s\n", sf.Source, sf.Error)
	}
	if report.AmbiguousProbes > 0 {
		fmt.Fprintf(w, "\n%d processes could not be probed\n", report.AmbiguousProbes)
	}
	return nil
}
