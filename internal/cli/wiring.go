package cli

import (
	"fmt"
	"os"

	"github.com/yairfalse/secmon/internal/observers/config"
	"github.com/yairfalse/secmon/internal/observers/crossview"
	"github.com/yairfalse/secmon/internal/observers/integrity"
	"github.com/yairfalse/secmon/internal/observers/scheduler"
	"github.com/yairfalse/secmon/internal/sinks"
	"github.com/yairfalse/secmon/internal/sources/dispatch"
	"github.com/yairfalse/secmon/internal/sources/procview"
	"github.com/yairfalse/secmon/pkg/domain"
	"go.uber.org/zap"
)

// monitor is the assembled detection pipeline
type monitor struct {
	crossview *crossview.Detector
	verifier  *integrity.Verifier
	sink      sinks.Sink
	scheduler *scheduler.Scheduler
}

func buildMonitor(cfg *config.Config, logger *zap.Logger) (*monitor, error) {
	m := &monitor{}

	if cfg.CrossView.Enabled {
		source := procview.NewBruteForce(logger, cfg.CrossView.ProcRoot, cfg.CrossView.PIDMax)
		var view crossview.VisibleView
		switch cfg.CrossView.ProbeMode {
		case config.ProbeModeListing:
			view = procview.NewListing(logger, cfg.CrossView.ProcRoot)
		default:
			view = procview.NewStat(cfg.CrossView.ProcRoot)
		}
		d, err := crossview.NewDetector(logger, &cfg.CrossView, source, view)
		if err != nil {
			return nil, err
		}
		m.crossview = d
	}

	if cfg.Integrity.Enabled {
		v, err := integrity.NewVerifier(logger, dispatch.NewKernelTable(logger, &cfg.Integrity), &cfg.Integrity)
		if err != nil {
			return nil, err
		}
		m.verifier = v
	}

	sink, err := buildSinks(cfg, logger)
	if err != nil {
		return nil, err
	}
	m.sink = sink

	// typed nils must not reach the scheduler as non-nil interfaces
	var processes scheduler.ProcessDetector
	if m.crossview != nil {
		processes = m.crossview
	}
	var table scheduler.TableVerifier
	if m.verifier != nil {
		table = m.verifier
	}

	s, err := scheduler.New(logger, &cfg.Scheduler, processes, table, sink)
	if err != nil {
		_ = sink.Close()
		return nil, err
	}
	m.scheduler = s
	return m, nil
}

// buildSinks assembles every enabled sink behind the severity filter, and
// behind the delivery queue when one is configured.
func buildSinks(cfg *config.Config, logger *zap.Logger) (sinks.Sink, error) {
	var named []sinks.NamedSink
	closeAll := func() {
		for _, n := range named {
			_ = n.Sink.Close()
		}
	}

	if cfg.Sinks.Log.Enabled {
		named = append(named, sinks.NamedSink{Name: "log", Sink: sinks.NewLogSink(logger)})
	}
	if cfg.Sinks.SQLite.Enabled {
		s, err := sinks.NewSQLiteSink(logger, cfg.Sinks.SQLite.Path)
		if err != nil {
			closeAll()
			return nil, err
		}
		named = append(named, sinks.NamedSink{Name: "sqlite", Sink: s})
	}
	if cfg.Sinks.NATS.Enabled {
		hostname, _ := os.Hostname()
		s, err := sinks.NewNATSSink(logger, cfg.Sinks.NATS, hostname)
		if err != nil {
			closeAll()
			return nil, err
		}
		named = append(named, sinks.NamedSink{Name: "nats", Sink: s})
	}
	if cfg.Sinks.Webhook.Enabled {
		s, err := sinks.NewWebhookSink(logger, cfg.Sinks.Webhook)
		if err != nil {
			closeAll()
			return nil, err
		}
		named = append(named, sinks.NamedSink{Name: "webhook", Sink: s})
	}
	if len(named) == 0 {
		return nil, fmt.Errorf("no alert sink is enabled")
	}

	min, _ := domain.ParseSeverity(cfg.Sinks.MinSeverity)
	multi := sinks.NewMultiSink(logger, cfg.Scheduler.ProcessingTimeout, named...)
	filtered := sinks.NewSeverityFilter(min, multi)
	if !cfg.Sinks.Queue.Enabled {
		return filtered, nil
	}
	return sinks.NewQueueSink(logger, filtered, cfg.Scheduler.BufferSize, cfg.Scheduler.ProcessingTimeout), nil
}
