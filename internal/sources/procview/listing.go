package procview

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/common"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/yairfalse/secmon/internal/observers/crossview"
	"github.com/yairfalse/secmon/pkg/domain"
	"go.uber.org/zap"
)

// Listing is the directory-listing view of processes, the same one ps and
// top read. Each snapshot lists the PID directories once.
type Listing struct {
	logger   *zap.Logger
	procRoot string
}

func NewListing(logger *zap.Logger, procRoot string) *Listing {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listing{logger: logger.Named("listing"), procRoot: procRoot}
}

// pids lists visible PIDs
func (l *Listing) pids(ctx context.Context) ([]int32, error) {
	if l.procRoot != "" && l.procRoot != "/proc" {
		ctx = context.WithValue(ctx, common.EnvKey, common.EnvMap{common.HostProcEnvKey: l.procRoot})
	}
	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: process listing failed: %w", domain.ErrSourceUnavailable, err)
	}
	return pids, nil
}

// Snapshot lists the visible PIDs and returns a set-membership probe
func (l *Listing) Snapshot(ctx context.Context) (crossview.Probe, error) {
	pids, err := l.pids(ctx)
	if err != nil {
		return nil, err
	}
	set := make(domain.ProcessSet, len(pids))
	for _, pid := range pids {
		set.Add(domain.ProcessRecord{PID: int(pid)})
	}
	l.logger.Debug("Listed visible processes", zap.Int("count", len(set)))
	return crossview.SetProbe(set), nil
}
