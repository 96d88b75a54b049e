//go:build !linux

package procview

import (
	"context"
	"fmt"

	"github.com/yairfalse/secmon/internal/observers/crossview"
	"github.com/yairfalse/secmon/pkg/domain"
)

// Stat is only implemented on Linux
type Stat struct{}

func NewStat(procRoot string) *Stat {
	return &Stat{}
}

func (s *Stat) Snapshot(ctx context.Context) (crossview.Probe, error) {
	return nil, fmt.Errorf("%w: procfs stat probe requires linux", domain.ErrSourceUnavailable)
}
