//go:build linux

package procview

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"

	"github.com/yairfalse/secmon/internal/observers/crossview"
	"github.com/yairfalse/secmon/pkg/domain"
	"golang.org/x/sys/unix"
)

// Stat probes visibility by stat-ing /proc/<pid> directly. Only ENOENT and
// ESRCH count as absent; any other error is Unknown.
type Stat struct {
	procRoot string
}

func NewStat(procRoot string) *Stat {
	if procRoot == "" {
		procRoot = "/proc"
	}
	return &Stat{procRoot: procRoot}
}

// Snapshot returns a live probe; each call to Visible hits procfs.
func (s *Stat) Snapshot(ctx context.Context) (crossview.Probe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var st unix.Stat_t
	if err := unix.Stat(s.procRoot, &st); err != nil {
		return nil, errors.Join(domain.ErrSourceUnavailable, err)
	}
	return crossview.ProbeFunc(s.visible), nil
}

func (s *Stat) visible(pid int) domain.Visibility {
	var st unix.Stat_t
	err := unix.Stat(filepath.Join(s.procRoot, strconv.Itoa(pid)), &st)
	switch {
	case err == nil:
		return domain.VisibilityPresent
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ESRCH):
		return domain.VisibilityAbsent
	default:
		return domain.VisibilityUnknown
	}
}
