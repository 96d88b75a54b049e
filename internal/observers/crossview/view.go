package crossview

import (
	"context"

	"github.com/yairfalse/secmon/pkg/domain"
)

// AuthoritativeSource enumerates processes from the low-level view
type AuthoritativeSource interface {
	Enumerate(ctx context.Context) (domain.ProcessSet, error)
}

// LivenessChecker answers whether a single PID still exists at the low
// level. Sources that can answer cheaply implement it for the re-check.
type LivenessChecker interface {
	Alive(ctx context.Context, pid int) domain.Visibility
}

// Probe answers visibility questions against one snapshot of the user-level view
type Probe interface {
	Visible(pid int) domain.Visibility
}

// VisibleView produces probes over the user-level process view
type VisibleView interface {
	Snapshot(ctx context.Context) (Probe, error)
}

// ViewFunc adapts a function to VisibleView
type ViewFunc func(ctx context.Context) (Probe, error)

func (f ViewFunc) Snapshot(ctx context.Context) (Probe, error) {
	return f(ctx)
}

// ProbeFunc adapts a function to Probe
type ProbeFunc func(pid int) domain.Visibility

func (f ProbeFunc) Visible(pid int) domain.Visibility {
	return f(pid)
}

// SetProbe answers from a fully enumerated visible set. Membership is
// definitive, so it never returns Unknown.
type SetProbe domain.ProcessSet

func (s SetProbe) Visible(pid int) domain.Visibility {
	if _, ok := s[pid]; ok {
		return domain.VisibilityPresent
	}
	return domain.VisibilityAbsent
}
