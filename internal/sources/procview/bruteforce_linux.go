//go:build linux

package procview

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/yairfalse/secmon/pkg/domain"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ctxCheckEvery is how many PIDs are probed between context checks
const ctxCheckEvery = 4096

// BruteForce enumerates processes by sending signal 0 to every PID up to
// pid_max. The kernel answers from its own task list, so readdir filtering
// on /proc does not affect it.
type BruteForce struct {
	logger   *zap.Logger
	procRoot string
	pidMax   int
	kill     func(pid int, sig syscall.Signal) error
}

// NewBruteForce creates the authoritative source. pidMax of zero reads
// kernel.pid_max on every enumeration.
func NewBruteForce(logger *zap.Logger, procRoot string, pidMax int) *BruteForce {
	if logger == nil {
		logger = zap.NewNop()
	}
	if procRoot == "" {
		procRoot = "/proc"
	}
	return &BruteForce{
		logger:   logger.Named("bruteforce"),
		procRoot: procRoot,
		pidMax:   pidMax,
		kill:     unix.Kill,
	}
}

// Enumerate probes 1..pid_max and returns every thread-group leader found.
func (b *BruteForce) Enumerate(ctx context.Context) (domain.ProcessSet, error) {
	max := b.pidMax
	if max == 0 {
		var err error
		if max, err = readPIDMax(b.procRoot); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrSourceUnavailable, err)
		}
	}

	start := time.Now()
	set := make(domain.ProcessSet)
	var threads int
	for pid := 1; pid <= max; pid++ {
		if pid%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if b.probe(pid) != domain.VisibilityPresent {
			continue
		}
		// unreadable status files are treated as process leaders
		st, ok := readStatus(b.procRoot, pid)
		if ok && st.tgid != pid {
			threads++
			continue
		}
		set.Add(domain.ProcessRecord{PID: pid, PPID: st.ppid, Name: readComm(b.procRoot, pid)})
	}

	if len(set) == 0 {
		return nil, fmt.Errorf("%w: signal probe found no processes", domain.ErrSourceUnavailable)
	}

	b.logger.Debug("Brute-force enumeration complete",
		zap.Int("pid_max", max),
		zap.Int("processes", len(set)),
		zap.Int("threads_skipped", threads),
		zap.Duration("duration", time.Since(start)))
	return set, nil
}

// Alive probes a single PID
func (b *BruteForce) Alive(ctx context.Context, pid int) domain.Visibility {
	if ctx.Err() != nil {
		return domain.VisibilityUnknown
	}
	return b.probe(pid)
}

func (b *BruteForce) probe(pid int) domain.Visibility {
	err := b.kill(pid, 0)
	switch {
	case err == nil, errors.Is(err, unix.EPERM):
		return domain.VisibilityPresent
	case errors.Is(err, unix.ESRCH):
		return domain.VisibilityAbsent
	default:
		return domain.VisibilityUnknown
	}
}
