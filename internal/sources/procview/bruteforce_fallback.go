//go:build !linux

package procview

import (
	"context"
	"fmt"

	"github.com/yairfalse/secmon/pkg/domain"
	"go.uber.org/zap"
)

// BruteForce is only implemented on Linux
type BruteForce struct {
	logger *zap.Logger
}

func NewBruteForce(logger *zap.Logger, procRoot string, pidMax int) *BruteForce {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BruteForce{logger: logger}
}

func (b *BruteForce) Enumerate(ctx context.Context) (domain.ProcessSet, error) {
	return nil, fmt.Errorf("%w: signal-probe enumeration requires linux", domain.ErrSourceUnavailable)
}

func (b *BruteForce) Alive(ctx context.Context, pid int) domain.Visibility {
	return domain.VisibilityUnknown
}
