package base

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown times out
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// LifecycleManager owns the goroutines of one component and stops them together
type LifecycleManager struct {
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger

	running atomic.Int32
}

// NewLifecycleManager creates a lifecycle manager derived from ctx
func NewLifecycleManager(ctx context.Context, logger *zap.Logger) *LifecycleManager {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)

	return &LifecycleManager{
		ctx:    ctx,
		cancel: cancel,
		stopCh: make(chan struct{}),
		logger: logger,
	}
}

// Start launches fn in a tracked goroutine. A panic in fn is logged and
// swallowed so one worker cannot take the process down.
func (lm *LifecycleManager) Start(name string, fn func()) {
	lm.wg.Add(1)
	lm.running.Add(1)

	go func() {
		defer lm.wg.Done()
		defer lm.running.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				lm.logger.Error("Goroutine panicked",
					zap.String("name", name),
					zap.String("panic", fmt.Sprint(r)))
			}
		}()

		lm.logger.Debug("Starting goroutine", zap.String("name", name))
		defer lm.logger.Debug("Goroutine stopped", zap.String("name", name))

		fn()
	}()
}

// Stop cancels the context and waits up to timeout for goroutines to exit.
// It is safe to call more than once.
func (lm *LifecycleManager) Stop(timeout time.Duration) error {
	lm.stopOnce.Do(func() {
		lm.logger.Info("Initiating graceful shutdown",
			zap.Int32("running_goroutines", lm.running.Load()),
			zap.Duration("timeout", timeout))
		close(lm.stopCh)
		lm.cancel()
	})

	done := make(chan struct{})
	go func() {
		lm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		lm.logger.Info("Graceful shutdown completed")
		return nil
	case <-time.After(timeout):
		lm.logger.Warn("Shutdown timeout exceeded",
			zap.Int32("still_running", lm.running.Load()))
		return ErrShutdownTimeout
	}
}

// Context returns the lifecycle context
func (lm *LifecycleManager) Context() context.Context {
	return lm.ctx
}

// IsShuttingDown checks if shutdown has been initiated
func (lm *LifecycleManager) IsShuttingDown() bool {
	select {
	case <-lm.stopCh:
		return true
	default:
		return false
	}
}

// RunningGoroutines returns the number of tracked goroutines still running
func (lm *LifecycleManager) RunningGoroutines() int32 {
	return lm.running.Load()
}
