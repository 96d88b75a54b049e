package base

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLifecycleManager_StartStop(t *testing.T) {
	lm := NewLifecycleManager(context.Background(), zaptest.NewLogger(t))

	var stopped atomic.Bool
	lm.Start("worker", func() {
		<-lm.Context().Done()
		stopped.Store(true)
	})

	require.Eventually(t, func() bool { return lm.RunningGoroutines() == 1 }, time.Second, time.Millisecond)
	assert.False(t, lm.IsShuttingDown())

	require.NoError(t, lm.Stop(time.Second))
	assert.True(t, stopped.Load())
	assert.True(t, lm.IsShuttingDown())
	assert.Equal(t, int32(0), lm.RunningGoroutines())

	// second stop is a no-op
	assert.NoError(t, lm.Stop(time.Second))
}

func TestLifecycleManager_StopTimeout(t *testing.T) {
	lm := NewLifecycleManager(context.Background(), zaptest.NewLogger(t))
	release := make(chan struct{})
	defer close(release)

	lm.Start("stuck", func() {
		<-release
	})

	err := lm.Stop(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrShutdownTimeout)
}

func TestLifecycleManager_RecoversPanic(t *testing.T) {
	lm := NewLifecycleManager(nil, nil) //nolint:staticcheck
	lm.Start("panicker", func() {
		panic("boom")
	})
	assert.NoError(t, lm.Stop(time.Second))
}
