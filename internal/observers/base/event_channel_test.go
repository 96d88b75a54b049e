package base

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/secmon/pkg/domain"
	"go.uber.org/zap/zaptest"
)

func testAlert() domain.Alert {
	return domain.Alert{
		Finding:   domain.NewFinding(domain.FindingHiddenProcess, domain.SeverityHigh, domain.SourceProcesses, "hidden"),
		CycleTime: time.Now(),
	}
}

func TestAlertChannelManager_SendReceive(t *testing.T) {
	m := NewAlertChannelManager(4, "test", zaptest.NewLogger(t))
	alert := testAlert()

	assert.True(t, m.Send(alert))
	assert.Equal(t, int64(1), m.SentCount())

	select {
	case got := <-m.Channel():
		assert.Equal(t, alert.Finding.ID, got.Finding.ID)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for alert")
	}
}

func TestAlertChannelManager_FullChannelDrops(t *testing.T) {
	m := NewAlertChannelManager(2, "test", zaptest.NewLogger(t))
	require.True(t, m.Send(testAlert()))
	require.True(t, m.Send(testAlert()))
	assert.Equal(t, 100.0, m.Utilization())

	assert.False(t, m.Send(testAlert()))
	assert.Equal(t, int64(1), m.DroppedCount())
	assert.Equal(t, int64(2), m.SentCount())
}

func TestAlertChannelManager_InvalidFindingDropped(t *testing.T) {
	m := NewAlertChannelManager(2, "test", zaptest.NewLogger(t))
	assert.False(t, m.Send(domain.Alert{Finding: domain.Finding{Kind: domain.FindingHiddenProcess}}))
	assert.Equal(t, int64(1), m.DroppedCount())
}

func TestAlertChannelManager_CloseIsIdempotent(t *testing.T) {
	m := NewAlertChannelManager(2, "test", zaptest.NewLogger(t))
	m.Close()
	m.Close()
	assert.False(t, m.Send(testAlert()))
	assert.Nil(t, m.Channel())
	assert.Equal(t, 0.0, m.Utilization())
}

func TestAlertChannelManager_ConcurrentSendAndClose(t *testing.T) {
	m := NewAlertChannelManager(8, "test", zaptest.NewLogger(t))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				m.Send(testAlert())
			}
		}()
	}
	m.Close()
	wg.Wait()
	assert.Equal(t, int64(400), m.SentCount()+m.DroppedCount())
}
