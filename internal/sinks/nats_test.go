package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/secmon/internal/observers/config"
	"github.com/yairfalse/secmon/pkg/domain"
	"go.uber.org/zap/zaptest"
)

// MockNATSConn implements a mock NATS connection for testing
type MockNATSConn struct {
	mu          sync.Mutex
	published   []PublishedMessage
	closed      bool
	failPublish bool
	flushErr    error
	flushes     []time.Duration
}

type PublishedMessage struct {
	Subject string
	Data    []byte
}

func (m *MockNATSConn) Publish(subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nats.ErrConnectionClosed
	}
	if m.failPublish {
		return errors.New("mock publish error")
	}
	m.published = append(m.published, PublishedMessage{Subject: subject, Data: data})
	return nil
}

func (m *MockNATSConn) FlushTimeout(timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes = append(m.flushes, timeout)
	return m.flushErr
}

func (m *MockNATSConn) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *MockNATSConn) GetPublished() []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PublishedMessage{}, m.published...)
}

func testNATSConfig() config.NATSSinkConfig {
	return config.NATSSinkConfig{
		Enabled:       true,
		URL:           "nats://127.0.0.1:4222",
		SubjectPrefix: "secmon.findings.",
		FlushTimeout:  time.Second,
	}
}

func TestNATSSink_PublishesToKindSubject(t *testing.T) {
	conn := &MockNATSConn{}
	s := newNATSSink(zaptest.NewLogger(t), conn, testNATSConfig(), "node-1")
	cycle := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	f := hiddenFinding(domain.SeverityHigh)

	require.NoError(t, s.Publish(context.Background(), f, cycle))

	msgs := conn.GetPublished()
	require.Len(t, msgs, 1)
	assert.Equal(t, "secmon.findings.hidden_process", msgs[0].Subject)

	var got natsMessage
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, f.ID, got.Finding.ID)
	assert.Equal(t, "node-1", got.Hostname)
	assert.True(t, got.CycleTime.Equal(cycle))
	assert.Equal(t, 4242, got.Finding.PID())
}

func TestNATSSink_FlushBoundedByContext(t *testing.T) {
	conn := &MockNATSConn{}
	s := newNATSSink(zaptest.NewLogger(t), conn, testNATSConfig(), "")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Publish(ctx, hiddenFinding(domain.SeverityHigh), time.Now()))

	require.Len(t, conn.flushes, 1)
	assert.LessOrEqual(t, conn.flushes[0], 100*time.Millisecond)
}

func TestNATSSink_Errors(t *testing.T) {
	t.Run("publish failure", func(t *testing.T) {
		conn := &MockNATSConn{failPublish: true}
		s := newNATSSink(zaptest.NewLogger(t), conn, testNATSConfig(), "")
		assert.Error(t, s.Publish(context.Background(), hiddenFinding(domain.SeverityHigh), time.Now()))
	})

	t.Run("flush timeout", func(t *testing.T) {
		conn := &MockNATSConn{flushErr: nats.ErrTimeout}
		s := newNATSSink(zaptest.NewLogger(t), conn, testNATSConfig(), "")
		err := s.Publish(context.Background(), hiddenFinding(domain.SeverityHigh), time.Now())
		assert.ErrorIs(t, err, nats.ErrTimeout)
	})

	t.Run("breaker opens after repeated failures", func(t *testing.T) {
		conn := &MockNATSConn{failPublish: true}
		s := newNATSSink(zaptest.NewLogger(t), conn, testNATSConfig(), "")
		for i := 0; i < 5; i++ {
			_ = s.Publish(context.Background(), hiddenFinding(domain.SeverityHigh), time.Now())
		}
		err := s.Publish(context.Background(), hiddenFinding(domain.SeverityHigh), time.Now())
		assert.ErrorIs(t, err, ErrCircuitOpen)
	})

	t.Run("expired context", func(t *testing.T) {
		conn := &MockNATSConn{}
		s := newNATSSink(zaptest.NewLogger(t), conn, testNATSConfig(), "")
		ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
		defer cancel()
		time.Sleep(time.Millisecond)
		assert.ErrorIs(t, s.Publish(ctx, hiddenFinding(domain.SeverityHigh), time.Now()), context.DeadlineExceeded)
		assert.Empty(t, conn.GetPublished())
	})
}

func TestNATSSink_Close(t *testing.T) {
	conn := &MockNATSConn{}
	s := newNATSSink(zaptest.NewLogger(t), conn, testNATSConfig(), "")
	require.NoError(t, s.Close())
	assert.True(t, conn.closed)
}
