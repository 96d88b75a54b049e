package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/yairfalse/secmon/internal/observers/config"
	"github.com/yairfalse/secmon/pkg/domain"
	"go.uber.org/zap"
)

// ingestEvent is the body accepted by the kernel event ingest endpoint
type ingestEvent struct {
	Timestamp   string `json:"timestamp"`
	PID         int    `json:"pid"`
	ParentPID   int    `json:"parent_pid"`
	ProcessName string `json:"process_name"`
	Severity    string `json:"severity"`
	Type        string `json:"type"`
	Details     string `json:"details"`
}

// WebhookSink posts each finding to an HTTP ingest endpoint
type WebhookSink struct {
	logger   *zap.Logger
	client   *retryablehttp.Client
	endpoint string
}

func NewWebhookSink(logger *zap.Logger, cfg config.WebhookSinkConfig) (*WebhookSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook url: %w", err)
	}
	if cfg.APIKey != "" {
		q := u.Query()
		q.Set("api_key", cfg.APIKey)
		u.RawQuery = q.Encode()
	}

	log := logger.Named("webhook")
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.MaxRetries
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = cfg.Timeout
	client.CheckRetry = retryablehttp.ErrorPropagatedRetryPolicy
	client.Logger = zapLeveledLogger{log}

	return &WebhookSink{logger: log, client: client, endpoint: u.String()}, nil
}

func (s *WebhookSink) Publish(ctx context.Context, f domain.Finding, cycleTime time.Time) error {
	body, err := json.Marshal(toIngestEvent(f, cycleTime))
	if err != nil {
		return fmt.Errorf("failed to encode finding: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "secmon")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

func (s *WebhookSink) Close() error {
	s.client.HTTPClient.CloseIdleConnections()
	return nil
}

func toIngestEvent(f domain.Finding, cycleTime time.Time) ingestEvent {
	ev := ingestEvent{
		Timestamp:   cycleTime.UTC().Format(time.RFC3339Nano),
		ProcessName: "unknown",
		Severity:    ingestSeverity(f.Severity),
		Type:        ingestType(f.Kind),
		Details:     f.Message,
	}
	if f.Process != nil {
		ev.PID = f.Process.PID
		ev.ParentPID = f.Process.PPID
		if f.Process.Name != "" {
			ev.ProcessName = f.Process.Name
		}
	}
	if slots := f.Details["changed_slots"]; slots != "" {
		ev.Details += " (slots " + slots + ")"
	}
	return ev
}

// ingestSeverity maps onto the endpoint's three levels
func ingestSeverity(sev domain.Severity) string {
	switch {
	case sev.AtLeast(domain.SeverityHigh):
		return "HIGH"
	case sev.AtLeast(domain.SeverityMedium):
		return "MEDIUM"
	default:
		return "INFO"
	}
}

func ingestType(kind domain.FindingKind) string {
	return strings.TrimPrefix(kind.Tag(), "SEC_MON_")
}

// zapLeveledLogger lets retryablehttp log through zap
type zapLeveledLogger struct {
	l *zap.Logger
}

func (z zapLeveledLogger) Error(msg string, kv ...interface{}) { z.l.Sugar().Errorw(msg, kv...) }
func (z zapLeveledLogger) Info(msg string, kv ...interface{})  { z.l.Sugar().Debugw(msg, kv...) }
func (z zapLeveledLogger) Debug(msg string, kv ...interface{}) { z.l.Sugar().Debugw(msg, kv...) }
func (z zapLeveledLogger) Warn(msg string, kv ...interface{})  { z.l.Sugar().Warnw(msg, kv...) }
