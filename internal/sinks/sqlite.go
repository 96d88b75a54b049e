package sinks

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/yairfalse/secmon/pkg/domain"
	"go.uber.org/zap"
)

const findingsSchema = `
CREATE TABLE IF NOT EXISTS findings (
	id          TEXT PRIMARY KEY,
	cycle_time  TIMESTAMP NOT NULL,
	kind        TEXT NOT NULL,
	severity    TEXT NOT NULL,
	source      TEXT NOT NULL,
	pid         INTEGER,
	process     TEXT,
	message     TEXT NOT NULL,
	confirmed   BOOLEAN NOT NULL,
	details     TEXT
);
CREATE INDEX IF NOT EXISTS idx_findings_cycle_time ON findings(cycle_time);
CREATE INDEX IF NOT EXISTS idx_findings_kind ON findings(kind);
`

// StoredFinding is a finding read back from history
type StoredFinding struct {
	domain.Finding
	CycleTime time.Time
}

// SQLiteSink keeps a local history of findings
type SQLiteSink struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteSink opens (creating if needed) the history database at path
func NewSQLiteSink(logger *zap.Logger, path string) (*SQLiteSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// sqlite serializes writers anyway
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(findingsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize findings schema: %w", err)
	}

	return &SQLiteSink{logger: logger.Named("sqlite"), db: db}, nil
}

func (s *SQLiteSink) Publish(ctx context.Context, f domain.Finding, cycleTime time.Time) error {
	details, err := json.Marshal(f.Details)
	if err != nil {
		return fmt.Errorf("failed to encode details: %w", err)
	}

	var pid sql.NullInt64
	var name sql.NullString
	if f.Process != nil {
		pid = sql.NullInt64{Int64: int64(f.Process.PID), Valid: true}
		name = sql.NullString{String: f.Process.Name, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO findings
			(id, cycle_time, kind, severity, source, pid, process, message, confirmed, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, cycleTime.UTC(), string(f.Kind), string(f.Severity), f.Source,
		pid, name, f.Message, f.Confirmed, string(details))
	if err != nil {
		return fmt.Errorf("failed to insert finding %s: %w", f.ID, err)
	}
	return nil
}

// Recent returns up to limit findings, newest cycle first
func (s *SQLiteSink) Recent(ctx context.Context, limit int) ([]StoredFinding, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cycle_time, kind, severity, source, pid, process, message, confirmed, details
		FROM findings
		ORDER BY cycle_time DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer rows.Close()

	var out []StoredFinding
	for rows.Next() {
		var (
			sf               StoredFinding
			kind, sev        string
			pid              sql.NullInt64
			name, detailsRaw sql.NullString
		)
		if err := rows.Scan(&sf.ID, &sf.CycleTime, &kind, &sev, &sf.Source, &pid, &name,
			&sf.Message, &sf.Confirmed, &detailsRaw); err != nil {
			return nil, fmt.Errorf("failed to scan finding: %w", err)
		}
		sf.Kind = domain.FindingKind(kind)
		sf.Severity = domain.Severity(sev)
		if pid.Valid {
			sf.Process = &domain.ProcessRecord{PID: int(pid.Int64), Name: name.String}
		}
		if detailsRaw.Valid && detailsRaw.String != "" {
			if err := json.Unmarshal([]byte(detailsRaw.String), &sf.Details); err != nil {
				s.logger.Warn("Stored finding has malformed details",
					zap.String("finding_id", sf.ID), zap.Error(err))
			}
		}
		out = append(out, sf)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
