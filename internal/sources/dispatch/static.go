package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/yairfalse/secmon/pkg/domain"
)

// StaticTable replays a recorded snapshot. It is used by the scan command
// to check a saved table and by tests.
type StaticTable struct {
	Snapshot *domain.TableSnapshot
}

// LoadStaticTable reads a JSON snapshot written by SaveSnapshot
func LoadStaticTable(path string) (*StaticTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read table snapshot: %w", err)
	}
	var snap domain.TableSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse table snapshot %s: %w", path, err)
	}
	return &StaticTable{Snapshot: &snap}, nil
}

// SaveSnapshot writes snap as JSON
func SaveSnapshot(path string, snap *domain.TableSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode table snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write table snapshot: %w", err)
	}
	return nil
}

// ReadTable returns the first length recorded entries. A recording shorter
// than length fails closed.
func (s *StaticTable) ReadTable(ctx context.Context, length int) (*domain.TableSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Snapshot == nil || len(s.Snapshot.Entries) < length {
		return nil, fmt.Errorf("%w: recorded table has %d entries, need %d",
			domain.ErrSourceUnavailable, s.Snapshot.Len(), length)
	}
	entries := make([]domain.DispatchEntry, length)
	copy(entries, s.Snapshot.Entries)
	return &domain.TableSnapshot{Location: s.Snapshot.Location, Entries: entries}, nil
}
