package integrity

import (
	"fmt"
	"time"

	"github.com/yairfalse/secmon/pkg/domain"
)

// Baseline is a trusted fingerprint of the dispatch table. It is never
// mutated after construction; re-baselining swaps in a new value.
type Baseline struct {
	Fingerprint domain.Fingerprint
	Length      int
	Location    uint64
	CapturedAt  time.Time

	entries []domain.DispatchEntry
}

// NewBaseline fingerprints snapshot. The snapshot must hold exactly length
// entries; anything else fails closed with ErrSourceUnavailable.
func NewBaseline(snapshot *domain.TableSnapshot, length int) (*Baseline, error) {
	if snapshot == nil {
		return nil, fmt.Errorf("%w: no dispatch table snapshot", domain.ErrSourceUnavailable)
	}
	if length <= 0 {
		return nil, fmt.Errorf("%w: invalid table length %d", domain.ErrSourceUnavailable, length)
	}
	if len(snapshot.Entries) != length {
		return nil, fmt.Errorf("%w: expected %d dispatch entries, got %d",
			domain.ErrSourceUnavailable, length, len(snapshot.Entries))
	}

	entries := make([]domain.DispatchEntry, length)
	copy(entries, snapshot.Entries)

	return &Baseline{
		Fingerprint: ComputeFingerprint(entries),
		Length:      length,
		Location:    snapshot.Location,
		CapturedAt:  time.Now(),
		entries:     entries,
	}, nil
}

// Entries returns a copy of the entries the baseline was taken over
func (b *Baseline) Entries() []domain.DispatchEntry {
	out := make([]domain.DispatchEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// changedSlots lists the indexes whose value differs from the baseline.
func (b *Baseline) changedSlots(current []domain.DispatchEntry) []int {
	var changed []int
	for i := range b.entries {
		if i >= len(current) || current[i] != b.entries[i] {
			changed = append(changed, i)
		}
	}
	return changed
}
