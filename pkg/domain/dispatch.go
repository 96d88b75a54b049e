package domain

import "encoding/hex"

// DispatchEntry is one handler address in the kernel's system-call table.
type DispatchEntry uint64

// TableSnapshot is an ordered copy of the first N dispatch entries, taken at one instant.
type TableSnapshot struct {
	// Location is the table's base address when known, zero otherwise.
	Location uint64          `json:"location"`
	Entries  []DispatchEntry `json:"entries"`
}

// Len returns the number of entries in the snapshot
func (t *TableSnapshot) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Entries)
}

// Fingerprint is a SHA-256 digest over a dispatch table prefix.
type Fingerprint [32]byte

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// IsZero reports whether the fingerprint was never computed
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}
