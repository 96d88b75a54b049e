package domain

import "sort"

// ProcessRecord identifies one process as seen by a process source.
type ProcessRecord struct {
	PID int `json:"pid"`
	// PPID is the parent as reported by procfs, zero when unreadable.
	PPID int    `json:"ppid,omitempty"`
	Name string `json:"name"`
}

// ProcessSet is a PID-keyed collection of process records.
type ProcessSet map[int]ProcessRecord

// NewProcessSet builds a set from records. Later duplicates win.
func NewProcessSet(records ...ProcessRecord) ProcessSet {
	set := make(ProcessSet, len(records))
	for _, r := range records {
		set[r.PID] = r
	}
	return set
}

// Add inserts or replaces a record
func (s ProcessSet) Add(r ProcessRecord) {
	s[r.PID] = r
}

// Has reports whether pid is in the set
func (s ProcessSet) Has(pid int) bool {
	_, ok := s[pid]
	return ok
}

// Sorted returns the records in ascending PID order.
func (s ProcessSet) Sorted() []ProcessRecord {
	out := make([]ProcessRecord, 0, len(s))
	for _, r := range s {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Visibility is the result of asking the user-level view about one PID.
type Visibility int

const (
	// VisibilityUnknown means the probe could not decide. It is never treated as absent.
	VisibilityUnknown Visibility = iota
	VisibilityPresent
	VisibilityAbsent
)

func (v Visibility) String() string {
	switch v {
	case VisibilityPresent:
		return "present"
	case VisibilityAbsent:
		return "absent"
	default:
		return "unknown"
	}
}
