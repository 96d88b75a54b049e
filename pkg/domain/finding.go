package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FindingKind categorizes findings
type FindingKind string

const (
	FindingHiddenProcess            FindingKind = "hidden_process"
	FindingTableTampered            FindingKind = "table_tampered"
	FindingTableUnavailable         FindingKind = "table_unavailable"
	FindingProcessSourceUnavailable FindingKind = "process_source_unavailable"
	FindingSourceUnavailablePersist FindingKind = "source_unavailable_persistent"
	FindingBaselineRearmed          FindingKind = "baseline_rearmed"
)

// Tag returns the log tag operators grep for
func (k FindingKind) Tag() string {
	switch k {
	case FindingHiddenProcess:
		return "SEC_MON_HIDDEN_PROC"
	case FindingTableTampered:
		return "SEC_MON_SYSCALL_HOOK"
	case FindingTableUnavailable:
		return "SEC_MON_SYSCALL_UNAVAILABLE"
	case FindingBaselineRearmed:
		return "SEC_MON_SYSCALL_BASELINE"
	default:
		return "SEC_MON_SOURCE"
	}
}

// Severity represents the severity level of a finding
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities, info lowest. Unknown values rank below info.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityLow:
		return 2
	case SeverityMedium:
		return 3
	case SeverityHigh:
		return 4
	case SeverityCritical:
		return 5
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// ParseSeverity maps a config string onto a Severity.
func ParseSeverity(v string) (Severity, bool) {
	s := Severity(v)
	return s, s.Rank() > 0
}

// Finding is one detector conclusion handed to the alert sink.
type Finding struct {
	ID       string         `json:"id"`
	Kind     FindingKind    `json:"kind"`
	Severity Severity       `json:"severity"`
	Source   string         `json:"source"`
	Process  *ProcessRecord `json:"process,omitempty"`
	Message  string         `json:"message"`
	// Confirmed is set when a second observation agreed with the first.
	Confirmed bool              `json:"confirmed"`
	Details   map[string]string `json:"details,omitempty"`
}

// NewFinding creates a finding with a fresh ID
func NewFinding(kind FindingKind, severity Severity, source, message string) Finding {
	return Finding{
		ID:       uuid.NewString(),
		Kind:     kind,
		Severity: severity,
		Source:   source,
		Message:  message,
		Details:  make(map[string]string),
	}
}

// WithDetail sets a detail and returns the finding
func (f Finding) WithDetail(key, value string) Finding {
	if f.Details == nil {
		f.Details = make(map[string]string)
	}
	f.Details[key] = value
	return f
}

// PID returns the process id the finding refers to, or zero.
func (f Finding) PID() int {
	if f.Process == nil {
		return 0
	}
	return f.Process.PID
}

// Validate checks the fields every sink relies on.
func (f Finding) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("finding has no id")
	}
	if f.Kind == "" {
		return fmt.Errorf("finding %s has no kind", f.ID)
	}
	if f.Severity.Rank() == 0 {
		return fmt.Errorf("finding %s has invalid severity %q", f.ID, f.Severity)
	}
	return nil
}

// Alert is a finding stamped with the time of the cycle that produced it.
type Alert struct {
	Finding   Finding   `json:"finding"`
	CycleTime time.Time `json:"cycle_time"`
}
