package domain

import "time"

// Source names used in findings, cycle reports and escalation counters.
const (
	SourceProcesses     = "processes"
	SourceDispatchTable = "dispatch_table"
	SourceScheduler     = "scheduler"
)

// SourceFailure records one source that could not be read during a cycle.
type SourceFailure struct {
	Source string `json:"source"`
	Error  string `json:"error"`
	// Consecutive counts the cycles in a row this source has failed, this one included.
	Consecutive int `json:"consecutive"`
}

// CycleReport summarizes one detection cycle.
type CycleReport struct {
	ID             string          `json:"id"`
	Timestamp      time.Time       `json:"timestamp"`
	Duration       time.Duration   `json:"duration"`
	Findings       []Finding       `json:"findings"`
	SourceFailures []SourceFailure `json:"source_failures,omitempty"`
	Published      int             `json:"published"`
	PublishErrors  int             `json:"publish_errors"`
	// AmbiguousProbes counts candidates whose visibility could not be decided.
	AmbiguousProbes int `json:"ambiguous_probes"`
}

// MaxSeverity returns the highest severity among the findings, or empty.
func (r *CycleReport) MaxSeverity() Severity {
	var max Severity
	for _, f := range r.Findings {
		if f.Severity.Rank() > max.Rank() {
			max = f.Severity
		}
	}
	return max
}

// Failed reports whether source failed this cycle
func (r *CycleReport) Failed(source string) bool {
	for _, sf := range r.SourceFailures {
		if sf.Source == source {
			return true
		}
	}
	return false
}
