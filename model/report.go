package model

import "fmt"

// FailureCause classifies why a coordinate ended up in CoverageReport.Failed.
type FailureCause string

const (
	CauseNetwork   FailureCause = "network"
	CauseRateLimit FailureCause = "rate_limit"
	CauseTimeout   FailureCause = "timeout"
)

// FailedCoordinate records one dependency that could not be attempted to
// completion, together with the terminal cause.
type FailedCoordinate struct {
	Coordinate Coordinate   `json:"coordinate"`
	Cause      FailureCause `json:"cause"`
	Detail     string       `json:"detail,omitempty"`
}

// CoverageReport accounts for every dependency in one run. The run is
// complete only when Attempted == Total; Skipped lists coordinates rejected
// for a missing version so gaps are visible rather than silent.
type CoverageReport struct {
	Total     int                `json:"total"`
	Attempted int                `json:"attempted"`
	Matched   int                `json:"matched"`
	Skipped   []Coordinate       `json:"skipped,omitempty"`
	Failed    []FailedCoordinate `json:"failed,omitempty"`
}

// Complete reports whether every input dependency was attempted.
func (r CoverageReport) Complete() bool {
	return r.Attempted == r.Total
}

// Summary renders the one-line coverage statement for the end of a run.
func (r CoverageReport) Summary() string {
	return fmt.Sprintf("attempted %d/%d dependencies, %d matched, %d skipped (missing version), %d failed after retries",
		r.Attempted, r.Total, r.Matched, len(r.Skipped), len(r.Failed))
}
