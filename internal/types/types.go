package types

import (
	"time"
)

// RawFinding is a single entry from the primary feed: a CPE product record
// as returned by the NVD CPE API for a modified-date window.
type RawFinding struct {
	CPEName      string    `json:"cpe_name"`
	Titles       []string  `json:"titles,omitempty"`
	LastModified time.Time `json:"last_modified"`
	Deprecated   bool      `json:"deprecated"`
}

// Identity is the canonical (package, version) pair derived from a platform
// identifier string. It bridges the primary feed's CPE naming and the OSV
// query API's package naming on a best-effort basis.
type Identity struct {
	Package string `json:"package"`
	Version string `json:"version"`
}

// RangeData maps an OSV ecosystem name to the affected-version ranges
// reported for a package. A nil or empty map means "not resolved".
type RangeData map[string][]Range

// Empty reports whether the resolution carries no range information.
func (rd RangeData) Empty() bool {
	return len(rd) == 0
}

// Range represents an OSV version range.
type Range struct {
	Type   string  `json:"type"`
	Events []Event `json:"events"`
}

// Event represents an OSV range event.
type Event struct {
	Introduced   string `json:"introduced,omitempty"`
	Fixed        string `json:"fixed,omitempty"`
	LastAffected string `json:"last_affected,omitempty"`
	Limit        string `json:"limit,omitempty"`
}

// Record is a deduplicated vulnerability record keyed by package name.
type Record struct {
	PackageName        string    `json:"package_name" db:"package_name"`
	VulnerableVersions []string  `json:"vulnerable_versions" db:"vulnerable_versions"`
	OSVRanges          RangeData `json:"osv_ranges,omitempty" db:"osv_ranges"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// Unenriched describes a stored record that still lacks range data, queued
// for the backfill pass.
type Unenriched struct {
	PackageName string   `json:"package_name"`
	Versions    []string `json:"versions"`
}

// RunStats collects counters for a single sync run.
type RunStats struct {
	StartedAt        time.Time `json:"started_at"`
	Processed        int       `json:"processed"`
	Matched          int       `json:"matched"`
	Skipped          int       `json:"skipped"`
	Enriched         int       `json:"enriched"`
	WindowsCompleted int       `json:"windows_completed"`
	BackfillChecked  int       `json:"backfill_checked"`
	BackfillResolved int       `json:"backfill_resolved"`
}

// StatusReport is the payload served by the status API.
type StatusReport struct {
	Checkpoint      string    `json:"checkpoint,omitempty"`
	TotalRecords    int64     `json:"total_records"`
	UnenrichedCount int64     `json:"unenriched_count"`
	LastRun         RunStats  `json:"last_run"`
	Timestamp       time.Time `json:"timestamp"`
}

// HealthStatus represents system health status.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult represents a health check result.
type CheckResult struct {
	Status  string        `json:"status"`
	Message string        `json:"message,omitempty"`
	Latency time.Duration `json:"latency,omitempty"`
}
