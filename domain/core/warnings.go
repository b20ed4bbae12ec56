package core

import "fmt"

// WarningCategory classifies recoverable issues surfaced on results.
type WarningCategory string

const (
	WarnNumerical  WarningCategory = "numerical"
	WarnData       WarningCategory = "data"
	WarnCovariance WarningCategory = "covariance"
	WarnCluster    WarningCategory = "cluster"
	WarnSearch     WarningCategory = "search"
)

// Warning is a single recoverable issue attached to a result.
type Warning struct {
	Category WarningCategory `json:"category"`
	Message  string          `json:"message"`
}

func (w Warning) String() string {
	return fmt.Sprintf("[%s] %s", w.Category, w.Message)
}

// WarningRecord collects warnings emitted during a computation, in order.
// A record belongs to a single computation; it is not safe for concurrent
// writers. Parallel work should use one record per unit and merge.
type WarningRecord struct {
	warnings []Warning
}

func NewWarningRecord() *WarningRecord {
	return &WarningRecord{}
}

// Add appends a warning to the record.
func (r *WarningRecord) Add(category WarningCategory, message string) {
	if r == nil {
		return
	}
	r.warnings = append(r.warnings, Warning{Category: category, Message: message})
}

// Addf appends a formatted warning to the record.
func (r *WarningRecord) Addf(category WarningCategory, format string, args ...any) {
	r.Add(category, fmt.Sprintf(format, args...))
}

// Merge appends all warnings from another record.
func (r *WarningRecord) Merge(other *WarningRecord) {
	if r == nil || other == nil {
		return
	}
	r.warnings = append(r.warnings, other.warnings...)
}

// Warnings returns a copy of the collected warnings.
func (r *WarningRecord) Warnings() []Warning {
	if r == nil || len(r.warnings) == 0 {
		return nil
	}
	out := make([]Warning, len(r.warnings))
	copy(out, r.warnings)
	return out
}

// HasCategory reports whether any warning of the given category was recorded.
func (r *WarningRecord) HasCategory(category WarningCategory) bool {
	if r == nil {
		return false
	}
	for _, w := range r.warnings {
		if w.Category == category {
			return true
		}
	}
	return false
}

// Len returns the number of recorded warnings.
func (r *WarningRecord) Len() int {
	if r == nil {
		return 0
	}
	return len(r.warnings)
}
