package model

import "time"

// Filters restricts a statement to a date range. Zero bounds are open.
// Both bounds are inclusive.
type Filters struct {
	DateFrom time.Time
	DateTo   time.Time
}

// Contains reports whether t falls inside the range.
func (f Filters) Contains(t time.Time) bool {
	if !f.DateFrom.IsZero() && t.Before(f.DateFrom) {
		return false
	}
	if !f.DateTo.IsZero() && t.After(f.DateTo) {
		return false
	}
	return true
}

// Key identifies the filter set; pages fetched under different keys are never mixed.
func (f Filters) Key() string {
	return formatBound(f.DateFrom) + ".." + formatBound(f.DateTo)
}

func formatBound(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
