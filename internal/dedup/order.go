package dedup

import (
	"slices"

	"github.com/pixdesk/ledgersync/internal/model"
)

// Newer orders movements by OccurredAt descending. Ties break on the primary
// key so the order is total and stable across refetches.
func Newer(a, b model.Movement) bool {
	if !a.OccurredAt.Equal(b.OccurredAt) {
		return a.OccurredAt.After(b.OccurredAt)
	}
	return Key(a) < Key(b)
}

// SortNewestFirst sorts items in place, newest first.
func SortNewestFirst(items []model.Movement) {
	slices.SortStableFunc(items, func(a, b model.Movement) int {
		switch {
		case Newer(a, b):
			return -1
		case Newer(b, a):
			return 1
		}
		return 0
	})
}

// IsSortedNewestFirst reports whether items respect the feed order.
func IsSortedNewestFirst(items []model.Movement) bool {
	for i := 1; i < len(items); i++ {
		if Newer(items[i], items[i-1]) {
			return false
		}
	}
	return true
}
