// Package reconcile merges polled statement pages and live push movements
// into one deduplicated feed, newest first.
//
// Push movements are inserted optimistically and re-validated after a short
// per-kind delay by refreshing the head page of the provider that produced
// them. The polled record always wins; disagreements are logged as
// reconciliation mismatches.
package reconcile
