// Package statement turns a provider adapter into a lazy, restartable
// sequence of pages for one (provider, filters) key.
//
// An Aggregator owns the cursor chain and the accumulated movement list.
// LoadNext calls are strictly sequential: concurrent callers share the single
// in-flight fetch. Changing filters or provider starts a new generation; a
// fetch that was in flight for the old generation is cancelled and its result
// discarded. A failed fetch leaves accumulated pages intact and marks the
// aggregator stale until the next successful fetch.
package statement
