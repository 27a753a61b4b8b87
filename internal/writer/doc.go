// Package writer persists the merged movement feed to PostgreSQL.
//
// A Mirror diffs successive feed snapshots per account and enqueues only the
// rows that changed. MovementWriter drains that queue in batches and upserts
// into the movements table keyed by (account_id, merge_key). A polled row
// overwrites a pushed row; a pushed row never overwrites a polled one.
package writer
