// Package feed wires the statement aggregators, the merger and a realtime
// subscription into one per-account session that a UI or HTTP layer binds to.
package feed
