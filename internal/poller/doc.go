// Package poller keeps feeds advancing while the realtime channel is down.
//
// The Head Poller:
//   - Refreshes the newest page of every session on a fixed interval
//   - Skips cycles while the channel is Connected, unless configured to always poll
//   - Bounds concurrent refreshes across sessions
package poller
