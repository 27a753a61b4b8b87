// Package dedup derives merge keys for movements and indexes them.
//
// Two movements are the same event when they share a natural key:
//   - end-to-end id: "e2e:<id>"
//   - transaction id: "tx:<id>"
//
// When neither natural key exists, identity falls back to the provider-local
// id: "id:<provider>:<id>". Entries accumulate the union of every key they
// have been seen under, so a later record that carries only one of them still
// matches.
package dedup
