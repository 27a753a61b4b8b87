// Package api provides the HTTP client for the banking backend's statement
// endpoints.
//
// Each upstream provider is exposed under its own path prefix:
//   - P1: GET /p1/accounts/{account}/statement (single cursor)
//   - P2: GET /p2/accounts/{account}/transactions (single cursor)
//   - P3: GET /p3/accounts/{account}/statement (per-direction markers)
//
// Response items are kept as json.RawMessage; field-level normalization
// belongs to the provider adapters.
package api
