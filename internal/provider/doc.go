// Package provider adapts each upstream statement API to a common page
// contract.
//
// An Adapter is bound to one provider and one account. FetchPage requests a
// page newest-first, normalizes every raw record into a model.Movement and
// returns the page sorted by OccurredAt descending together with the cursor
// for the next page. Normalize is pure and tolerant: a malformed record still
// yields a Movement, so one bad row never aborts a page.
//
// Provider quirks handled here:
//
//   - P1 derives direction from a settlement-type field.
//   - P2 derives direction from the sign of its amount and splits the
//     timestamp across date and time fields.
//   - P3 pages inbound and outbound movements as two independent marker
//     streams, reports amounts in minor units and may ignore date filters,
//     so the date range is always enforced client-side.
//
// Errors are classified into ProviderError, NetworkError and TimeoutError.
package provider
