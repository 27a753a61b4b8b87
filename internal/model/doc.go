// Package model defines shared data types used across the ledger sync engine.
//
// Conventions:
//   - Amounts: shopspring decimal, always non-negative; the sign lives in Direction
//   - Timestamps: time.Time in UTC
//   - Providers: lowercase tags ("p1", "p2", "p3"), never inferred from payload shape
//   - Cursors: only ever handed back to the provider that issued them
package model
