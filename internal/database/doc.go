// Package database manages the PostgreSQL connection pool and schema used to
// persist the merged movement feed and balance snapshots.
//
// Storage is optional: when database.postgres.host is unset the engine runs
// purely in memory.
package database
