// Package commands implements the ledgersync CLI.
//
//	ledgersync serve     run every configured account with live events and HTTP
//	ledgersync tail      print live events for one subscription
//	ledgersync backfill  page full history into Postgres, resumable
//	ledgersync checkpoints list or reset backfill progress
package commands
