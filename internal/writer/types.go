package writer

import (
	"time"

	"github.com/pixdesk/ledgersync/internal/model"
)

// WriterConfig contains configuration for batch writers.
type WriterConfig struct {
	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     500,
		FlushInterval: time.Second,
	}
}

// Record is one queued feed change.
type Record struct {
	AccountID string
	Movement  model.Movement

	// Replaces is a merge key previously written for the same event that is
	// no longer its primary key. The old row is deleted in the same batch.
	Replaces string
}

// movementRow represents a row to be upserted into the movements table.
type movementRow struct {
	AccountID     string
	MergeKey      string
	Provider      string
	MovementID    string
	OccurredAt    time.Time
	Direction     string
	Amount        string // Decimal text, NUMERIC column
	AmountMinor   int64  // Signed, smallest currency unit
	Currency      string
	Status        string
	EndToEndID    string
	TransactionID string
	Description   string
	Counterparty  []byte // JSONB, nil when absent
	Source        string
	Raw           []byte // JSONB, nil when absent
	Replaces      string
}

// WriterMetrics holds metrics for a writer.
type WriterMetrics struct {
	Inserts  int64
	Updates  int64
	Kept     int64 // Pushed rows rejected because a polled row exists
	Replaced int64
	Errors   int64
	Flushes  int64
}
