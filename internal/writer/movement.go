package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixdesk/ledgersync/internal/router"
)

const upsertMovementSQL = `
	INSERT INTO movements (
		account_id, merge_key, provider, movement_id, occurred_at, direction,
		amount, amount_minor, currency, status, end_to_end_id, transaction_id,
		description, counterparty, source, raw
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	ON CONFLICT (account_id, merge_key) DO UPDATE SET
		provider = EXCLUDED.provider,
		movement_id = EXCLUDED.movement_id,
		occurred_at = EXCLUDED.occurred_at,
		direction = EXCLUDED.direction,
		amount = EXCLUDED.amount,
		amount_minor = EXCLUDED.amount_minor,
		currency = EXCLUDED.currency,
		status = EXCLUDED.status,
		end_to_end_id = EXCLUDED.end_to_end_id,
		transaction_id = EXCLUDED.transaction_id,
		description = EXCLUDED.description,
		counterparty = EXCLUDED.counterparty,
		source = EXCLUDED.source,
		raw = EXCLUDED.raw,
		updated_at = now()
	WHERE movements.source = 'push' OR EXCLUDED.source = 'poll'
	RETURNING (xmax = 0) AS inserted
`

const deleteMovementSQL = `DELETE FROM movements WHERE account_id = $1 AND merge_key = $2`

// Execer is the subset of a pgx pool the writer needs.
type Execer interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

var _ Execer = (*pgxpool.Pool)(nil)

// MovementWriter consumes Records from a buffer and upserts them into the
// movements table.
type MovementWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	// Input from the Mirror
	input *router.GrowableBuffer[Record]

	// Database
	db Execer

	// Batching
	batch       []movementRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics WriterMetrics
}

// NewMovementWriter creates a new MovementWriter.
func NewMovementWriter(
	cfg WriterConfig,
	input *router.GrowableBuffer[Record],
	db Execer,
	logger *slog.Logger,
) *MovementWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultWriterConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultWriterConfig().FlushInterval
	}
	return &MovementWriter{
		cfg:    cfg,
		input:  input,
		db:     db,
		logger: logger.With("component", "movement_writer"),
		batch:  make([]movementRow, 0, cfg.BatchSize),
		ctx:    context.Background(),
	}
}

// Start begins consuming records and writing to the database.
func (w *MovementWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	// Consumer goroutine
	w.wg.Add(1)
	go w.consumeLoop()

	// Flush ticker goroutine
	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("movement writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the writer. Records still queued in the input
// buffer are drained and written before returning.
func (w *MovementWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping movement writer")

	if w.cancel != nil {
		w.cancel()
	}

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("movement writer stopped")
	case <-ctx.Done():
		w.logger.Warn("movement writer stop timed out")
	}

	if w.input != nil {
		for _, r := range w.input.DrainTo(0) {
			w.add(r)
		}
	}

	// Final flush uses the caller's context; ours is already cancelled.
	w.flushWith(ctx)

	return nil
}

// Stats returns current metrics.
func (w *MovementWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop reads from the input buffer and accumulates batches.
func (w *MovementWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			r, ok := w.input.TryReceive()
			if !ok {
				// Buffer empty, wait a bit before trying again
				select {
				case <-w.ctx.Done():
					return
				case <-time.After(10 * time.Millisecond):
					continue
				}
			}

			if w.add(r) {
				w.flush()
			}
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *MovementWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush()
		}
	}
}

// add transforms a record into the batch and reports whether it is full.
func (w *MovementWriter) add(r Record) bool {
	row := toRow(r)
	if row.MergeKey == "" {
		w.logger.Warn("dropping movement without merge key", "account", r.AccountID)
		return false
	}

	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, row)
	return len(w.batch) >= w.cfg.BatchSize
}

// Write upserts records as one batch and returns once the batch has
// committed. Callers that must not run ahead of the database use it
// instead of the input buffer.
func (w *MovementWriter) Write(ctx context.Context, records []Record) error {
	rows := make([]movementRow, 0, len(records))
	for _, r := range records {
		if row := toRow(r); row.MergeKey != "" {
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		return nil
	}

	res, err := w.batchUpsert(ctx, rows)
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	if err != nil {
		w.metrics.Errors++
		return fmt.Errorf("write %d movements: %w", len(rows), err)
	}
	w.record(res)
	return nil
}

// record adds a committed batch to the metrics. Caller holds batchMu.
func (w *MovementWriter) record(res upsertResult) {
	w.metrics.Inserts += res.inserts
	w.metrics.Updates += res.updates
	w.metrics.Kept += res.kept
	w.metrics.Replaced += res.replaced
	w.metrics.Flushes++
}

func (w *MovementWriter) flush() {
	w.flushWith(w.ctx)
}

// flushWith writes the current batch to the database.
func (w *MovementWriter) flushWith(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]movementRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	res, err := w.batchUpsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch upsert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.record(res)
	w.batchMu.Unlock()

	w.logger.Debug("flushed movements",
		"count", len(batch),
		"inserts", res.inserts,
		"updates", res.updates,
		"kept", res.kept,
		"duration", time.Since(start),
	)
}

type upsertResult struct {
	inserts, updates, kept, replaced int64
}

// batchUpsert sends one pgx.Batch holding a delete for every replaced key
// followed by the upsert. Rows are applied in queue order, and the batch
// commits as one implicit transaction when its results are closed.
func (w *MovementWriter) batchUpsert(ctx context.Context, rows []movementRow) (res upsertResult, err error) {
	if w.db == nil {
		return res, errors.New("no database")
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		if r.Replaces != "" && r.Replaces != r.MergeKey {
			batch.Queue(deleteMovementSQL, r.AccountID, r.Replaces)
		}
		batch.Queue(upsertMovementSQL,
			r.AccountID, r.MergeKey, r.Provider, r.MovementID, r.OccurredAt, r.Direction,
			r.Amount, r.AmountMinor, r.Currency, r.Status, r.EndToEndID, r.TransactionID,
			r.Description, r.Counterparty, r.Source, r.Raw,
		)
	}

	results := w.db.SendBatch(ctx, batch)
	defer func() {
		if cerr := results.Close(); err == nil {
			err = cerr
		}
	}()

	for _, r := range rows {
		if r.Replaces != "" && r.Replaces != r.MergeKey {
			ct, err := results.Exec()
			if err != nil {
				return res, err
			}
			res.replaced += ct.RowsAffected()
		}

		var inserted bool
		err := results.QueryRow().Scan(&inserted)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			res.kept++
		case err != nil:
			return res, err
		case inserted:
			res.inserts++
		default:
			res.updates++
		}
	}

	return res, nil
}
