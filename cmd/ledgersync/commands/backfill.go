package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pixdesk/ledgersync/internal/checkpoint"
	"github.com/pixdesk/ledgersync/internal/database"
	"github.com/pixdesk/ledgersync/internal/model"
	"github.com/pixdesk/ledgersync/internal/provider"
	"github.com/pixdesk/ledgersync/internal/statement"
	"github.com/pixdesk/ledgersync/internal/writer"
)

type backfillOptions struct {
	accounts []string
	provider string
	reset    bool
	maxPages int
}

func backfillCmd() *cobra.Command {
	var opts backfillOptions
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Page full statement history into Postgres, resuming from checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfill(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.accounts, "account", nil, "accounts to backfill (default all)")
	cmd.Flags().StringVar(&opts.provider, "provider", "", "restrict to one provider")
	cmd.Flags().BoolVar(&opts.reset, "reset", false, "discard saved checkpoints and start from the newest page")
	cmd.Flags().IntVar(&opts.maxPages, "max-pages", 0, "stop each walk after this many pages (0 = no limit)")
	return cmd
}

func runBackfill(parent context.Context, opts backfillOptions) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if !cfg.Database.Enabled() {
		return errors.New("backfill needs database.postgres configured")
	}
	var only model.Provider
	if opts.provider != "" {
		p, err := model.ParseProvider(opts.provider)
		if err != nil {
			return err
		}
		only = p
	}

	store, err := checkpoint.Open(cfg.Checkpoint.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	pool, err := database.Open(ctx, cfg.Database.Postgres)
	if err != nil {
		return err
	}
	defer pool.Close()

	client, err := newAPIClient(cfg)
	if err != nil {
		return err
	}

	// Pages are written synchronously so a checkpoint never runs ahead of
	// what Postgres has committed.
	mw := writer.NewMovementWriter(writer.WriterConfig{BatchSize: cfg.Writer.BatchSize}, nil, pool, logger)
	defer func() {
		stats := mw.Stats()
		logger.Info("backfill writer totals",
			"inserts", stats.Inserts,
			"updates", stats.Updates,
			"kept", stats.Kept,
			"errors", stats.Errors,
		)
	}()

	want := make(map[string]bool, len(opts.accounts))
	for _, id := range opts.accounts {
		want[id] = true
	}

	var errs []error
	for _, acc := range cfg.Accounts {
		if len(want) > 0 && !want[acc.ID] {
			continue
		}
		if opts.reset {
			n, err := store.Reset(ctx, acc.ID)
			if err != nil {
				return err
			}
			logger.Info("checkpoints reset", "account", acc.ID, "removed", n)
		}

		adapters, err := newAdapters(cfg, client, acc)
		if err != nil {
			return fmt.Errorf("account %s: %w", acc.ID, err)
		}
		filters, err := acc.Filters()
		if err != nil {
			return fmt.Errorf("account %s: %w", acc.ID, err)
		}
		for _, ad := range adapters {
			if only != "" && ad.Provider() != only {
				continue
			}
			walk := backfillWalk{
				store:    store,
				sink:     mw,
				pageSize: cfg.Statement.PageSize,
				maxPages: opts.maxPages,
				logger:   logger,
			}
			if err := walk.run(ctx, ad, acc.ID, filters); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Error("backfill failed", "account", acc.ID, "provider", ad.Provider(), "error", err)
				errs = append(errs, fmt.Errorf("%s/%s: %w", acc.ID, ad.Provider(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// movementSink stores a page of records and returns once they are committed.
type movementSink interface {
	Write(ctx context.Context, records []writer.Record) error
}

type backfillWalk struct {
	store    *checkpoint.Store
	sink     movementSink
	pageSize int
	maxPages int
	logger   *slog.Logger
}

// run walks one provider chain. Each page is committed to the sink before
// its cursor is checkpointed, so a failed write or a crash resumes at the
// first page that was not stored.
func (b backfillWalk) run(ctx context.Context, ad provider.Adapter, accountID string, filters model.Filters) error {
	p := ad.Provider()
	log := b.logger.With("account", accountID, "provider", p)

	agg := statement.New(ad, filters, statement.Config{PageSize: b.pageSize}, b.logger)
	defer agg.Close()

	cp, ok, err := b.store.Get(ctx, accountID, p, filters.Key())
	if err != nil {
		return err
	}
	if ok && cp.Done {
		log.Info("already complete", "pages", cp.Pages)
		return nil
	}
	if ok && cp.Cursor != nil {
		if err := agg.Resume(cp.Cursor); err != nil {
			return err
		}
		log.Info("resuming", "pages", cp.Pages)
	}

	start := time.Now()
	pages, items := 0, 0
	for agg.HasMore() {
		if b.maxPages > 0 && pages >= b.maxPages {
			log.Info("page limit reached", "pages", pages)
			break
		}
		page, err := agg.LoadNext(ctx)
		if err != nil {
			return err
		}
		records := make([]writer.Record, len(page.Items))
		for i, mv := range page.Items {
			records[i] = writer.Record{AccountID: accountID, Movement: mv}
		}
		if err := b.sink.Write(ctx, records); err != nil {
			return fmt.Errorf("page %d not stored, checkpoint left in place: %w", pages+1, err)
		}
		if err := b.store.Save(ctx, accountID, p, filters.Key(), page.NextCursor); err != nil {
			return err
		}
		pages++
		items += len(page.Items)
		log.Debug("page stored", "items", len(page.Items), "has_more", page.HasMore)
	}

	log.Info("backfill walk finished",
		"pages", pages,
		"items", items,
		"duration", time.Since(start),
	)
	return nil
}
