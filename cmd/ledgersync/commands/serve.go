package commands

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/pixdesk/ledgersync/internal/database"
	"github.com/pixdesk/ledgersync/internal/feed"
	"github.com/pixdesk/ledgersync/internal/poller"
	"github.com/pixdesk/ledgersync/internal/router"
	"github.com/pixdesk/ledgersync/internal/server"
	"github.com/pixdesk/ledgersync/internal/version"
	"github.com/pixdesk/ledgersync/internal/writer"
)

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Sync every configured account and serve the merged feeds over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return runServe(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override server.addr")
	return cmd
}

func runServe(parent context.Context) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting ledgersync",
		"version", version.Version,
		"instance_id", cfg.Instance.ID,
		"accounts", len(cfg.Accounts),
	)

	client, err := newAPIClient(cfg)
	if err != nil {
		return err
	}

	// A failed status check is logged, not fatal: the poller and LoadMore
	// recover once the backend answers.
	if status, err := client.GetStatus(ctx); err != nil {
		logger.Warn("backend status check failed", "error", err)
	} else {
		logger.Info("backend status", "status", status.Status, "providers", status.Providers)
	}

	rt, err := newRealtime(cfg)
	if err != nil {
		return err
	}

	sessions, err := newSessions(cfg, client, rt, nil)
	if err != nil {
		return err
	}

	// Persistence is optional.
	var pool *pgxpool.Pool
	var mw *writer.MovementWriter
	var persistWG sync.WaitGroup
	if cfg.Database.Enabled() {
		logger.Info("connecting to database",
			"host", cfg.Database.Postgres.Host,
			"port", cfg.Database.Postgres.Port,
			"database", cfg.Database.Postgres.Name,
		)
		pool, err = database.Open(ctx, cfg.Database.Postgres)
		if err != nil {
			return err
		}
		defer pool.Close()

		queue := router.NewGrowableBuffer[writer.Record](cfg.Writer.BufferSize)
		mw = writer.NewMovementWriter(writer.WriterConfig{
			BatchSize:     cfg.Writer.BatchSize,
			FlushInterval: cfg.Writer.FlushInterval,
		}, queue, pool, logger)
		if err := mw.Start(ctx); err != nil {
			return err
		}
		mirror := writer.NewMirror(queue)
		for _, s := range sessions {
			persistWG.Add(1)
			go func() {
				defer persistWG.Done()
				persistLoop(ctx, s, mirror, pool)
			}()
		}
	}

	if rt != nil {
		if err := rt.Start(ctx); err != nil {
			return err
		}
	}

	for _, s := range sessions {
		// First-page failures leave the session stale; the poller and
		// LoadMore retry later.
		if err := s.Start(ctx); err != nil {
			logger.Warn("initial load incomplete", "account", s.AccountID(), "error", err)
		}
	}

	targets := make([]poller.Target, len(sessions))
	for i, s := range sessions {
		targets[i] = s
	}
	var gate poller.Gate
	if rt != nil {
		gate = rt.channel
	}
	p := poller.New(poller.Config{
		Interval:    cfg.Poller.Interval,
		Concurrency: cfg.Poller.Concurrency,
		Timeout:     cfg.Poller.Timeout,
		Always:      cfg.Poller.Always,
	}, poller.TargetSourceFunc(func() []poller.Target { return targets }), gate, logger)
	if err := p.Start(ctx); err != nil {
		return err
	}

	accounts := make([]server.Account, len(sessions))
	for i, s := range sessions {
		accounts[i] = s
	}
	var db server.Pinger
	if pool != nil {
		db = pool
	}
	var states server.StateSource
	if rt != nil {
		states = rt.channel
	}
	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.New(accounts, db, states, logger).Handler(),
	}
	go func() {
		logger.Info("starting http server", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer shutdownCancel()

	srv.Shutdown(shutdownCtx)
	p.Stop(shutdownCtx)
	for _, s := range sessions {
		s.Close()
	}
	if rt != nil {
		rt.Stop(shutdownCtx)
	}
	if mw != nil {
		persistWG.Wait()
		mw.Stop(shutdownCtx)
		stats := mw.Stats()
		logger.Info("movement writer totals",
			"inserts", stats.Inserts,
			"updates", stats.Updates,
			"kept", stats.Kept,
			"errors", stats.Errors,
		)
	}

	logger.Info("ledgersync stopped")
	return nil
}

// persistLoop mirrors a session's feed and balances into Postgres. Change
// notifications are coalesced so a burst of page merges costs one diff.
func persistLoop(ctx context.Context, s *feed.Session, mirror *writer.Mirror, db writer.Querier) {
	changed := make(chan struct{}, 1)
	unsub := s.OnChange(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsub()

	var lastBalance int64
	for {
		select {
		case <-ctx.Done():
			mirror.Sync(s.AccountID(), s.Feed())
			return
		case <-changed:
		}

		mirror.Sync(s.AccountID(), s.Feed())

		snap, ok := s.Balances()
		if !ok {
			continue
		}
		if at := snap.At.UnixNano(); at > lastBalance {
			lastBalance = at
			if err := writer.SaveBalance(ctx, db, s.AccountID(), snap); err != nil {
				logger.Warn("save balance snapshot", "account", s.AccountID(), "error", err)
			}
		}
	}
}
