package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pixdesk/ledgersync/internal/connection"
	"github.com/pixdesk/ledgersync/internal/model"
	"github.com/pixdesk/ledgersync/internal/provider"
	"github.com/pixdesk/ledgersync/internal/reconcile"
	"github.com/pixdesk/ledgersync/internal/router"
	"github.com/pixdesk/ledgersync/internal/statement"
)

var (
	// ErrUnknownProvider is returned for a provider the session was not built with.
	ErrUnknownProvider = errors.New("provider not configured for session")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")
)

// Config holds session settings.
type Config struct {
	AccountID    string
	Filters      model.Filters
	PageSize     int
	Subscription *router.Subscription // nil disables live events
	Reconcile    reconcile.Config
}

// Status is the degraded-mode signal a consumer renders.
type Status struct {
	RealTime bool             // channel Connected
	State    connection.State // channel state; Disconnected without a channel
	Stale    bool             // a page fetch failed; LoadMore may be retried
	HasMore  map[model.Provider]bool
}

// Subscriber is the live event source. *router.Router satisfies it.
type Subscriber interface {
	Subscribe(sub router.Subscription) (*router.Subscriber, error)
}

// StateSource reports channel state. *connection.Channel satisfies it.
type StateSource interface {
	State() connection.State
	OnStateChange(fn func(connection.State)) func()
}

// Session is the merged view of one account.
type Session struct {
	cfg    Config
	logger *slog.Logger

	aggs   map[model.Provider]*statement.Aggregator
	order  []model.Provider
	merger *reconcile.Merger

	events   Subscriber
	channel  StateSource
	liveSub  *router.Subscriber
	unsubs   []func()
	wg       sync.WaitGroup
	stopOnce sync.Once

	// switchMu is held exclusively while filters switch so the merger
	// generation read under it always matches the aggregators' filters.
	switchMu sync.RWMutex

	mu        sync.Mutex
	filters   model.Filters
	balances  *model.BalanceSnapshot
	closed    bool
	listeners map[int]func()
	nextID    int
}

// New builds a session over adapters. events and channel may be nil for a
// poll-only session.
func New(cfg Config, adapters []provider.Adapter, events Subscriber, channel StateSource, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(adapters) == 0 {
		return nil, errors.New("session needs at least one provider")
	}

	s := &Session{
		cfg:       cfg,
		logger:    logger.With("component", "feed", "account", cfg.AccountID),
		aggs:      make(map[model.Provider]*statement.Aggregator, len(adapters)),
		events:    events,
		channel:   channel,
		filters:   cfg.Filters,
		listeners: make(map[int]func()),
	}

	refreshers := make([]reconcile.Refresher, 0, len(adapters))
	for _, ad := range adapters {
		p := ad.Provider()
		if _, dup := s.aggs[p]; dup {
			return nil, fmt.Errorf("duplicate provider %s", p)
		}
		agg := statement.New(ad, cfg.Filters, statement.Config{PageSize: cfg.PageSize}, logger)
		s.aggs[p] = agg
		s.order = append(s.order, p)
		refreshers = append(refreshers, agg)
	}
	s.merger = reconcile.NewMerger(cfg.Reconcile, refreshers, logger)

	s.unsubs = append(s.unsubs, s.merger.Subscribe(s.notify))
	for _, agg := range s.aggs {
		s.unsubs = append(s.unsubs, agg.Subscribe(s.notify))
	}
	if channel != nil {
		s.unsubs = append(s.unsubs, channel.OnStateChange(func(connection.State) { s.notify() }))
	}
	return s, nil
}

// AccountID returns the account this session tracks.
func (s *Session) AccountID() string { return s.cfg.AccountID }

// Providers returns the session's providers in configuration order.
func (s *Session) Providers() []model.Provider {
	return append([]model.Provider(nil), s.order...)
}

// Start subscribes to live events and loads the first page of every
// provider. Fetch failures are returned joined but leave the session usable.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	if s.events != nil && s.cfg.Subscription != nil && s.liveSub == nil {
		sub, err := s.events.Subscribe(*s.cfg.Subscription)
		if err != nil {
			return fmt.Errorf("subscribe live events: %w", err)
		}
		s.liveSub = sub
		s.wg.Add(1)
		go s.consume(sub)
	}

	return s.loadFirst(ctx)
}

func (s *Session) loadFirst(ctx context.Context) error {
	errs := make([]error, len(s.order))
	var g errgroup.Group
	for i, p := range s.order {
		g.Go(func() error {
			if _, err := s.LoadMore(ctx, p); err != nil {
				errs[i] = fmt.Errorf("%s: %w", p, err)
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

// LoadMore fetches the next page of p and merges it into the feed.
func (s *Session) LoadMore(ctx context.Context, p model.Provider) (model.Page, error) {
	agg, ok := s.aggs[p]
	if !ok {
		return model.Page{}, fmt.Errorf("%w: %s", ErrUnknownProvider, p)
	}
	gen := s.generation()
	page, err := agg.LoadNext(ctx)
	if err != nil {
		if !errors.Is(err, statement.ErrStaleKey) {
			s.logger.Warn("load more failed",
				"provider", p,
				"retryable", provider.Retryable(err),
				"error", err,
			)
		}
		return page, err
	}
	if !s.merger.ApplyPageAt(gen, page.Items) {
		s.resync(agg)
	}
	return page, nil
}

// generation returns the merger generation matching the current filters.
func (s *Session) generation() uint64 {
	s.switchMu.RLock()
	defer s.switchMu.RUnlock()
	return s.merger.Generation()
}

// resync merges everything agg holds under the current filters. It runs
// when a page was discarded because the filters changed mid-fetch: the
// aggregator may already have advanced past a page of the new filters.
func (s *Session) resync(agg *statement.Aggregator) {
	s.switchMu.RLock()
	gen := s.merger.Generation()
	items := agg.Items()
	s.switchMu.RUnlock()

	s.logger.Debug("page fetched under previous filters discarded",
		"provider", agg.Provider(),
		"resynced", len(items),
	)
	s.merger.ApplyPageAt(gen, items)
}

// RefreshHeads refetches every provider's newest page. The poller calls it
// while the channel is down so the feed keeps advancing.
func (s *Session) RefreshHeads(ctx context.Context) error {
	gen := s.generation()
	errs := make([]error, len(s.order))
	var g errgroup.Group
	for i, p := range s.order {
		agg := s.aggs[p]
		g.Go(func() error {
			page, err := agg.RefreshHead(ctx)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", p, err)
				return nil
			}
			s.merger.ApplyPageAt(gen, page.Items)
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

// SetFilters restarts every chain under new filters, clears the feed and
// reloads the first pages. Identical filters are a no-op.
func (s *Session) SetFilters(ctx context.Context, f model.Filters) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if f.Key() == s.filters.Key() {
		s.mu.Unlock()
		return nil
	}
	s.filters = f
	s.mu.Unlock()

	s.switchMu.Lock()
	for _, agg := range s.aggs {
		agg.SetFilters(f)
	}
	s.merger.Reset()
	s.switchMu.Unlock()
	s.logger.Info("filters changed", "filters", f.Key())

	return s.loadFirst(ctx)
}

// Filters returns the active filters.
func (s *Session) Filters() model.Filters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filters
}

// Feed returns the merged movements, newest first.
func (s *Session) Feed() []model.Movement {
	return s.merger.Feed()
}

// Balances returns the latest pushed balance snapshot, if any.
func (s *Session) Balances() (model.BalanceSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balances == nil {
		return model.BalanceSnapshot{}, false
	}
	return *s.balances, true
}

// Status reports real-time and staleness flags.
func (s *Session) Status() Status {
	st := Status{
		State:   connection.Disconnected,
		HasMore: make(map[model.Provider]bool, len(s.order)),
	}
	if s.channel != nil {
		st.State = s.channel.State()
		st.RealTime = st.State == connection.Connected
	}
	for p, agg := range s.aggs {
		st.HasMore[p] = agg.HasMore()
		if agg.Stale() {
			st.Stale = true
		}
	}
	return st
}

// Merger exposes the reconciliation counters.
func (s *Session) Merger() *reconcile.Merger { return s.merger }

// Cursors returns the last cursor of each provider chain, for checkpointing.
func (s *Session) Cursors() map[model.Provider]*model.Cursor {
	out := make(map[model.Provider]*model.Cursor, len(s.aggs))
	for p, agg := range s.aggs {
		out[p] = agg.Cursor()
	}
	return out
}

// OnChange registers fn to run after every feed, balance or status change.
func (s *Session) OnChange(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Session) notify() {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// consume applies live events until the subscriber closes.
func (s *Session) consume(sub *router.Subscriber) {
	defer s.wg.Done()
	for {
		ev, ok := sub.Receive()
		if !ok {
			return
		}
		s.handle(ev)
	}
}

func (s *Session) handle(ev router.Event) {
	if s.cfg.AccountID != "" && ev.AccountID != "" && ev.AccountID != s.cfg.AccountID {
		return
	}

	switch {
	case ev.Movement != nil:
		if !s.Filters().Contains(ev.Movement.OccurredAt) {
			s.logger.Debug("live movement outside filters", "id", ev.Movement.ID)
			return
		}
		s.merger.InsertLive(*ev.Movement, ev.Kind)

	case ev.Balance != nil:
		s.mu.Lock()
		if s.balances != nil && ev.Balance.At.Before(s.balances.At) {
			s.mu.Unlock()
			return
		}
		snap := *ev.Balance
		s.balances = &snap
		s.mu.Unlock()
		s.notify()
	}
}

// Close tears down the live subscription, pending re-validations and
// in-flight fetches.
func (s *Session) Close() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if s.liveSub != nil {
			s.liveSub.Close()
		}
		s.wg.Wait()

		for _, unsub := range s.unsubs {
			unsub()
		}
		s.merger.Close()
		for _, agg := range s.aggs {
			agg.Close()
		}

		s.mu.Lock()
		clear(s.listeners)
		s.mu.Unlock()
	})
}
