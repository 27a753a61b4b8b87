package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pixdesk/ledgersync/internal/dedup"
	"github.com/pixdesk/ledgersync/internal/model"
	"github.com/pixdesk/ledgersync/internal/router"
	"github.com/pixdesk/ledgersync/internal/statement"
)

// Refresher refetches a provider's newest page. *statement.Aggregator
// satisfies it.
type Refresher interface {
	Provider() model.Provider
	RefreshHead(ctx context.Context) (model.Page, error)
}

// Config holds the re-validation delays per push event kind.
type Config struct {
	DepositDelay     time.Duration // Default: 500ms
	TransactionDelay time.Duration // Default: 1s
	WithdrawalDelay  time.Duration // Default: 2s
	Retries          int           // Re-validation retries after a failure. Default: 1
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		DepositDelay:     500 * time.Millisecond,
		TransactionDelay: time.Second,
		WithdrawalDelay:  2 * time.Second,
		Retries:          1,
	}
}

// Delay returns the re-validation delay for kind.
func (c Config) Delay(kind router.EventKind) time.Duration {
	switch kind {
	case router.EventDepositProcessed:
		return c.DepositDelay
	case router.EventWithdrawalCompleted:
		return c.WithdrawalDelay
	}
	return c.TransactionDelay
}

// Stats contains merger counters.
type Stats struct {
	Entries       int
	Pending       int // push entries not yet confirmed by a poll
	Mismatches    int64
	Revalidations int64
	Failures      int64
}

type entry struct {
	mv   model.Movement
	keys []string

	task    *ScheduledTask
	version int // bumped by every push for this entry
}

// Merger owns the merged feed.
type Merger struct {
	cfg    Config
	logger *slog.Logger
	sched  *Scheduler

	mu         sync.Mutex
	entries    []*entry // newest first
	index      *dedup.Index[*entry]
	refreshers map[model.Provider]Refresher
	order      []model.Provider
	closed     bool
	gen        uint64 // advanced by Reset

	mismatches    int64
	revalidations int64
	failures      int64

	listeners map[int]func()
	nextID    int
}

// NewMerger creates a merger re-validating against refreshers.
func NewMerger(cfg Config, refreshers []Refresher, logger *slog.Logger) *Merger {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.DepositDelay <= 0 {
		cfg.DepositDelay = def.DepositDelay
	}
	if cfg.TransactionDelay <= 0 {
		cfg.TransactionDelay = def.TransactionDelay
	}
	if cfg.WithdrawalDelay <= 0 {
		cfg.WithdrawalDelay = def.WithdrawalDelay
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}

	m := &Merger{
		cfg:        cfg,
		logger:     logger.With("component", "merger"),
		sched:      NewScheduler(context.Background()),
		index:      dedup.NewIndex[*entry](),
		refreshers: make(map[model.Provider]Refresher, len(refreshers)),
		listeners:  make(map[int]func()),
	}
	for _, r := range refreshers {
		p := r.Provider()
		if _, dup := m.refreshers[p]; !dup {
			m.order = append(m.order, p)
		}
		m.refreshers[p] = r
	}
	return m
}

// Feed returns a copy of the merged feed, newest first.
func (m *Merger) Feed() []model.Movement {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Movement, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.mv
	}
	return out
}

// Len returns the number of distinct movements in the feed.
func (m *Merger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Stats returns current counters.
func (m *Merger) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := 0
	for _, e := range m.entries {
		if e.mv.Source == model.SourcePush {
			pending++
		}
	}
	return Stats{
		Entries:       len(m.entries),
		Pending:       pending,
		Mismatches:    m.mismatches,
		Revalidations: m.revalidations,
		Failures:      m.failures,
	}
}

// Subscribe registers fn to run after every feed change.
// The returned function unregisters it.
func (m *Merger) Subscribe(fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Merger) notify() {
	m.mu.Lock()
	fns := make([]func(), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Generation identifies the current feed. Read it before fetching a page
// and pass it to ApplyPageAt so a Reset in between discards the page.
func (m *Merger) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// ApplyPage merges polled movements into the current feed. A polled record
// replaces any pushed record of the same event and cancels its pending
// re-validation.
func (m *Merger) ApplyPage(items []model.Movement) {
	m.applyPage(0, false, items)
}

// ApplyPageAt merges items only if the feed has not been reset since gen.
// It reports whether the page was accepted.
func (m *Merger) ApplyPageAt(gen uint64, items []model.Movement) bool {
	return m.applyPage(gen, true, items)
}

func (m *Merger) applyPage(gen uint64, checkGen bool, items []model.Movement) bool {
	m.mu.Lock()
	if m.closed || (checkGen && gen != m.gen) {
		m.mu.Unlock()
		return false
	}
	if len(items) == 0 {
		m.mu.Unlock()
		return true
	}
	for _, mv := range items {
		m.upsertLocked(mv)
	}
	m.sortLocked()
	m.mu.Unlock()

	m.notify()
	return true
}

// InsertLive inserts a push movement at its sorted position and schedules
// its re-validation. A newer push for the same event supersedes the
// earlier re-validation.
func (m *Merger) InsertLive(mv model.Movement, kind router.EventKind) {
	mv.Source = model.SourcePush

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	e := m.upsertLocked(mv)
	m.sortLocked()
	e.version++
	if e.task != nil {
		e.task.Cancel()
	}
	e.task = m.scheduleLocked(e, e.version, mv.Provider, m.cfg.Delay(kind), 0)
	m.mu.Unlock()

	m.logger.Debug("live movement inserted",
		"key", dedup.Key(mv),
		"kind", kind,
		"provider", mv.Provider,
	)
	m.notify()
}

// upsertLocked merges mv into the feed and returns its entry. Entries that
// mv proves to be the same event are collapsed into one.
func (m *Merger) upsertLocked(mv model.Movement) *entry {
	keys := dedup.Keys(mv)

	var matches []*entry
	for _, k := range keys {
		if e, ok := m.index.Lookup([]string{k}); ok && !slices.Contains(matches, e) {
			matches = append(matches, e)
		}
	}

	if len(matches) == 0 {
		e := &entry{mv: mv, keys: keys}
		m.entries = append(m.entries, e)
		m.index.Put(keys, e)
		return e
	}

	e := matches[0]
	for _, other := range matches[1:] {
		m.absorbLocked(e, other)
	}

	switch {
	case mv.Source == model.SourcePoll:
		if e.mv.Source == model.SourcePush {
			if e.mv.Differs(mv) {
				m.mismatches++
				m.logger.Warn("reconciliation mismatch",
					"key", dedup.Key(mv),
					"provider", mv.Provider,
					"pushed_amount", e.mv.Amount.String(),
					"polled_amount", mv.Amount.String(),
					"pushed_status", e.mv.Status,
					"polled_status", mv.Status,
				)
			}
			if e.task != nil {
				e.task.Cancel()
				e.task = nil
			}
		}
		e.mv = mv
	case e.mv.Source == model.SourcePush:
		e.mv = mv
	default:
		// Polled record already present; the push only triggers re-validation.
	}

	e.keys = dedup.Union(e.keys, keys)
	m.index.Put(e.keys, e)
	return e
}

// absorbLocked folds other into e and removes it from the feed.
func (m *Merger) absorbLocked(e, other *entry) {
	if other.task != nil {
		other.task.Cancel()
		other.task = nil
	}
	if e.mv.Source == model.SourcePush && other.mv.Source == model.SourcePoll {
		e.mv = other.mv
	}
	m.index.Delete(other.keys, other)
	e.keys = dedup.Union(e.keys, other.keys)
	m.entries = slices.DeleteFunc(m.entries, func(x *entry) bool { return x == other })
}

func (m *Merger) sortLocked() {
	slices.SortStableFunc(m.entries, func(a, b *entry) int {
		switch {
		case dedup.Newer(a.mv, b.mv):
			return -1
		case dedup.Newer(b.mv, a.mv):
			return 1
		}
		return 0
	})
}

func (m *Merger) scheduleLocked(e *entry, version int, p model.Provider, delay time.Duration, attempt int) *ScheduledTask {
	return m.sched.After(delay, func(ctx context.Context) {
		m.revalidate(ctx, e, version, p, delay, attempt)
	})
}

// targets returns the refreshers a push for p must re-validate against,
// along with the feed generation they are fetched for.
func (m *Merger) targets(p model.Provider) ([]Refresher, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.refreshers[p]; ok {
		return []Refresher{r}, m.gen
	}
	out := make([]Refresher, 0, len(m.order))
	for _, prov := range m.order {
		out = append(out, m.refreshers[prov])
	}
	return out, m.gen
}

func (m *Merger) revalidate(ctx context.Context, e *entry, version int, p model.Provider, delay time.Duration, attempt int) {
	targets, gen := m.targets(p)

	pages := make([][]model.Movement, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range targets {
		g.Go(func() error {
			page, err := r.RefreshHead(gctx)
			if err != nil {
				return err
			}
			pages[i] = page.Items
			return nil
		})
	}
	err := g.Wait()

	// Cancelled by Reset, Close or a newer push: whatever arrived belongs
	// to a feed that no longer exists or to a superseded task.
	if ctx.Err() != nil {
		return
	}

	// Pages that did arrive are applied even if a sibling failed.
	for _, items := range pages {
		m.ApplyPageAt(gen, items)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.revalidations++

	if err == nil {
		if e.version == version {
			e.task = nil
		}
		return
	}

	m.failures++
	if m.closed || e.version != version || errors.Is(err, statement.ErrClosed) {
		return
	}
	if e.mv.Source != model.SourcePush || attempt >= m.cfg.Retries {
		m.logger.Warn("re-validation failed",
			"key", dedup.Key(e.mv),
			"provider", p,
			"attempt", attempt+1,
			"error", err,
		)
		e.task = nil
		return
	}

	m.logger.Debug("re-validation failed, retrying",
		"key", dedup.Key(e.mv),
		"provider", p,
		"error", err,
	)
	e.task = m.scheduleLocked(e, version, p, delay, attempt+1)
}

// Reset clears the feed and cancels every pending re-validation.
func (m *Merger) Reset() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.entries = nil
	m.index.Reset()
	m.gen++
	m.mu.Unlock()

	m.sched.CancelAll()
	m.notify()
}

// Close cancels every pending re-validation and waits for running ones.
func (m *Merger) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	clear(m.listeners)
	m.mu.Unlock()

	m.sched.Close()
}
