package statement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/pixdesk/ledgersync/internal/dedup"
	"github.com/pixdesk/ledgersync/internal/model"
	"github.com/pixdesk/ledgersync/internal/provider"
)

var (
	// ErrStaleKey is returned to callers whose fetch belonged to filters or a
	// provider that has since been replaced.
	ErrStaleKey = errors.New("statement key changed during fetch")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("aggregator closed")
)

// Config holds aggregator settings.
type Config struct {
	PageSize int
}

// Aggregator drives sequential page fetches for one adapter and filter set.
type Aggregator struct {
	logger   *slog.Logger
	pageSize int
	group    singleflight.Group

	// fetchMu serializes network calls of LoadNext and RefreshHead.
	fetchMu sync.Mutex

	mu        sync.Mutex
	adapter   provider.Adapter
	filters   model.Filters
	gen       uint64
	genCtx    context.Context
	genCancel context.CancelFunc
	closed    bool

	cursor   *model.Cursor
	hasMore  bool
	started  bool
	consumed map[string]struct{}
	items    []model.Movement
	err      error

	listeners map[int]func()
	nextID    int
}

// New creates an aggregator. No fetch happens until LoadNext.
func New(adapter provider.Adapter, filters model.Filters, cfg Config, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Aggregator{
		logger:    logger.With("component", "statement"),
		pageSize:  cfg.PageSize,
		listeners: make(map[int]func()),
	}
	a.resetLocked(adapter, filters)
	return a
}

// resetLocked starts a new generation. Caller holds mu or owns a exclusively.
func (a *Aggregator) resetLocked(adapter provider.Adapter, filters model.Filters) {
	if a.genCancel != nil {
		a.genCancel()
	}
	a.gen++
	a.genCtx, a.genCancel = context.WithCancel(context.Background())
	a.adapter = adapter
	a.filters = filters
	a.cursor = nil
	a.hasMore = true
	a.started = false
	a.consumed = make(map[string]struct{})
	a.items = nil
	a.err = nil
}

// Provider returns the current adapter's provider.
func (a *Aggregator) Provider() model.Provider {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.adapter.Provider()
}

// Filters returns the current filter set.
func (a *Aggregator) Filters() model.Filters {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.filters
}

// HasMore reports whether LoadNext can return further pages.
func (a *Aggregator) HasMore() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hasMore
}

// Items returns a copy of the accumulated movements, newest first.
func (a *Aggregator) Items() []model.Movement {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.Movement, len(a.items))
	copy(out, a.items)
	return out
}

// Stale reports whether the last fetch failed. Accumulated items are still
// valid; a retry is available through LoadNext.
func (a *Aggregator) Stale() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err != nil
}

// Err returns the error of the last failed fetch, if any.
func (a *Aggregator) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Cursor returns the cursor the next LoadNext will use.
func (a *Aggregator) Cursor() *model.Cursor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cursor
}

// Resume continues an existing chain from cursor, skipping pages already
// persisted elsewhere. It only applies before the first fetch.
func (a *Aggregator) Resume(cursor *model.Cursor) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("resume: chain already started")
	}
	if err := cursor.Check(a.adapter.Provider()); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	a.cursor = cursor
	a.hasMore = true
	a.started = cursor != nil
	return nil
}

// Subscribe registers fn to run after every state change. The returned func
// removes it.
func (a *Aggregator) Subscribe(fn func()) func() {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

func (a *Aggregator) notify() {
	a.mu.Lock()
	fns := make([]func(), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// LoadNext fetches the page after the last cursor and appends it. When no
// further pages exist it returns an empty page without fetching. Concurrent
// callers share one fetch. ctx only bounds the wait; the fetch itself is
// bound to the aggregator's generation and the adapter's page timeout.
func (a *Aggregator) LoadNext(ctx context.Context) (model.Page, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return model.Page{}, ErrClosed
	}
	if !a.hasMore {
		a.mu.Unlock()
		return model.Page{}, nil
	}
	gen := a.gen
	a.mu.Unlock()

	return a.share(ctx, fmt.Sprintf("next:%d", gen), func() (model.Page, error) {
		a.fetchMu.Lock()
		defer a.fetchMu.Unlock()
		return a.fetchNext(gen)
	})
}

// RefreshHead refetches the newest page and upserts it into the accumulated
// items without moving the cursor chain. Before the first LoadNext it behaves
// like LoadNext. Concurrent refreshes share one fetch.
func (a *Aggregator) RefreshHead(ctx context.Context) (model.Page, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return model.Page{}, ErrClosed
	}
	gen := a.gen
	a.mu.Unlock()

	return a.share(ctx, fmt.Sprintf("head:%d", gen), func() (model.Page, error) {
		a.fetchMu.Lock()
		defer a.fetchMu.Unlock()

		a.mu.Lock()
		started := a.started
		a.mu.Unlock()
		if !started {
			return a.fetchNext(gen)
		}
		return a.fetchHead(gen)
	})
}

func (a *Aggregator) share(ctx context.Context, key string, fn func() (model.Page, error)) (model.Page, error) {
	ch := a.group.DoChan(key, func() (any, error) {
		return fn()
	})

	select {
	case <-ctx.Done():
		return model.Page{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return model.Page{}, res.Err
		}
		return res.Val.(model.Page), nil
	}
}

// fetchNext advances the chain. Caller holds fetchMu.
func (a *Aggregator) fetchNext(gen uint64) (model.Page, error) {
	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return model.Page{}, ErrStaleKey
	}
	if !a.hasMore {
		a.mu.Unlock()
		return model.Page{}, nil
	}
	adapter, filters, cursor, ctx := a.adapter, a.filters, a.cursor, a.genCtx
	a.mu.Unlock()

	page, err := adapter.FetchPage(ctx, filters, cursor, a.pageSize)

	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return model.Page{}, ErrStaleKey
	}
	if err != nil {
		a.err = err
		a.mu.Unlock()
		a.logger.Warn("page fetch failed",
			"provider", adapter.Provider(),
			"cursor", cursor.String(),
			"retryable", provider.Retryable(err),
			"error", err,
		)
		a.notify()
		return model.Page{}, err
	}

	a.started = true
	if cursor != nil {
		a.consumed[cursor.String()] = struct{}{}
	}
	a.cursor = nil
	a.hasMore = false
	if page.HasMore && page.NextCursor != nil {
		if _, seen := a.consumed[page.NextCursor.String()]; seen {
			a.logger.Warn("provider returned an already consumed cursor; ending chain",
				"provider", adapter.Provider(),
				"cursor", page.NextCursor.String(),
			)
		} else {
			a.cursor = page.NextCursor
			a.hasMore = true
		}
	}
	page.HasMore = a.hasMore
	page.NextCursor = a.cursor

	a.err = nil
	a.mergeLocked(page.Items)
	total := len(a.items)
	a.mu.Unlock()

	a.logger.Debug("page loaded",
		"provider", adapter.Provider(),
		"items", len(page.Items),
		"total", total,
		"has_more", page.HasMore,
	)
	a.notify()
	return page, nil
}

// fetchHead refetches the first page. Caller holds fetchMu.
func (a *Aggregator) fetchHead(gen uint64) (model.Page, error) {
	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return model.Page{}, ErrStaleKey
	}
	adapter, filters, ctx := a.adapter, a.filters, a.genCtx
	a.mu.Unlock()

	page, err := adapter.FetchPage(ctx, filters, nil, a.pageSize)

	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return model.Page{}, ErrStaleKey
	}
	if err != nil {
		a.mu.Unlock()
		a.logger.Debug("head refresh failed", "provider", adapter.Provider(), "error", err)
		return model.Page{}, err
	}
	a.mergeLocked(page.Items)
	a.mu.Unlock()

	a.notify()
	return page, nil
}

// mergeLocked upserts items by merge key and restores newest-first order.
func (a *Aggregator) mergeLocked(items []model.Movement) {
	ix := dedup.NewIndex[int]()
	for i, mv := range a.items {
		ix.Put(dedup.Keys(mv), i)
	}
	for _, mv := range items {
		keys := dedup.Keys(mv)
		if i, ok := ix.Lookup(keys); ok {
			a.items[i] = mv
			ix.Put(keys, i)
			continue
		}
		a.items = append(a.items, mv)
		ix.Put(keys, len(a.items)-1)
	}
	dedup.SortNewestFirst(a.items)
}

// Reset replaces the adapter and filters and restarts from a nil cursor.
// Accumulated items are dropped and any in-flight fetch is discarded.
func (a *Aggregator) Reset(adapter provider.Adapter, filters model.Filters) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.resetLocked(adapter, filters)
	a.mu.Unlock()

	a.logger.Debug("statement reset", "provider", adapter.Provider(), "filters", filters.Key())
	a.notify()
}

// SetFilters restarts the chain under new filters. Identical filters are a
// no-op.
func (a *Aggregator) SetFilters(filters model.Filters) {
	a.mu.Lock()
	if filters.Key() == a.filters.Key() {
		a.mu.Unlock()
		return
	}
	adapter := a.adapter
	a.mu.Unlock()

	a.Reset(adapter, filters)
}

// Close cancels any in-flight fetch. Further calls return ErrClosed.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	a.gen++
	a.genCancel()
	clear(a.listeners)
}
