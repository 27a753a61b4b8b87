package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pixdesk/ledgersync/internal/api"
	"github.com/pixdesk/ledgersync/internal/dedup"
	"github.com/pixdesk/ledgersync/internal/model"
)

// DefaultPageTimeout bounds a single FetchPage call.
const DefaultPageTimeout = 30 * time.Second

// DefaultPageSize is used when callers pass a non-positive page size.
const DefaultPageSize = 50

// Adapter fetches and normalizes one provider's statement for one account.
type Adapter interface {
	Provider() model.Provider
	AccountID() string
	FetchPage(ctx context.Context, filters model.Filters, cursor *model.Cursor, pageSize int) (model.Page, error)
	Normalize(raw json.RawMessage) model.Movement
}

// Option configures an adapter.
type Option func(*settings)

type settings struct {
	timeout       time.Duration
	logger        *slog.Logger
	serverFilters bool
}

// WithPageTimeout overrides DefaultPageTimeout.
func WithPageTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithServerDateFilter forwards date bounds to P3. Results are still filtered
// locally. Ignored by providers that always honor date filters.
func WithServerDateFilter(enabled bool) Option {
	return func(s *settings) {
		s.serverFilters = enabled
	}
}

func newSettings(opts []Option) settings {
	s := settings{
		timeout: DefaultPageTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// New builds the adapter for p backed by client.
func New(p model.Provider, client *api.Client, accountID string, opts ...Option) (Adapter, error) {
	switch p {
	case model.ProviderP1:
		return NewP1(client, accountID, opts...), nil
	case model.ProviderP2:
		return NewP2(client, accountID, opts...), nil
	case model.ProviderP3:
		return NewP3(client, accountID, opts...), nil
	}
	return nil, fmt.Errorf("new adapter: unknown provider %q", p)
}

// normalizeAll normalizes and sorts a page. Records outside filters are
// dropped; providers that honor date filters should not return any.
func normalizeAll(raws []json.RawMessage, filters model.Filters, norm func(json.RawMessage) model.Movement) []model.Movement {
	items := make([]model.Movement, 0, len(raws))
	for _, raw := range raws {
		mv := norm(raw)
		if !filters.Contains(mv.OccurredAt) {
			continue
		}
		items = append(items, mv)
	}
	dedup.SortNewestFirst(items)
	return items
}

func pageSizeOrDefault(n int) int {
	if n <= 0 {
		return DefaultPageSize
	}
	return n
}
