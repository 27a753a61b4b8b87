package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pixdesk/ledgersync/internal/api"
	"github.com/pixdesk/ledgersync/internal/config"
	"github.com/pixdesk/ledgersync/internal/connection"
	"github.com/pixdesk/ledgersync/internal/feed"
	"github.com/pixdesk/ledgersync/internal/provider"
	"github.com/pixdesk/ledgersync/internal/reconcile"
	"github.com/pixdesk/ledgersync/internal/router"
)

// newAPIClient builds the REST client from the api section.
func newAPIClient(c *config.Config) (*api.Client, error) {
	token, err := c.API.ResolveToken()
	if err != nil {
		return nil, err
	}
	return api.NewClient(
		c.API.BaseURL,
		token,
		api.WithLogger(logger),
		api.WithTimeout(c.API.Timeout),
		api.WithRetries(c.API.MaxRetries, c.API.RetryBackoff),
		api.WithRateLimit(c.API.RateLimit, c.API.RateBurst),
	), nil
}

// newAdapters builds one adapter per configured provider of acc.
func newAdapters(c *config.Config, client *api.Client, acc config.AccountConfig) ([]provider.Adapter, error) {
	providers, err := acc.ParseProviders()
	if err != nil {
		return nil, err
	}
	opts := []provider.Option{
		provider.WithLogger(logger),
		provider.WithPageTimeout(c.Statement.PageTimeout),
		provider.WithServerDateFilter(c.Statement.ServerDateFilter),
	}
	adapters := make([]provider.Adapter, 0, len(providers))
	for _, p := range providers {
		ad, err := provider.New(p, client, acc.ID, opts...)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, ad)
	}
	return adapters, nil
}

func reconcileConfig(c *config.Config) reconcile.Config {
	rc := reconcile.Config{
		DepositDelay:     c.Reconcile.DepositDelay,
		TransactionDelay: c.Reconcile.TransactionDelay,
		WithdrawalDelay:  c.Reconcile.WithdrawalDelay,
		Retries:          config.DefaultRevalidateRetries,
	}
	if c.Reconcile.Retries != nil {
		rc.Retries = *c.Reconcile.Retries
	}
	return rc
}

func deliveryContexts(c *config.Config) ([]router.DeliveryContext, error) {
	out := make([]router.DeliveryContext, 0, len(c.Contexts))
	for _, cc := range c.Contexts {
		kind, err := router.ParseContextKind(cc.Kind)
		if err != nil {
			return nil, fmt.Errorf("context %s: %w", cc.Name, err)
		}
		out = append(out, router.DeliveryContext{
			Name:      cc.Name,
			Kind:      kind,
			TenantID:  cc.TenantID,
			AccountID: cc.AccountID,
		})
	}
	return out, nil
}

// realtime is the live half of the engine: one channel feeding one router.
type realtime struct {
	channel *connection.Channel
	router  *router.Router
}

// newRealtime returns nil when realtime.url is unset.
func newRealtime(c *config.Config) (*realtime, error) {
	if c.Realtime.URL == "" {
		return nil, nil
	}
	token, err := c.API.ResolveToken()
	if err != nil {
		return nil, err
	}
	contexts, err := deliveryContexts(c)
	if err != nil {
		return nil, err
	}

	ch := connection.NewChannel(connection.ChannelConfig{
		URL:               c.Realtime.URL,
		Token:             token,
		AckTimeout:        c.Realtime.AckTimeout,
		PingInterval:      c.Realtime.PingInterval,
		ReconnectBaseWait: c.Realtime.ReconnectBaseDelay,
		ReconnectMaxWait:  c.Realtime.ReconnectMaxDelay,
		MessageBufferSize: c.Realtime.BufferSize,
		IdleTimeout:       c.Realtime.IdleTimeout,
	}, logger)

	rtr, err := router.NewRouter(router.RouterConfig{
		SubscriberBufferSize: c.Realtime.SubscriberBuffer,
		SubscriberMaxBuffer:  c.Realtime.SubscriberMaxBuffer,
	}, ch.Messages(), ch, contexts, logger)
	if err != nil {
		return nil, err
	}
	return &realtime{channel: ch, router: rtr}, nil
}

// Start starts the router before the channel so no frame is missed.
func (rt *realtime) Start(ctx context.Context) error {
	if err := rt.router.Start(ctx); err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	if err := rt.channel.Start(ctx); err != nil {
		return fmt.Errorf("start channel: %w", err)
	}
	return nil
}

func (rt *realtime) Stop(ctx context.Context) {
	if err := rt.channel.Close(); err != nil {
		logger.Warn("close channel", "error", err)
	}
	if err := rt.router.Stop(ctx); err != nil {
		logger.Warn("stop router", "error", err)
	}
}

// newSessions builds one feed session per configured account, filtered by
// only when non-empty.
func newSessions(c *config.Config, client *api.Client, rt *realtime, only []string) ([]*feed.Session, error) {
	want := make(map[string]bool, len(only))
	for _, id := range only {
		want[id] = true
	}

	var events feed.Subscriber
	var states feed.StateSource
	if rt != nil {
		events, states = rt.router, rt.channel
	}

	var sessions []*feed.Session
	for _, acc := range c.Accounts {
		if len(want) > 0 && !want[acc.ID] {
			continue
		}
		adapters, err := newAdapters(c, client, acc)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", acc.ID, err)
		}
		filters, err := acc.Filters()
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", acc.ID, err)
		}

		sc := feed.Config{
			AccountID: acc.ID,
			Filters:   filters,
			PageSize:  c.Statement.PageSize,
			Reconcile: reconcileConfig(c),
		}
		if rt != nil && acc.Context != "" {
			sc.Subscription = &router.Subscription{
				Context:   acc.Context,
				TenantID:  acc.TenantID,
				AccountID: acc.ID,
			}
		}

		s, err := feed.New(sc, adapters, events, states, logger)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", acc.ID, err)
		}
		sessions = append(sessions, s)
	}
	if len(sessions) == 0 {
		return nil, errors.New("no matching accounts")
	}
	return sessions, nil
}

// stopTimeout bounds every graceful shutdown step.
const stopTimeout = 30 * time.Second
