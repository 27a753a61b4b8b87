package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pixdesk/ledgersync/internal/model"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}
	if c.API.MaxRetries < 0 {
		return errors.New("api.max_retries must be >= 0")
	}
	if c.API.RetryBackoff < 0 {
		return errors.New("api.retry_backoff must be >= 0")
	}
	if c.API.RateLimit < 0 {
		return errors.New("api.rate_limit must be >= 0")
	}

	if c.Realtime.ReconnectMaxDelay < c.Realtime.ReconnectBaseDelay {
		return errors.New("realtime.reconnect_max_delay must be >= reconnect_base_delay")
	}
	if c.Realtime.IdleTimeout > 0 && c.Realtime.IdleTimeout <= c.Realtime.PingInterval {
		return errors.New("realtime.idle_timeout must exceed ping_interval")
	}

	contexts := make(map[string]bool, len(c.Contexts))
	for i, ctx := range c.Contexts {
		prefix := fmt.Sprintf("contexts[%d]", i)
		if ctx.Name == "" {
			return fmt.Errorf("%s.name is required", prefix)
		}
		if contexts[ctx.Name] {
			return fmt.Errorf("%s.name %q is duplicated", prefix, ctx.Name)
		}
		contexts[ctx.Name] = true
		switch ctx.Kind {
		case "all", "tenant":
		case "fixed":
			if ctx.TenantID == 0 {
				return fmt.Errorf("%s.tenant_id is required for fixed contexts", prefix)
			}
		default:
			return fmt.Errorf("%s.kind must be all, fixed or tenant, got %q", prefix, ctx.Kind)
		}
	}

	if c.Statement.PageSize < 1 {
		return errors.New("statement.page_size must be >= 1")
	}
	if c.Reconcile.Retries != nil && *c.Reconcile.Retries < 0 {
		return errors.New("reconcile.retries must be >= 0")
	}

	if len(c.Accounts) == 0 {
		return errors.New("accounts must list at least one account")
	}
	seen := make(map[string]bool, len(c.Accounts))
	for i, acc := range c.Accounts {
		prefix := fmt.Sprintf("accounts[%d]", i)
		if acc.ID == "" {
			return fmt.Errorf("%s.id is required", prefix)
		}
		if seen[acc.ID] {
			return fmt.Errorf("%s.id %q is duplicated", prefix, acc.ID)
		}
		seen[acc.ID] = true
		if _, err := acc.ParseProviders(); err != nil {
			return fmt.Errorf("%s.providers: %w", prefix, err)
		}
		if _, err := acc.Filters(); err != nil {
			return fmt.Errorf("%s: %w", prefix, err)
		}
		if acc.Context != "" && !contexts[acc.Context] {
			return fmt.Errorf("%s.context %q is not defined", prefix, acc.Context)
		}
	}

	if c.Database.Enabled() {
		if err := c.Database.Postgres.validate("database.postgres"); err != nil {
			return err
		}
	}

	if c.Writer.BatchSize < 1 {
		return errors.New("writer.batch_size must be >= 1")
	}
	if c.Writer.BufferSize < 1 {
		return errors.New("writer.buffer_size must be >= 1")
	}

	if c.Poller.Concurrency < 1 {
		return errors.New("poller.concurrency must be >= 1")
	}

	return nil
}

// ParseProviders returns the account's providers, rejecting unknown and
// repeated names.
func (a AccountConfig) ParseProviders() ([]model.Provider, error) {
	if len(a.Providers) == 0 {
		return nil, errors.New("at least one provider is required")
	}
	out := make([]model.Provider, 0, len(a.Providers))
	for _, s := range a.Providers {
		p, err := model.ParseProvider(s)
		if err != nil {
			return nil, err
		}
		for _, prev := range out {
			if prev == p {
				return nil, fmt.Errorf("provider %s listed twice", p)
			}
		}
		out = append(out, p)
	}
	return out, nil
}

// Filters parses the account's date bounds.
func (a AccountConfig) Filters() (model.Filters, error) {
	var f model.Filters
	var err error
	if a.From != "" {
		if f.DateFrom, err = model.ParseTime(a.From); err != nil {
			return f, fmt.Errorf("from: %w", err)
		}
	}
	if a.To != "" {
		if f.DateTo, err = model.ParseTime(a.To); err != nil {
			return f, fmt.Errorf("to: %w", err)
		}
	}
	if !f.DateFrom.IsZero() && !f.DateTo.IsZero() && f.DateTo.Before(f.DateFrom) {
		return f, errors.New("to is before from")
	}
	return f, nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
