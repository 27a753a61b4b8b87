package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultAPITimeout          = 30 * time.Second
	DefaultRetryBackoff        = 500 * time.Millisecond
	DefaultAckTimeout          = 10 * time.Second
	DefaultPingInterval        = 30 * time.Second
	DefaultIdleTimeout         = 90 * time.Second // three missed pongs
	DefaultReconnectBaseDelay  = 1 * time.Second
	DefaultReconnectMaxDelay   = 10 * time.Second
	DefaultRealtimeBufferSize  = 10000
	DefaultSubscriberBuffer    = 256
	DefaultSubscriberMaxBuffer = 10000
	DefaultPageSize            = 50
	DefaultPageTimeout         = 30 * time.Second
	DefaultDepositDelay        = 500 * time.Millisecond
	DefaultTransactionDelay    = 1 * time.Second
	DefaultWithdrawalDelay     = 2 * time.Second
	DefaultRevalidateRetries   = 1
	DefaultDBPort              = 5432
	DefaultDBSSLMode           = "prefer"
	DefaultMaxConns            = 10
	DefaultMinConns            = 2
	DefaultBatchSize           = 500
	DefaultFlushInterval       = 1 * time.Second
	DefaultBufferSize          = 10000
	DefaultPollInterval        = 30 * time.Second
	DefaultPollConcurrency     = 8
	DefaultPollTimeout         = 30 * time.Second
	DefaultCheckpointPath      = "ledgersync.db"
	DefaultServerAddr          = ":8080"
)

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}

	// API defaults
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.RetryBackoff == 0 {
		c.API.RetryBackoff = DefaultRetryBackoff
	}

	// Realtime defaults
	if c.Realtime.AckTimeout == 0 {
		c.Realtime.AckTimeout = DefaultAckTimeout
	}
	if c.Realtime.PingInterval == 0 {
		c.Realtime.PingInterval = DefaultPingInterval
	}
	if c.Realtime.IdleTimeout == 0 {
		c.Realtime.IdleTimeout = DefaultIdleTimeout
	}
	if c.Realtime.ReconnectBaseDelay == 0 {
		c.Realtime.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Realtime.ReconnectMaxDelay == 0 {
		c.Realtime.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Realtime.BufferSize == 0 {
		c.Realtime.BufferSize = DefaultRealtimeBufferSize
	}
	if c.Realtime.SubscriberBuffer == 0 {
		c.Realtime.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if c.Realtime.SubscriberMaxBuffer == 0 {
		c.Realtime.SubscriberMaxBuffer = DefaultSubscriberMaxBuffer
	}

	// Statement defaults
	if c.Statement.PageSize == 0 {
		c.Statement.PageSize = DefaultPageSize
	}
	if c.Statement.PageTimeout == 0 {
		c.Statement.PageTimeout = DefaultPageTimeout
	}

	// Reconcile defaults
	if c.Reconcile.DepositDelay == 0 {
		c.Reconcile.DepositDelay = DefaultDepositDelay
	}
	if c.Reconcile.TransactionDelay == 0 {
		c.Reconcile.TransactionDelay = DefaultTransactionDelay
	}
	if c.Reconcile.WithdrawalDelay == 0 {
		c.Reconcile.WithdrawalDelay = DefaultWithdrawalDelay
	}
	if c.Reconcile.Retries == nil {
		n := DefaultRevalidateRetries
		c.Reconcile.Retries = &n
	}

	// Database defaults
	if c.Database.Enabled() {
		applyDBDefaults(&c.Database.Postgres)
	}

	// Writer defaults
	if c.Writer.BatchSize == 0 {
		c.Writer.BatchSize = DefaultBatchSize
	}
	if c.Writer.FlushInterval == 0 {
		c.Writer.FlushInterval = DefaultFlushInterval
	}
	if c.Writer.BufferSize == 0 {
		c.Writer.BufferSize = DefaultBufferSize
	}

	// Poller defaults
	if c.Poller.Interval == 0 {
		c.Poller.Interval = DefaultPollInterval
	}
	if c.Poller.Concurrency == 0 {
		c.Poller.Concurrency = DefaultPollConcurrency
	}
	if c.Poller.Timeout == 0 {
		c.Poller.Timeout = DefaultPollTimeout
	}

	if c.Checkpoint.Path == "" {
		c.Checkpoint.Path = DefaultCheckpointPath
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
