package config

import "time"

// Config is the root configuration for a ledgersync instance.
type Config struct {
	Instance   InstanceConfig   `yaml:"instance"`
	Log        LogConfig        `yaml:"log"`
	API        APIConfig        `yaml:"api"`
	Realtime   RealtimeConfig   `yaml:"realtime"`
	Contexts   []ContextConfig  `yaml:"contexts"`
	Statement  StatementConfig  `yaml:"statement"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Accounts   []AccountConfig  `yaml:"accounts"`
	Database   DatabaseConfig   `yaml:"database"`
	Writer     WriterConfig     `yaml:"writer"`
	Poller     PollerConfig     `yaml:"poller"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Server     ServerConfig     `yaml:"server"`
}

// InstanceConfig identifies this process in logs.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// APIConfig holds statement backend settings.
type APIConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Token        string        `yaml:"token"`      // Bearer credential
	TokenFile    string        `yaml:"token_file"` // Read when token is empty
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	RateLimit    float64       `yaml:"rate_limit"` // Requests per second; 0 disables
	RateBurst    int           `yaml:"rate_burst"`
}

// RealtimeConfig holds push channel settings. An empty URL disables live events.
type RealtimeConfig struct {
	URL                 string        `yaml:"url"`
	AckTimeout          time.Duration `yaml:"ack_timeout"`
	PingInterval        time.Duration `yaml:"ping_interval"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"` // Reconnect after this long without a frame
	ReconnectBaseDelay  time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay   time.Duration `yaml:"reconnect_max_delay"`
	BufferSize          int           `yaml:"buffer_size"`
	SubscriberBuffer    int           `yaml:"subscriber_buffer"`
	SubscriberMaxBuffer int           `yaml:"subscriber_max_buffer"`
}

// ContextConfig defines a named delivery context.
type ContextConfig struct {
	Name      string `yaml:"name"`
	Kind      string `yaml:"kind"` // all, fixed, tenant
	TenantID  int64  `yaml:"tenant_id"`
	AccountID string `yaml:"account_id"`
}

// StatementConfig holds page fetch settings.
type StatementConfig struct {
	PageSize         int           `yaml:"page_size"`
	PageTimeout      time.Duration `yaml:"page_timeout"`
	ServerDateFilter bool          `yaml:"server_date_filter"` // forward date bounds to P3
}

// ReconcileConfig holds re-validation delays.
type ReconcileConfig struct {
	DepositDelay     time.Duration `yaml:"deposit_delay"`
	TransactionDelay time.Duration `yaml:"transaction_delay"`
	WithdrawalDelay  time.Duration `yaml:"withdrawal_delay"`
	Retries          *int          `yaml:"retries"`
}

// AccountConfig is one account session.
type AccountConfig struct {
	ID        string   `yaml:"id"`
	Providers []string `yaml:"providers"`
	Context   string   `yaml:"context"`   // Delivery context for live events
	TenantID  int64    `yaml:"tenant_id"` // Subscription tenant
	From      string   `yaml:"from"`      // Optional lower date bound
	To        string   `yaml:"to"`        // Optional upper date bound
}

// DatabaseConfig holds the Postgres connection for persisted movements.
// An empty host disables persistence.
type DatabaseConfig struct {
	Postgres DBConfig `yaml:"postgres"`
}

// Enabled reports whether a database is configured.
func (d DatabaseConfig) Enabled() bool {
	return d.Postgres.Host != ""
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// WriterConfig holds batch writer settings.
type WriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// PollerConfig holds degraded-mode poller settings.
type PollerConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
	Always      bool          `yaml:"always"`
}

// CheckpointConfig holds the backfill checkpoint store.
type CheckpointConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig holds the HTTP surface of `serve`.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}
