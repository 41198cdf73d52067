package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server        ServerConfig        `mapstructure:"server" validate:"required"`
	Auth          AuthConfig          `mapstructure:"auth" validate:"required"`
	Database      DatabaseConfig      `mapstructure:"database"`
	KV            KVConfig            `mapstructure:"kv" validate:"required"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler" validate:"required"`
	LLM           LLMConfig           `mapstructure:"llm" validate:"required"`
	Batch         BatchConfig         `mapstructure:"batch" validate:"required"`
	Breaker       BreakerConfig       `mapstructure:"breaker" validate:"required"`
	Retry         RetryConfig         `mapstructure:"retry" validate:"required"`
	Polling       PollingConfig       `mapstructure:"polling" validate:"required"`
	Timeout       TimeoutConfig       `mapstructure:"timeout" validate:"required"`
	Index         IndexConfig         `mapstructure:"index" validate:"required"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port                   int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel               string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	LogFormat              string `mapstructure:"log_format" validate:"omitempty,oneof=json text"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds" validate:"gte=0"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret            string `mapstructure:"jwt_secret" validate:"required,min=32"`
	TokenLifetimeMinutes int    `mapstructure:"token_lifetime_minutes" validate:"required,gt=0"`
	// Clients maps an API client id to the bcrypt hash of its key.
	Clients map[string]string `mapstructure:"clients"`
}

// DatabaseConfig contains all database-related configuration settings.
// The URL is only required when a Postgres-backed store or scheduler is selected.
type DatabaseConfig struct {
	URL                    string `mapstructure:"url" validate:"omitempty,url"`
	MaxOpenConns           int    `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns           int    `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetimeMinutes int    `mapstructure:"conn_max_lifetime_minutes" validate:"gte=0"`
}

// KVConfig selects and configures the key-value backend.
type KVConfig struct {
	Backend         string `mapstructure:"backend" validate:"required,oneof=memory badger postgres redis nats"`
	BadgerPath      string `mapstructure:"badger_path" validate:"required_if=Backend badger"`
	RedisAddr       string `mapstructure:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword   string `mapstructure:"redis_password"`
	RedisDB         int    `mapstructure:"redis_db" validate:"gte=0"`
	NatsURL         string `mapstructure:"nats_url" validate:"required_if=Backend nats"`
	NatsBucket      string `mapstructure:"nats_bucket" validate:"required_if=Backend nats"`
	NatsMaxAgeHours int    `mapstructure:"nats_max_age_hours" validate:"gte=0"`
}

// SchedulerConfig configures the deferred callback queue and its triggers.
type SchedulerConfig struct {
	Backend           string `mapstructure:"backend" validate:"required,oneof=memory postgres"`
	TickSpec          string `mapstructure:"tick_spec" validate:"required"`
	TickLimit         int    `mapstructure:"tick_limit" validate:"required,gt=0"`
	RetryDelaySeconds int    `mapstructure:"retry_delay_seconds" validate:"required,gt=0"`
	TimeoutSweepSpec  string `mapstructure:"timeout_sweep_spec" validate:"required"`
	BreakerHealthSpec string `mapstructure:"breaker_health_spec" validate:"required"`
}

// LLMConfig contains all LLM integration related settings.
type LLMConfig struct {
	Provider              string `mapstructure:"provider" validate:"required,oneof=gemini remote"`
	GeminiAPIKey          string `mapstructure:"gemini_api_key" validate:"required_if=Provider gemini"`
	ModelName             string `mapstructure:"model_name" validate:"required_if=Provider gemini"`
	PromptTemplateDir     string `mapstructure:"prompt_template_dir"`
	RemoteURL             string `mapstructure:"remote_url" validate:"required_if=Provider remote"`
	RemoteAPIKey          string `mapstructure:"remote_api_key"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds" validate:"required,gt=0"`
}

// BatchConfig controls decomposition, pacing and execution of batches.
type BatchConfig struct {
	DefaultSize             int `mapstructure:"default_size" validate:"required,gt=0"`
	BackgroundSize          int `mapstructure:"background_size" validate:"required,gt=0"`
	PerCallCap              int `mapstructure:"per_call_cap" validate:"required,gt=0"`
	InitialBurst            int `mapstructure:"initial_burst" validate:"gte=0"`
	BurstSpacingSeconds     int `mapstructure:"burst_spacing_seconds" validate:"gte=0"`
	ThrottlePerMinute       int `mapstructure:"throttle_per_minute" validate:"required,gt=0"`
	MaxConcurrent           int `mapstructure:"max_concurrent" validate:"required,gt=0"`
	MaxRetries              int `mapstructure:"max_retries" validate:"gte=0"`
	PollDelaySeconds        int `mapstructure:"poll_delay_seconds" validate:"gte=0"`
	ExecutionTimeoutSeconds int `mapstructure:"execution_timeout_seconds" validate:"required,gt=0"`
	ResultsBufferMaxBytes   int `mapstructure:"results_buffer_max_bytes" validate:"required,gt=0"`
	JobTTLHours             int `mapstructure:"job_ttl_hours" validate:"required,gt=0"`
	MemoryBudgetMB          int `mapstructure:"memory_budget_mb" validate:"required,gt=0"`
	RecheckDelaySeconds     int `mapstructure:"recheck_delay_seconds" validate:"required,gt=0"`
	FinalizeRecheckSeconds  int `mapstructure:"finalize_recheck_seconds" validate:"required,gt=0"`
	MaxFinalizeDefers       int `mapstructure:"max_finalize_defers" validate:"required,gt=0"`
}

// BreakerConfig holds circuit breaker thresholds shared by all remote services.
type BreakerConfig struct {
	FailureThreshold    int `mapstructure:"failure_threshold" validate:"required,gt=0"`
	SuccessThreshold    int `mapstructure:"success_threshold" validate:"required,gt=0"`
	TimeoutSeconds      int `mapstructure:"timeout_seconds" validate:"required,gt=0"`
	MaxOpenSeconds      int `mapstructure:"max_open_seconds" validate:"required,gtfield=TimeoutSeconds"`
	HalfOpenMaxRequests int `mapstructure:"half_open_max_requests" validate:"required,gt=0"`
}

// RetryConfig holds the in-call retry policy for remote requests.
type RetryConfig struct {
	MaxRetries  int `mapstructure:"max_retries" validate:"gte=0"`
	BaseDelayMs int `mapstructure:"base_delay_ms" validate:"required,gt=0"`
	MaxDelayMs  int `mapstructure:"max_delay_ms" validate:"required,gtefield=BaseDelayMs"`
}

// PollingConfig controls the centralized polling sweep.
type PollingConfig struct {
	IntervalSeconds        int `mapstructure:"interval_seconds" validate:"required,gt=0"`
	BatchLimit             int `mapstructure:"batch_limit" validate:"required,gt=0"`
	MaxAttempts            int `mapstructure:"max_attempts" validate:"required,gt=0"`
	StaleHours             int `mapstructure:"stale_hours" validate:"required,gt=0"`
	FailedRetentionMinutes int `mapstructure:"failed_retention_minutes" validate:"required,gt=0"`
}

// TimeoutConfig holds stuck-work thresholds, all in minutes.
type TimeoutConfig struct {
	JobPendingMinutes      int `mapstructure:"job_pending_minutes" validate:"required,gt=0"`
	JobScheduledMinutes    int `mapstructure:"job_scheduled_minutes" validate:"required,gt=0"`
	JobProcessingMinutes   int `mapstructure:"job_processing_minutes" validate:"required,gt=0"`
	JobAbsoluteMinutes     int `mapstructure:"job_absolute_minutes" validate:"required,gt=0"`
	BatchProcessingMinutes int `mapstructure:"batch_processing_minutes" validate:"required,gt=0"`
	BatchPendingMinutes    int `mapstructure:"batch_pending_minutes" validate:"required,gt=0"`
}

// IndexConfig bounds the task index record.
type IndexConfig struct {
	MaxEntries        int `mapstructure:"max_entries" validate:"required,gt=0"`
	RecentCompletions int `mapstructure:"recent_completions" validate:"required,gt=0"`
}

// ObservabilityConfig toggles metrics and tracing.
type ObservabilityConfig struct {
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	ServiceName    string `mapstructure:"service_name"`
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }

// ShutdownTimeout returns the graceful shutdown window.
func (c ServerConfig) ShutdownTimeout() time.Duration { return seconds(c.ShutdownTimeoutSeconds) }

// TokenLifetime returns how long issued API tokens stay valid.
func (c AuthConfig) TokenLifetime() time.Duration { return minutes(c.TokenLifetimeMinutes) }

// RetryDelay is how long the dispatcher waits before re-running a failed callback.
func (c SchedulerConfig) RetryDelay() time.Duration { return seconds(c.RetryDelaySeconds) }

// RequestTimeout bounds a single remote generation request.
func (c LLMConfig) RequestTimeout() time.Duration { return seconds(c.RequestTimeoutSeconds) }

// UsesPostgres reports whether any configured backend needs a database connection.
func (c *Config) UsesPostgres() bool {
	return c.KV.Backend == "postgres" || c.Scheduler.Backend == "postgres"
}
