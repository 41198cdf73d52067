package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable override (SCRY_SERVER_PORT, ...).
const EnvPrefix = "SCRY"

// defaults lists every key with its default value. Registering a default
// also makes the key visible to viper's environment lookup during Unmarshal.
var defaults = map[string]any{
	"server.port":                     8080,
	"server.log_level":                "info",
	"server.log_format":               "json",
	"server.shutdown_timeout_seconds": 15,

	"auth.jwt_secret":             "",
	"auth.token_lifetime_minutes": 60,

	"database.url":                       "",
	"database.max_open_conns":            10,
	"database.max_idle_conns":            2,
	"database.conn_max_lifetime_minutes": 5,

	"kv.backend":            "memory",
	"kv.badger_path":        "",
	"kv.redis_addr":         "",
	"kv.redis_password":     "",
	"kv.redis_db":           0,
	"kv.nats_url":           "",
	"kv.nats_bucket":        "scry_batch",
	"kv.nats_max_age_hours": 168,

	"scheduler.backend":             "memory",
	"scheduler.tick_spec":           "@every 5s",
	"scheduler.tick_limit":          50,
	"scheduler.retry_delay_seconds": 60,
	"scheduler.timeout_sweep_spec":  "@hourly",
	"scheduler.breaker_health_spec": "@every 1m",

	"llm.provider":                "gemini",
	"llm.gemini_api_key":          "",
	"llm.model_name":              "gemini-2.0-flash",
	"llm.prompt_template_dir":     "",
	"llm.remote_url":              "",
	"llm.remote_api_key":          "",
	"llm.request_timeout_seconds": 120,

	"batch.default_size":              50,
	"batch.background_size":           25,
	"batch.per_call_cap":              50,
	"batch.initial_burst":             3,
	"batch.burst_spacing_seconds":     20,
	"batch.throttle_per_minute":       3,
	"batch.max_concurrent":            10,
	"batch.max_retries":               3,
	"batch.poll_delay_seconds":        30,
	"batch.execution_timeout_seconds": 300,
	"batch.results_buffer_max_bytes":  1 << 20,
	"batch.job_ttl_hours":             168,
	"batch.memory_budget_mb":          512,
	"batch.recheck_delay_seconds":     60,
	"batch.finalize_recheck_seconds":  15,
	"batch.max_finalize_defers":       10,

	"breaker.failure_threshold":      5,
	"breaker.success_threshold":      2,
	"breaker.timeout_seconds":        60,
	"breaker.max_open_seconds":       600,
	"breaker.half_open_max_requests": 3,

	"retry.max_retries":   3,
	"retry.base_delay_ms": 1000,
	"retry.max_delay_ms":  30000,

	"polling.interval_seconds":         30,
	"polling.batch_limit":              10,
	"polling.max_attempts":             120,
	"polling.stale_hours":              24,
	"polling.failed_retention_minutes": 60,

	"timeout.job_pending_minutes":      30,
	"timeout.job_scheduled_minutes":    30,
	"timeout.job_processing_minutes":   60,
	"timeout.job_absolute_minutes":     120,
	"timeout.batch_processing_minutes": 60,
	"timeout.batch_pending_minutes":    30,

	"index.max_entries":        1000,
	"index.recent_completions": 10,

	"observability.metrics_enabled": true,
	"observability.tracing_enabled": false,
	"observability.otlp_endpoint":   "",
	"observability.service_name":    "scry-batch",
}

// ErrMissingDatabaseURL is returned when a Postgres backend is selected without a database URL.
var ErrMissingDatabaseURL = errors.New("database.url is required when a postgres backend is selected")

// Load configuration from environment variables and an optional config.yaml
// in the working directory. Environment variables take precedence over values
// from config files.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom behaves like Load but reads the given config file when path is non-empty.
// A missing default config file is not an error; a missing explicit file is.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks struct tags and the cross-section rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if cfg.UsesPostgres() && cfg.Database.URL == "" {
		return fmt.Errorf("config validation failed: %w", ErrMissingDatabaseURL)
	}
	return nil
}
