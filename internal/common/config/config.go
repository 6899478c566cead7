// Package config loads supervisor configuration from environment variables.
// Every recognized key is bound explicitly so the environment surface is the
// documented one, with defaults applied by viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/orkiva/orkiva/internal/common/logger"
)

// Config holds all configuration sections for the supervisor.
type Config struct {
	WorkspaceID string `mapstructure:"workspaceId"`
	DatabaseURL string `mapstructure:"databaseUrl"`

	Auth       AuthConfig           `mapstructure:"auth"`
	Session    SessionConfig        `mapstructure:"session"`
	Trigger    TriggerConfig        `mapstructure:"trigger"`
	AutoUnread AutoUnreadConfig     `mapstructure:"autoUnread"`
	Worker     WorkerConfig         `mapstructure:"worker"`
	NATS       NATSConfig           `mapstructure:"nats"`
	Server     ServerConfig         `mapstructure:"server"`
	Logging    logger.LoggingConfig `mapstructure:"logging"`

	// EnableAutomatedRedaction is recognized but must remain false.
	EnableAutomatedRedaction bool `mapstructure:"enableAutomatedRedaction"`
}

// AuthConfig holds bearer-token verification configuration for the boundary.
// Exactly one of JWKSURL or JWKSJSON must be provided.
type AuthConfig struct {
	JWKSURL  string `mapstructure:"jwksUrl"`
	JWKSJSON string `mapstructure:"jwksJson"`
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`
}

// SessionConfig holds runtime-registry tuning.
type SessionConfig struct {
	StaleAfterHours int `mapstructure:"staleAfterHours"`
}

// TriggerConfig holds trigger delivery tuning.
type TriggerConfig struct {
	AckTimeoutMS       int `mapstructure:"ackTimeoutMs"`
	MaxRetries         int `mapstructure:"maxRetries"`
	ResumeMaxAttempts  int `mapstructure:"resumeMaxAttempts"`
	QuietWindowMS      int `mapstructure:"quietWindowMs"`
	RecheckMS          int `mapstructure:"recheckMs"`
	MaxDeferMS         int `mapstructure:"maxDeferMs"`
	RateLimitPerMinute int `mapstructure:"rateLimitPerMinute"`
	LeaseTimeoutMS     int `mapstructure:"leaseTimeoutMs"`
}

// AckTimeout returns the ack wait as a time.Duration.
func (t *TriggerConfig) AckTimeout() time.Duration {
	return time.Duration(t.AckTimeoutMS) * time.Millisecond
}

// Recheck returns the base backoff interval as a time.Duration.
func (t *TriggerConfig) Recheck() time.Duration {
	return time.Duration(t.RecheckMS) * time.Millisecond
}

// MaxDefer returns the backoff cap as a time.Duration.
func (t *TriggerConfig) MaxDefer() time.Duration {
	return time.Duration(t.MaxDeferMS) * time.Millisecond
}

// LeaseTimeout returns the claim lease duration as a time.Duration.
func (t *TriggerConfig) LeaseTimeout() time.Duration {
	return time.Duration(t.LeaseTimeoutMS) * time.Millisecond
}

// AutoUnreadConfig holds unread-reconciliation scheduling guards.
type AutoUnreadConfig struct {
	Enabled                 bool `mapstructure:"enabled"`
	MaxTriggersPerWindow    int  `mapstructure:"maxTriggersPerWindow"`
	WindowMS                int  `mapstructure:"windowMs"`
	MinIntervalMS           int  `mapstructure:"minIntervalMs"`
	BreakerBacklogThreshold int  `mapstructure:"breakerBacklogThreshold"`
	BreakerCooldownMS       int  `mapstructure:"breakerCooldownMs"`
}

// Window returns the rate-limit window as a time.Duration.
func (a *AutoUnreadConfig) Window() time.Duration {
	return time.Duration(a.WindowMS) * time.Millisecond
}

// MinInterval returns the per-agent minimum spacing as a time.Duration.
func (a *AutoUnreadConfig) MinInterval() time.Duration {
	return time.Duration(a.MinIntervalMS) * time.Millisecond
}

// BreakerCooldown returns the breaker cooldown as a time.Duration.
func (a *AutoUnreadConfig) BreakerCooldown() time.Duration {
	return time.Duration(a.BreakerCooldownMS) * time.Millisecond
}

// WorkerConfig holds queue-worker, fallback, and callback tuning.
type WorkerConfig struct {
	PollIntervalMS           int    `mapstructure:"pollIntervalMs"`
	MaxParallelJobs          int    `mapstructure:"maxParallelJobs"`
	BridgeAPIBaseURL         string `mapstructure:"bridgeApiBaseUrl"`
	BridgeAccessToken        string `mapstructure:"bridgeAccessToken"`
	MinJobCreatedAt          string `mapstructure:"minJobCreatedAt"` // ISO-8601, optional
	CallbackMaxRetries       int    `mapstructure:"callbackMaxRetries"`
	CallbackRequestTimeoutMS int    `mapstructure:"callbackRequestTimeoutMs"`

	FallbackAllowDangerousBypass bool `mapstructure:"fallbackAllowDangerousBypass"`
	FallbackExecTimeoutMS        int  `mapstructure:"fallbackExecTimeoutMs"`
	FallbackKillGraceMS          int  `mapstructure:"fallbackKillGraceMs"`
	FallbackMaxActiveGlobal      int  `mapstructure:"fallbackMaxActiveGlobal"`
	FallbackMaxActivePerAgent    int  `mapstructure:"fallbackMaxActivePerAgent"`
}

// PollInterval returns the tick interval as a time.Duration.
func (w *WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMS) * time.Millisecond
}

// CallbackRequestTimeout returns the callback HTTP timeout as a time.Duration.
func (w *WorkerConfig) CallbackRequestTimeout() time.Duration {
	return time.Duration(w.CallbackRequestTimeoutMS) * time.Millisecond
}

// FallbackExecTimeout returns the fallback run timeout as a time.Duration.
func (w *WorkerConfig) FallbackExecTimeout() time.Duration {
	return time.Duration(w.FallbackExecTimeoutMS) * time.Millisecond
}

// FallbackKillGrace returns the graceful-kill grace as a time.Duration.
func (w *WorkerConfig) FallbackKillGrace() time.Duration {
	return time.Duration(w.FallbackKillGraceMS) * time.Millisecond
}

// MinJobCreatedAtTime parses the ISO-8601 floor, or returns nil when unset.
func (w *WorkerConfig) MinJobCreatedAtTime() (*time.Time, error) {
	if strings.TrimSpace(w.MinJobCreatedAt) == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, w.MinJobCreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// NATSConfig holds event bus configuration. Empty URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ServerConfig holds the inspection HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("auth.audience", "orkiva")

	v.SetDefault("session.staleAfterHours", 12)

	v.SetDefault("trigger.ackTimeoutMs", 8000)
	v.SetDefault("trigger.maxRetries", 2)
	v.SetDefault("trigger.resumeMaxAttempts", 2)
	v.SetDefault("trigger.quietWindowMs", 20000)
	v.SetDefault("trigger.recheckMs", 5000)
	v.SetDefault("trigger.maxDeferMs", 60000)
	v.SetDefault("trigger.rateLimitPerMinute", 10)
	v.SetDefault("trigger.leaseTimeoutMs", 45000)

	v.SetDefault("autoUnread.enabled", true)
	v.SetDefault("autoUnread.maxTriggersPerWindow", 3)
	v.SetDefault("autoUnread.windowMs", 300000)
	v.SetDefault("autoUnread.minIntervalMs", 30000)
	v.SetDefault("autoUnread.breakerBacklogThreshold", 50)
	v.SetDefault("autoUnread.breakerCooldownMs", 60000)

	v.SetDefault("worker.pollIntervalMs", 5000)
	v.SetDefault("worker.maxParallelJobs", 10)
	v.SetDefault("worker.bridgeApiBaseUrl", "http://127.0.0.1:3000")
	v.SetDefault("worker.callbackMaxRetries", 3)
	v.SetDefault("worker.callbackRequestTimeoutMs", 8000)
	v.SetDefault("worker.fallbackAllowDangerousBypass", false)
	v.SetDefault("worker.fallbackExecTimeoutMs", 900000)
	v.SetDefault("worker.fallbackKillGraceMs", 5000)
	v.SetDefault("worker.fallbackMaxActiveGlobal", 8)
	v.SetDefault("worker.fallbackMaxActivePerAgent", 2)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "orkiva-supervisor")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.output_path", "stdout")

	v.SetDefault("enableAutomatedRedaction", false)
}

// bindEnv binds every recognized environment key to its config path.
// The environment names are the documented surface, so each is bound
// explicitly rather than derived from the config key.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("workspaceId", "WORKSPACE_ID")
	_ = v.BindEnv("databaseUrl", "DATABASE_URL")

	_ = v.BindEnv("auth.jwksUrl", "AUTH_JWKS_URL")
	_ = v.BindEnv("auth.jwksJson", "AUTH_JWKS_JSON")
	_ = v.BindEnv("auth.issuer", "AUTH_ISSUER")
	_ = v.BindEnv("auth.audience", "AUTH_AUDIENCE")

	_ = v.BindEnv("session.staleAfterHours", "SESSION_STALE_AFTER_HOURS")

	_ = v.BindEnv("trigger.ackTimeoutMs", "TRIGGER_ACK_TIMEOUT_MS")
	_ = v.BindEnv("trigger.maxRetries", "TRIGGER_MAX_RETRIES")
	_ = v.BindEnv("trigger.resumeMaxAttempts", "TRIGGER_RESUME_MAX_ATTEMPTS")
	_ = v.BindEnv("trigger.quietWindowMs", "TRIGGER_QUIET_WINDOW_MS")
	_ = v.BindEnv("trigger.recheckMs", "TRIGGER_RECHECK_MS")
	_ = v.BindEnv("trigger.maxDeferMs", "TRIGGER_MAX_DEFER_MS")
	_ = v.BindEnv("trigger.rateLimitPerMinute", "TRIGGER_RATE_LIMIT_PER_MINUTE")
	_ = v.BindEnv("trigger.leaseTimeoutMs", "TRIGGERING_LEASE_TIMEOUT_MS")

	_ = v.BindEnv("autoUnread.enabled", "AUTO_UNREAD_ENABLED")
	_ = v.BindEnv("autoUnread.maxTriggersPerWindow", "AUTO_UNREAD_MAX_TRIGGERS_PER_WINDOW")
	_ = v.BindEnv("autoUnread.windowMs", "AUTO_UNREAD_WINDOW_MS")
	_ = v.BindEnv("autoUnread.minIntervalMs", "AUTO_UNREAD_MIN_INTERVAL_MS")
	_ = v.BindEnv("autoUnread.breakerBacklogThreshold", "AUTO_UNREAD_BREAKER_BACKLOG_THRESHOLD")
	_ = v.BindEnv("autoUnread.breakerCooldownMs", "AUTO_UNREAD_BREAKER_COOLDOWN_MS")

	_ = v.BindEnv("worker.pollIntervalMs", "WORKER_POLL_INTERVAL_MS")
	_ = v.BindEnv("worker.maxParallelJobs", "WORKER_MAX_PARALLEL_JOBS")
	_ = v.BindEnv("worker.bridgeApiBaseUrl", "WORKER_BRIDGE_API_BASE_URL")
	_ = v.BindEnv("worker.bridgeAccessToken", "WORKER_BRIDGE_ACCESS_TOKEN")
	_ = v.BindEnv("worker.minJobCreatedAt", "WORKER_MIN_JOB_CREATED_AT")
	_ = v.BindEnv("worker.callbackMaxRetries", "WORKER_CALLBACK_MAX_RETRIES")
	_ = v.BindEnv("worker.callbackRequestTimeoutMs", "WORKER_CALLBACK_REQUEST_TIMEOUT_MS")
	_ = v.BindEnv("worker.fallbackAllowDangerousBypass", "WORKER_FALLBACK_ALLOW_DANGEROUS_BYPASS")
	_ = v.BindEnv("worker.fallbackExecTimeoutMs", "WORKER_FALLBACK_EXEC_TIMEOUT_MS")
	_ = v.BindEnv("worker.fallbackKillGraceMs", "WORKER_FALLBACK_KILL_GRACE_MS")
	_ = v.BindEnv("worker.fallbackMaxActiveGlobal", "WORKER_FALLBACK_MAX_ACTIVE_GLOBAL")
	_ = v.BindEnv("worker.fallbackMaxActivePerAgent", "WORKER_FALLBACK_MAX_ACTIVE_PER_AGENT")

	_ = v.BindEnv("nats.url", "NATS_URL")
	_ = v.BindEnv("nats.clientId", "NATS_CLIENT_ID")
	_ = v.BindEnv("nats.maxReconnects", "NATS_MAX_RECONNECTS")

	_ = v.BindEnv("server.host", "SUPERVISOR_HTTP_HOST")
	_ = v.BindEnv("server.port", "SUPERVISOR_HTTP_PORT")

	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")

	_ = v.BindEnv("enableAutomatedRedaction", "ENABLE_AUTOMATED_REDACTION")
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnv(v)
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ValidationError aggregates per-field diagnostics.
type ValidationError struct {
	Fields map[string]string
}

// Error formats one diagnostic per field.
func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("config validation failed:")
	for field, msg := range e.Fields {
		b.WriteString(fmt.Sprintf("\n  %s: %s", field, msg))
	}
	return b.String()
}

// Validate checks field constraints and aggregates per-field diagnostics.
func Validate(cfg *Config) error {
	fields := make(map[string]string)

	if strings.TrimSpace(cfg.WorkspaceID) == "" {
		fields["WORKSPACE_ID"] = "is required"
	}

	if cfg.Auth.JWKSURL == "" && cfg.Auth.JWKSJSON == "" {
		fields["AUTH_JWKS_URL"] = "one of AUTH_JWKS_URL or AUTH_JWKS_JSON is required"
	}
	if cfg.Auth.JWKSURL != "" && cfg.Auth.JWKSJSON != "" {
		fields["AUTH_JWKS_JSON"] = "mutually exclusive with AUTH_JWKS_URL"
	}

	if cfg.Session.StaleAfterHours <= 0 {
		fields["SESSION_STALE_AFTER_HOURS"] = "must be a positive integer"
	}

	if cfg.Trigger.AckTimeoutMS <= 0 {
		fields["TRIGGER_ACK_TIMEOUT_MS"] = "must be positive"
	}
	if cfg.Trigger.MaxRetries < 0 {
		fields["TRIGGER_MAX_RETRIES"] = "must be non-negative"
	}
	if cfg.Trigger.ResumeMaxAttempts < 1 {
		fields["TRIGGER_RESUME_MAX_ATTEMPTS"] = "must be at least 1"
	}
	if cfg.Trigger.RecheckMS <= 0 {
		fields["TRIGGER_RECHECK_MS"] = "must be positive"
	}
	if cfg.Trigger.MaxDeferMS < cfg.Trigger.RecheckMS {
		fields["TRIGGER_MAX_DEFER_MS"] = "must be at least TRIGGER_RECHECK_MS"
	}
	if cfg.Trigger.LeaseTimeoutMS <= 0 {
		fields["TRIGGERING_LEASE_TIMEOUT_MS"] = "must be positive"
	}

	if cfg.AutoUnread.MaxTriggersPerWindow <= 0 {
		fields["AUTO_UNREAD_MAX_TRIGGERS_PER_WINDOW"] = "must be positive"
	}
	if cfg.AutoUnread.WindowMS <= 0 {
		fields["AUTO_UNREAD_WINDOW_MS"] = "must be positive"
	}
	if cfg.AutoUnread.BreakerBacklogThreshold <= 0 {
		fields["AUTO_UNREAD_BREAKER_BACKLOG_THRESHOLD"] = "must be positive"
	}

	if cfg.Worker.PollIntervalMS <= 0 {
		fields["WORKER_POLL_INTERVAL_MS"] = "must be positive"
	}
	if cfg.Worker.MaxParallelJobs <= 0 {
		fields["WORKER_MAX_PARALLEL_JOBS"] = "must be positive"
	}
	if cfg.Worker.CallbackMaxRetries < 0 {
		fields["WORKER_CALLBACK_MAX_RETRIES"] = "must be non-negative"
	}
	if cfg.Worker.FallbackMaxActiveGlobal <= 0 {
		fields["WORKER_FALLBACK_MAX_ACTIVE_GLOBAL"] = "must be positive"
	}
	if cfg.Worker.FallbackMaxActivePerAgent <= 0 {
		fields["WORKER_FALLBACK_MAX_ACTIVE_PER_AGENT"] = "must be positive"
	}
	if _, err := cfg.Worker.MinJobCreatedAtTime(); err != nil {
		fields["WORKER_MIN_JOB_CREATED_AT"] = "must be an ISO-8601 timestamp"
	}

	// Automated redaction is not supported and must stay disabled.
	if cfg.EnableAutomatedRedaction {
		fields["ENABLE_AUTOMATED_REDACTION"] = "must be false"
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
