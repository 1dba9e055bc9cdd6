// Package config loads process configuration from IAA_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"interview-analytics/internal/broker"
	"interview-analytics/internal/connector"
	"interview-analytics/internal/observability/logging"
	"interview-analytics/internal/observability/tracing"
	"interview-analytics/internal/queue"
)

// Prefix is prepended to every variable name.
const Prefix = "IAA_"

type BrokerConfig struct {
	Addr          string        `env:"ADDR" envDefault:"127.0.0.1:6379"`
	Addrs         []string      `env:"ADDRS" envSeparator:","`
	Username      string        `env:"USERNAME"`
	Password      string        `env:"PASSWORD"`
	MasterName    string        `env:"MASTER_NAME"`
	DB            int           `env:"DB"`
	PoolSize      int           `env:"POOL_SIZE"`
	DialTimeout   time.Duration `env:"DIAL_TIMEOUT" envDefault:"5s"`
	WriteTimeout  time.Duration `env:"WRITE_TIMEOUT" envDefault:"3s"`
	TLSCAFile     string        `env:"TLS_CA"`
	TLSCertFile   string        `env:"TLS_CERT"`
	TLSKeyFile    string        `env:"TLS_KEY"`
	TLSServerName string        `env:"TLS_SERVER_NAME"`
	TLSSkipVerify bool          `env:"TLS_SKIP_VERIFY"`
}

type QueueConfig struct {
	// MaxAttempts and Backoff override every stage's default policy when
	// positive.
	MaxAttempts int           `env:"MAX_ATTEMPTS"`
	Backoff     time.Duration `env:"BACKOFF"`
	// StageRetry overrides single stages, e.g. "stt=5/2s,delivery=10/30s".
	StageRetry map[string]string `env:"STAGE_RETRY" envKeyValSeparator:"="`
	Block      time.Duration     `env:"BLOCK" envDefault:"5s"`
	MaxLen     int64             `env:"MAX_LEN"`
}

type ConnectorConfig struct {
	Provider        string        `env:"PROVIDER" envDefault:"sberjazz_mock"`
	MockSampleB64   string        `env:"MOCK_SAMPLE_B64"`
	RetryAttempts   int           `env:"RETRY_ATTEMPTS" envDefault:"3"`
	RetryBackoff    time.Duration `env:"RETRY_BACKOFF" envDefault:"300ms"`
	LockTTL         time.Duration `env:"LOCK_TTL" envDefault:"60s"`
	SessionTTL      time.Duration `env:"SESSION_TTL" envDefault:"168h"`
	BreakerFailures int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerOpenFor  time.Duration `env:"BREAKER_OPEN" envDefault:"60s"`
	AutoReset       bool          `env:"BREAKER_AUTO_RESET" envDefault:"true"`
	AutoResetMinAge time.Duration `env:"BREAKER_AUTO_RESET_MIN_AGE" envDefault:"30s"`
}

type ReconcileConfig struct {
	Enabled        bool          `env:"ENABLED" envDefault:"true"`
	Interval       time.Duration `env:"INTERVAL" envDefault:"60s"`
	Limit          int           `env:"LIMIT" envDefault:"200"`
	StaleThreshold time.Duration `env:"STALE_THRESHOLD" envDefault:"15m"`
}

type LivePullConfig struct {
	Enabled       bool          `env:"ENABLED" envDefault:"false"`
	BatchLimit    int           `env:"BATCH_LIMIT" envDefault:"20"`
	SessionsLimit int           `env:"SESSIONS_LIMIT" envDefault:"100"`
	RetryAttempts int           `env:"RETRY_ATTEMPTS" envDefault:"2"`
	RetryBackoff  time.Duration `env:"RETRY_BACKOFF" envDefault:"300ms"`
}

type IdempotencyConfig struct {
	// Backend is "broker" for the shared store or "memory" for a bounded
	// single-process guard.
	Backend string        `env:"BACKEND" envDefault:"broker"`
	TTL     time.Duration `env:"TTL" envDefault:"24h"`
	MaxKeys int           `env:"MAX_KEYS" envDefault:"100000"`
}

type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

type AdminConfig struct {
	Addr            string        `env:"ADDR" envDefault:":8090"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

type TracingConfig struct {
	Enabled     bool   `env:"ENABLED"`
	Endpoint    string `env:"ENDPOINT"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"interview-analytics"`
}

type Config struct {
	// StateStore is "broker" to mirror connector state in the broker or
	// "memory" to keep it in process.
	StateStore  string            `env:"STATE_STORE" envDefault:"broker"`
	Broker      BrokerConfig      `envPrefix:"BROKER_"`
	Queue       QueueConfig       `envPrefix:"QUEUE_"`
	Connector   ConnectorConfig   `envPrefix:"CONNECTOR_"`
	Reconcile   ReconcileConfig   `envPrefix:"RECONCILE_"`
	LivePull    LivePullConfig    `envPrefix:"LIVE_PULL_"`
	Idempotency IdempotencyConfig `envPrefix:"IDEMPOTENCY_"`
	Log         LogConfig         `envPrefix:"LOG_"`
	Admin       AdminConfig       `envPrefix:"ADMIN_"`
	Tracing     TracingConfig     `envPrefix:"OTEL_"`
}

// Load parses the process environment and validates the result.
func Load() (Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// LoadFrom parses vars instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.StateStore = strings.ToLower(strings.TrimSpace(cfg.StateStore))
	cfg.Idempotency.Backend = strings.ToLower(strings.TrimSpace(cfg.Idempotency.Backend))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.StateStore == "broker" || c.StateStore == "memory", "%sSTATE_STORE must be broker or memory, got %q", Prefix, c.StateStore)
	check(c.Queue.MaxAttempts >= 0, "%sQUEUE_MAX_ATTEMPTS must not be negative", Prefix)
	check(c.Queue.Backoff >= 0, "%sQUEUE_BACKOFF must not be negative", Prefix)
	for name, raw := range c.Queue.StageRetry {
		_, known := queue.LookupStage(name)
		check(known, "%sQUEUE_STAGE_RETRY names unknown stage %q", Prefix, name)
		_, err := parseRetryPolicy(raw)
		check(err == nil, "%sQUEUE_STAGE_RETRY %s: %v", Prefix, name, err)
	}
	check(c.Queue.Block >= time.Millisecond, "%sQUEUE_BLOCK must be at least 1ms", Prefix)
	check(c.Connector.RetryAttempts >= 1, "%sCONNECTOR_RETRY_ATTEMPTS must be at least 1", Prefix)
	check(c.Connector.BreakerFailures >= 1, "%sCONNECTOR_BREAKER_FAILURE_THRESHOLD must be at least 1", Prefix)
	check(c.Connector.BreakerOpenFor > 0, "%sCONNECTOR_BREAKER_OPEN must be positive", Prefix)
	check(c.Connector.LockTTL > 0, "%sCONNECTOR_LOCK_TTL must be positive", Prefix)
	check(c.Connector.SessionTTL > 0, "%sCONNECTOR_SESSION_TTL must be positive", Prefix)
	check(c.Reconcile.Interval > 0, "%sRECONCILE_INTERVAL must be positive", Prefix)
	check(c.Reconcile.Limit >= 1, "%sRECONCILE_LIMIT must be at least 1", Prefix)
	check(c.Reconcile.StaleThreshold > 0, "%sRECONCILE_STALE_THRESHOLD must be positive", Prefix)
	check(c.LivePull.BatchLimit >= 1, "%sLIVE_PULL_BATCH_LIMIT must be at least 1", Prefix)
	check(c.LivePull.SessionsLimit >= 1, "%sLIVE_PULL_SESSIONS_LIMIT must be at least 1", Prefix)
	check(c.LivePull.RetryAttempts >= 1, "%sLIVE_PULL_RETRY_ATTEMPTS must be at least 1", Prefix)
	check(c.Idempotency.Backend == "broker" || c.Idempotency.Backend == "memory", "%sIDEMPOTENCY_BACKEND must be broker or memory, got %q", Prefix, c.Idempotency.Backend)
	check(c.Idempotency.TTL > 0, "%sIDEMPOTENCY_TTL must be positive", Prefix)
	check(c.Idempotency.MaxKeys >= 1, "%sIDEMPOTENCY_MAX_KEYS must be at least 1", Prefix)
	check(c.Tracing.Endpoint != "" || !c.Tracing.Enabled, "%sOTEL_ENDPOINT is required when tracing is enabled", Prefix)
	return errors.Join(errs...)
}

// BrokerOptions maps the broker settings onto the client config. Reads use
// the go-redis default timeout; blocking reads extend it per call.
func (c Config) BrokerOptions() broker.Config {
	b := c.Broker
	return broker.Config{
		Addr:         b.Addr,
		Addrs:        b.Addrs,
		Username:     b.Username,
		Password:     b.Password,
		MasterName:   b.MasterName,
		DB:           b.DB,
		PoolSize:     b.PoolSize,
		DialTimeout:  b.DialTimeout,
		WriteTimeout: b.WriteTimeout,
		TLS: broker.TLSConfig{
			CAFile:             b.TLSCAFile,
			CertFile:           b.TLSCertFile,
			KeyFile:            b.TLSKeyFile,
			ServerName:         b.TLSServerName,
			InsecureSkipVerify: b.TLSSkipVerify,
		},
	}
}

// RetryPolicy resolves the policy of stage: the stage default, then the
// global queue overrides, then the stage's own override.
func (c Config) RetryPolicy(stage queue.Stage) queue.RetryPolicy {
	policy := stage.Retry
	if policy.MaxAttempts == 0 {
		policy = queue.DefaultRetryPolicy
	}
	if c.Queue.MaxAttempts > 0 {
		policy.MaxAttempts = c.Queue.MaxAttempts
	}
	if c.Queue.Backoff > 0 {
		policy.Backoff = c.Queue.Backoff
	}
	for name, raw := range c.Queue.StageRetry {
		if name != stage.Name && name != stage.Queue {
			continue
		}
		if override, err := parseRetryPolicy(raw); err == nil {
			policy = override
		}
	}
	return policy
}

// parseRetryPolicy reads "<max_attempts>/<backoff>", e.g. "3/1s".
func parseRetryPolicy(raw string) (queue.RetryPolicy, error) {
	attemptsRaw, backoffRaw, ok := strings.Cut(strings.TrimSpace(raw), "/")
	if !ok {
		return queue.RetryPolicy{}, fmt.Errorf("want <max_attempts>/<backoff>, got %q", raw)
	}
	attempts, err := strconv.Atoi(strings.TrimSpace(attemptsRaw))
	if err != nil || attempts < 1 {
		return queue.RetryPolicy{}, fmt.Errorf("max attempts must be a positive integer, got %q", attemptsRaw)
	}
	backoff, err := time.ParseDuration(strings.TrimSpace(backoffRaw))
	if err != nil || backoff < 0 {
		return queue.RetryPolicy{}, fmt.Errorf("invalid backoff %q", backoffRaw)
	}
	return queue.RetryPolicy{MaxAttempts: attempts, Backoff: backoff}, nil
}

func (c Config) ConnectorOptions() connector.Config {
	k := c.Connector
	return connector.Config{
		Provider: k.Provider,
		Retry:    connector.RetryConfig{Attempts: k.RetryAttempts, Backoff: k.RetryBackoff},
		Breaker: connector.BreakerConfig{
			FailureThreshold: k.BreakerFailures,
			OpenFor:          k.BreakerOpenFor,
		},
		AutoReset:  connector.AutoResetConfig{Enabled: k.AutoReset, MinAge: k.AutoResetMinAge},
		LockTTL:    k.LockTTL,
		SessionTTL: k.SessionTTL,
		Reconcile: connector.ReconcileConfig{
			Enabled:        c.Reconcile.Enabled,
			Limit:          c.Reconcile.Limit,
			StaleThreshold: c.Reconcile.StaleThreshold,
		},
		LivePull: connector.LivePullConfig{
			Enabled:        c.LivePull.Enabled,
			BatchLimit:     c.LivePull.BatchLimit,
			SessionsLimit:  c.LivePull.SessionsLimit,
			Retry:          connector.RetryConfig{Attempts: c.LivePull.RetryAttempts, Backoff: c.LivePull.RetryBackoff},
			IdempotencyTTL: c.Idempotency.TTL,
		},
	}
}

func (c Config) LogOptions() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format}
}

func (c Config) TracingOptions() tracing.Config {
	return tracing.Config{Enabled: c.Tracing.Enabled, Endpoint: c.Tracing.Endpoint, ServiceName: c.Tracing.ServiceName}
}
