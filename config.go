package restx

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ClientConfig is the file and environment form of the client settings.
// Environment variables use the prefix RESTX with dots replaced by
// underscores, e.g. RESTX_RETRY_MAX_RETRIES=5.
type ClientConfig struct {
	Timeout               time.Duration `mapstructure:"timeout"`
	ConnectTimeout        time.Duration `mapstructure:"connect_timeout"`
	MaxIdleConns          int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `mapstructure:"max_idle_conns_per_host"`
	IdleConnTimeout       time.Duration `mapstructure:"idle_conn_timeout"`
	TLSHandshakeTimeout   time.Duration `mapstructure:"tls_handshake_timeout"`
	ExpectContinueTimeout time.Duration `mapstructure:"expect_continue_timeout"`
	DisableKeepAlive      bool          `mapstructure:"disable_keep_alive"`
	Proxy                 string        `mapstructure:"proxy" validate:"omitempty,url"`
	Compression           bool          `mapstructure:"compression"`
	RequestIDHeader       string        `mapstructure:"request_id_header"`
	ListSeparator         string        `mapstructure:"list_separator"`
	ServiceFile           string        `mapstructure:"service_file"`

	Retry     RetryConfig     `mapstructure:"retry"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log       LogConfig       `mapstructure:"log"`
}

// RetryConfig selects the StrategyRetryHandler settings.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries" validate:"gte=0"`
	Strategy   string        `mapstructure:"strategy" validate:"omitempty,oneof=fixed jitter exponential"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
}

// RateLimitConfig configures a token bucket shared by all invocations.
// A zero RequestsPerSecond disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int     `mapstructure:"burst" validate:"gte=0"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" validate:"omitempty,oneof=debug info warn warning error"`
	// Format: console or json
	Format string `mapstructure:"format" validate:"omitempty,oneof=console json"`
	// Outputs: stdout, stderr or file paths
	Outputs  []string       `mapstructure:"outputs"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// DefaultClientConfig returns the settings NewClientBuilder and
// NewStrategyRetryHandler use by default.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:               DefaultTimeout,
		ConnectTimeout:        DefaultConnectTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ExpectContinueTimeout: DefaultExpectContinueTimeout,
		DisableKeepAlive:      DefaultDisableKeepAlive,
		Retry: RetryConfig{
			MaxRetries: DefaultMaxRetries,
			Strategy:   ExponentialBackoffStrategy.String(),
			BaseDelay:  DefaultBaseDelay,
			MaxDelay:   DefaultMaxDelay,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
			},
		},
	}
}

// LoadClientConfig reads path (optional) on top of the defaults and applies
// RESTX_ environment overrides.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("RESTX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("timeout", cfg.Timeout)
	v.SetDefault("connect_timeout", cfg.ConnectTimeout)
	v.SetDefault("max_idle_conns", cfg.MaxIdleConns)
	v.SetDefault("max_idle_conns_per_host", cfg.MaxIdleConnsPerHost)
	v.SetDefault("idle_conn_timeout", cfg.IdleConnTimeout)
	v.SetDefault("tls_handshake_timeout", cfg.TLSHandshakeTimeout)
	v.SetDefault("expect_continue_timeout", cfg.ExpectContinueTimeout)
	v.SetDefault("disable_keep_alive", cfg.DisableKeepAlive)
	v.SetDefault("proxy", cfg.Proxy)
	v.SetDefault("compression", cfg.Compression)
	v.SetDefault("request_id_header", cfg.RequestIDHeader)
	v.SetDefault("list_separator", cfg.ListSeparator)
	v.SetDefault("service_file", cfg.ServiceFile)
	v.SetDefault("retry.max_retries", cfg.Retry.MaxRetries)
	v.SetDefault("retry.strategy", cfg.Retry.Strategy)
	v.SetDefault("retry.base_delay", cfg.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", cfg.Retry.MaxDelay)
	v.SetDefault("rate_limit.requests_per_second", cfg.RateLimit.RequestsPerSecond)
	v.SetDefault("rate_limit.burst", cfg.RateLimit.Burst)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path == "" {
		path = os.Getenv("RESTX_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// HTTPClient builds the transport. Out of range values fall back to their
// defaults with a warning on logger.
func (c *ClientConfig) HTTPClient(logger *zap.Logger) *http.Client {
	return NewClientBuilder().
		WithLogger(logger).
		WithTimeout(c.Timeout).
		WithConnectTimeout(c.ConnectTimeout).
		WithMaxIdleConns(c.MaxIdleConns).
		WithMaxIdleConnsPerHost(c.MaxIdleConnsPerHost).
		WithIdleConnTimeout(c.IdleConnTimeout).
		WithTLSHandshakeTimeout(c.TLSHandshakeTimeout).
		WithExpectContinueTimeout(c.ExpectContinueTimeout).
		WithDisableKeepAlive(c.DisableKeepAlive).
		WithProxy(c.Proxy).
		Build()
}

// RetryHandler builds a StrategyRetryHandler. Out of range values fall back
// to their defaults with a warning on logger.
func (c *ClientConfig) RetryHandler(logger *zap.Logger) *StrategyRetryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := c.Retry

	if r.MaxRetries < ValidMinRetries || r.MaxRetries > ValidMaxRetries {
		logger.Warn("Invalid max retries, using default value", zap.Int("invalidValue", r.MaxRetries), zap.Int("defaultValue", DefaultMaxRetries))

		r.MaxRetries = DefaultMaxRetries
	}

	if r.BaseDelay < ValidMinBaseDelay || r.BaseDelay > ValidMaxBaseDelay {
		logger.Warn("Invalid retry base delay, using default value", zap.Duration("invalidValue", r.BaseDelay), zap.Duration("defaultValue", DefaultBaseDelay))

		r.BaseDelay = DefaultBaseDelay
	}

	if r.MaxDelay < ValidMinMaxDelay || r.MaxDelay > ValidMaxMaxDelay {
		logger.Warn("Invalid retry max delay, using default value", zap.Duration("invalidValue", r.MaxDelay), zap.Duration("defaultValue", DefaultMaxDelay))

		r.MaxDelay = DefaultMaxDelay
	}

	strategy := Strategy(r.Strategy)
	if !strategy.IsValid() {
		logger.Warn("Invalid retry strategy type, using default (Exponential)", zap.String("invalidValue", r.Strategy), zap.Stringer("defaultValue", ExponentialBackoffStrategy))

		strategy = ExponentialBackoffStrategy
	}

	return NewStrategyRetryHandler(
		WithMaxRetries(r.MaxRetries),
		WithRetryStrategy(NewRetryStrategy(strategy, r.BaseDelay, r.MaxDelay)),
		WithMaxDelay(r.MaxDelay),
	)
}

// Limiter returns the configured rate limiter, or nil when disabled.
func (c *ClientConfig) Limiter() *rate.Limiter {
	if c.RateLimit.RequestsPerSecond <= 0 {
		return nil
	}

	return rate.NewLimiter(rate.Limit(c.RateLimit.RequestsPerSecond), max(c.RateLimit.Burst, 1))
}

// Options converts the configuration into client options.
func (c *ClientConfig) Options(logger *zap.Logger) []ClientOption {
	opts := []ClientOption{
		WithLogger(logger),
		WithHTTPClient(c.HTTPClient(logger)),
		WithResponseCompression(c.Compression),
		WithRetryHandler(c.RetryHandler(logger)),
		WithDefaultListSeparator(c.ListSeparator),
	}

	if limiter := c.Limiter(); limiter != nil {
		opts = append(opts, WithRateLimiter(limiter))
	}

	if c.RequestIDHeader != "" {
		opts = append(opts, WithRequestID(c.RequestIDHeader))
	}

	return opts
}

// NewClientFromConfig loads the service file named by cfg and builds a
// Client with cfg's settings. Extra options are applied last.
func NewClientFromConfig(cfg *ClientConfig, logger *zap.Logger, extra ...ClientOption) (*Client, error) {
	if cfg.ServiceFile == "" {
		return nil, fmt.Errorf("config has no service_file")
	}

	service, err := LoadServiceFile(cfg.ServiceFile)
	if err != nil {
		return nil, err
	}

	return NewClient(service, append(cfg.Options(logger), extra...)...)
}

// NewLogger builds a zap.Logger from c. File outputs are rotated with
// lumberjack when rotation is enabled.
func NewLogger(c LogConfig) (*zap.Logger, error) {
	name := strings.ToLower(firstNonEmpty(c.Level, "info"))
	if name == "warning" {
		name = "warn"
	}

	level, err := zapcore.ParseLevel(name)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if strings.EqualFold(c.Format, "json") {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	outputs := c.Outputs
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	cores := make([]zapcore.Core, 0, len(outputs))
	for _, out := range outputs {
		var ws zapcore.WriteSyncer

		switch strings.ToLower(out) {
		case "stdout":
			ws = zapcore.AddSync(os.Stdout)
		case "stderr":
			ws = zapcore.AddSync(os.Stderr)
		default:
			if c.Rotation.Enable {
				ws = zapcore.AddSync(&lumberjack.Logger{
					Filename:   out,
					MaxSize:    max(c.Rotation.MaxSizeMB, 1),
					MaxBackups: max(c.Rotation.MaxBackups, 0),
					MaxAge:     max(c.Rotation.MaxAgeDays, 0),
					Compress:   c.Rotation.Compress,
				})
			} else {
				f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
				if err != nil {
					return nil, fmt.Errorf("open log output: %w", err)
				}

				ws = zapcore.AddSync(f)
			}
		}

		cores = append(cores, zapcore.NewCore(encoder, ws, level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}
