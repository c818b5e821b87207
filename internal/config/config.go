// Package config loads the gateway configuration from defaults and the
// environment. Environment variables use the GATEWAY_ prefix and map the first
// segment to a section: GATEWAY_IDEMPOTENCY_SWEEP_INTERVAL sets
// idempotency.sweep_interval.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of every environment variable read by Load
const EnvPrefix = "GATEWAY_"

// Config is the complete gateway configuration
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Idempotency IdempotencyConfig `koanf:"idempotency"`
	Payment     PaymentConfig     `koanf:"payment"`
	Log         LogConfig         `koanf:"log"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"             validate:"min=1,max=65535"`
	Env             string        `koanf:"env"              validate:"required"`
	AllowedOrigins  []string      `koanf:"allowed_origins"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// IdempotencyConfig configures the store and the middleware.
// Zero SweepInterval sweeps once per TTL; zero WaitTimeout bounds waits by the TTL only.
type IdempotencyConfig struct {
	TTL           time.Duration `koanf:"ttl"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
	WaitTimeout   time.Duration `koanf:"wait_timeout"`
	HeaderName    string        `koanf:"header_name"    validate:"required"`
	ReplayHeader  string        `koanf:"replay_header"  validate:"required"`
	MaxBodyBytes  int64         `koanf:"max_body_bytes" validate:"gt=0"`
}

// PaymentConfig configures the simulated charge
type PaymentConfig struct {
	ProcessingDelay time.Duration `koanf:"processing_delay"`
}

// LogConfig configures the process logger
type LogConfig struct {
	Level string `koanf:"level" validate:"oneof=debug info warn error disabled"`
	JSON  bool   `koanf:"json"`
}

// legacyEnvKeys maps the unprefixed variables of the original gateway to
// config paths. GATEWAY_* variables take precedence over them.
var legacyEnvKeys = map[string]string{
	"PORT":            "server.port",
	"NODE_ENV":        "server.env",
	"ALLOWED_ORIGINS": "server.allowed_origins",
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "",
			Port:            3000,
			Env:             "development",
			AllowedOrigins:  []string{"*"},
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Idempotency: IdempotencyConfig{
			TTL:           24 * time.Hour,
			SweepInterval: 0,
			WaitTimeout:   0,
			HeaderName:    "Idempotency-Key",
			ReplayHeader:  "X-Cache-Hit",
			MaxBodyBytes:  1 << 20,
		},
		Payment: PaymentConfig{
			ProcessingDelay: 2 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// IsProduction reports whether the server runs in production mode
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Env, "production")
}

// Load builds the configuration from defaults, then PORT, NODE_ENV and
// ALLOWED_ORIGINS, then GATEWAY_* variables
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if err := k.Load(env.Provider(".", env.Opt{
		TransformFunc: func(key string, value string) (string, any) {
			return legacyEnvKeys[key], value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load legacy environment variables: %w", err)
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key string, value string) (string, any) {
			return transformEnvKey(strings.TrimPrefix(key, EnvPrefix)), value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &cfg,
			TagName:          "koanf",
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks struct rules and the duration constraints validator tags cannot express
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	var errs []error
	if c.Idempotency.TTL <= 0 {
		errs = append(errs, errors.New("idempotency.ttl must be positive"))
	}
	if c.Idempotency.SweepInterval < 0 {
		errs = append(errs, errors.New("idempotency.sweep_interval must not be negative"))
	}
	if c.Idempotency.WaitTimeout < 0 {
		errs = append(errs, errors.New("idempotency.wait_timeout must not be negative"))
	}
	if c.Payment.ProcessingDelay < 0 {
		errs = append(errs, errors.New("payment.processing_delay must not be negative"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// transformEnvKey converts a variable name without prefix to a koanf path.
// For example: IDEMPOTENCY_SWEEP_INTERVAL -> idempotency.sweep_interval
func transformEnvKey(s string) string {
	parts := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return r == '_'
	})
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	default:
		return parts[0] + "." + strings.Join(parts[1:], "_")
	}
}
