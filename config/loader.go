package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix prefixes environment overrides, e.g. MERCHANTFLOW_DATABASE_URL.
const EnvPrefix = "MERCHANTFLOW"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Load reads path (optional, yaml) over the defaults and applies
// MERCHANTFLOW_* environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	setDefaults(v, cfg)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys absent
// from the file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("database.url", cfg.Database.URL)
	v.SetDefault("database.max_conns", cfg.Database.MaxConns)
	v.SetDefault("api.base_url", cfg.API.BaseURL)
	v.SetDefault("api.token", cfg.API.Token)
	v.SetDefault("api.timeout", cfg.API.Timeout)
	v.SetDefault("events.settle_delay", cfg.Events.SettleDelay)
	v.SetDefault("events.buffer", cfg.Events.Buffer)
	v.SetDefault("auth.secret", cfg.Auth.Secret)
	v.SetDefault("auth.token_ttl", cfg.Auth.TokenTTL)
	v.SetDefault("logging.environment", cfg.Logging.Environment)
	v.SetDefault("logging.level", cfg.Logging.Level)
}

func (c *Config) Validate() error {
	switch {
	case c.Database.MaxConns <= 0:
		return fmt.Errorf("%w: database.max_conns must be positive", ErrInvalid)
	case c.Events.SettleDelay <= 0:
		return fmt.Errorf("%w: events.settle_delay must be positive", ErrInvalid)
	case c.Events.Buffer <= 0:
		return fmt.Errorf("%w: events.buffer must be positive", ErrInvalid)
	case c.API.Timeout <= 0:
		return fmt.Errorf("%w: api.timeout must be positive", ErrInvalid)
	case c.Auth.TokenTTL <= 0:
		return fmt.Errorf("%w: auth.token_ttl must be positive", ErrInvalid)
	}
	if c.API.BaseURL != "" {
		u, err := url.Parse(c.API.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: api.base_url %q is not absolute", ErrInvalid, c.API.BaseURL)
		}
	}
	return nil
}

// Log writes the effective configuration with secrets redacted.
func Log(logger *zap.Logger, c *Config) {
	logger.Info("configuration loaded",
		zap.String("database.url", redactURL(c.Database.URL)),
		zap.Int32("database.max_conns", c.Database.MaxConns),
		zap.String("api.base_url", c.API.BaseURL),
		zap.String("api.token", redact(c.API.Token)),
		zap.Duration("api.timeout", c.API.Timeout),
		zap.Duration("events.settle_delay", c.Events.SettleDelay),
		zap.Int("events.buffer", c.Events.Buffer),
		zap.String("auth.secret", redact(c.Auth.Secret)),
		zap.Duration("auth.token_ttl", c.Auth.TokenTTL),
		zap.String("logging.environment", c.Logging.Environment),
		zap.String("logging.level", c.Logging.Level),
	)
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "[redacted]"
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return redact(raw)
	}
	return u.Redacted()
}
