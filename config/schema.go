package config

import "time"

// Config is the full onboardd configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	API      APIConfig      `yaml:"api" mapstructure:"api"`
	Events   EventsConfig   `yaml:"events" mapstructure:"events"`
	Auth     AuthConfig     `yaml:"auth" mapstructure:"auth"`
	Logging  LoggingConfig  `yaml:"logging" mapstructure:"logging"`
}

// DatabaseConfig configures the Postgres server of record and push transport.
type DatabaseConfig struct {
	URL      string `yaml:"url" mapstructure:"url"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// APIConfig configures the REST gateway. An empty BaseURL selects the
// Postgres store instead.
type APIConfig struct {
	BaseURL string        `yaml:"base_url" mapstructure:"base_url"`
	Token   string        `yaml:"token" mapstructure:"token"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

type EventsConfig struct {
	SettleDelay time.Duration `yaml:"settle_delay" mapstructure:"settle_delay"`
	Buffer      int           `yaml:"buffer" mapstructure:"buffer"`
}

// AuthConfig configures channel subscription tokens.
type AuthConfig struct {
	Secret   string        `yaml:"secret" mapstructure:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl" mapstructure:"token_ttl"`
}

type LoggingConfig struct {
	Environment string `yaml:"environment" mapstructure:"environment"`
	Level       string `yaml:"level" mapstructure:"level"`
}
