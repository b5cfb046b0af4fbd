package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds mtgwctl's process-level configuration: which gateway to
// reach, with what timeouts, and how to log. Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	Token  string `env:"MTGW_TOKEN,required"`
	Domain string `env:"MTGW_DOMAIN" envDefault:"agiliumtrade.agiliumtrade.ai"`
	Region string `env:"MTGW_REGION"`

	AccountID      string `env:"MTGW_ACCOUNT_ID,required"`
	InstanceNumber int    `env:"MTGW_INSTANCE_NUMBER" envDefault:"0"`

	RequestTimeout time.Duration `env:"MTGW_REQUEST_TIMEOUT" envDefault:"60s"`
	ConnectTimeout time.Duration `env:"MTGW_CONNECT_TIMEOUT" envDefault:"60s"`

	MetricsAddr string `env:"MTGW_METRICS_ADDR" envDefault:":9090"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// LoadConfig reads .env (if present) and environment variables.
// Priority: ENV vars > .env file > defaults.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		fmt.Println("Info: no .env file found (using environment variables only)")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.AccountID == "" {
		return fmt.Errorf("MTGW_ACCOUNT_ID is required")
	}
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true, "console": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty, console (got: %s)", c.LogFormat)
	}
	return nil
}

// Print logs configuration for debugging (human-readable format).
func (c *Config) Print() {
	fmt.Println("=== mtgwctl configuration ===")
	fmt.Printf("Domain:          %s\n", c.Domain)
	fmt.Printf("Region:          %s\n", c.Region)
	fmt.Printf("Account:         %s (instance %d)\n", c.AccountID, c.InstanceNumber)
	fmt.Printf("Request timeout: %s\n", c.RequestTimeout)
	fmt.Printf("Connect timeout: %s\n", c.ConnectTimeout)
	fmt.Printf("Metrics addr:    %s\n", c.MetricsAddr)
	fmt.Printf("Log level:       %s\n", c.LogLevel)
	fmt.Printf("Log format:      %s\n", c.LogFormat)
	fmt.Println("==============================")
}
