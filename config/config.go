// Package config loads the wallet configuration from the data directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete application configuration, read from config.json
// in the data directory with GUN_* environment overrides.
type Config struct {
	Network string        `mapstructure:"network"`
	Chain   ChainConfig   `mapstructure:"chain"`
	Oracle  OracleConfig  `mapstructure:"oracle"`
	Betting BettingConfig `mapstructure:"betting"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ChainConfig holds blockchain backend configuration.
type ChainConfig struct {
	EsploraURL string        `mapstructure:"esplora_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Retries    int           `mapstructure:"retries"`
}

// OracleConfig holds oracle client configuration.
type OracleConfig struct {
	Scheme  string        `mapstructure:"scheme"`
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
}

// BettingConfig holds protocol knobs.
type BettingConfig struct {
	MinEventMargin     time.Duration `mapstructure:"min_event_margin"`
	FeeRate            uint32        `mapstructure:"fee_rate"`
	ClaimConfirmations uint32        `mapstructure:"claim_confirmations"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads the config file, creating it with defaults on first use.
func Load(dataDir string) (*Config, error) {
	v := viper.New()
	path := filepath.Join(dataDir, "config.json")
	v.SetConfigFile(path)
	setDefaults(v)
	v.SetEnvPrefix("GUN")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			if err := v.SafeWriteConfigAs(path); err != nil {
				return nil, fmt.Errorf("write default config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("network", "bitcoin")
	v.SetDefault("chain.esplora_url", "https://blockstream.info/api")
	v.SetDefault("chain.timeout", "30s")
	v.SetDefault("chain.retries", 3)
	v.SetDefault("oracle.scheme", "https")
	v.SetDefault("oracle.timeout", "30s")
	v.SetDefault("oracle.retries", 3)
	v.SetDefault("betting.min_event_margin", "1h")
	v.SetDefault("betting.fee_rate", 2)
	v.SetDefault("betting.claim_confirmations", 1)
	v.SetDefault("logging.level", "info")
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	switch c.Network {
	case "bitcoin", "testnet", "signet", "regtest":
	default:
		return fmt.Errorf("network must be one of bitcoin, testnet, signet, regtest, got %q", c.Network)
	}
	if c.Chain.EsploraURL == "" {
		return fmt.Errorf("chain.esplora_url is required")
	}
	if c.Chain.Timeout <= 0 {
		return fmt.Errorf("chain.timeout must be positive")
	}
	if c.Oracle.Scheme != "https" && c.Oracle.Scheme != "http" {
		return fmt.Errorf("oracle.scheme must be https or http")
	}
	if c.Betting.FeeRate == 0 {
		return fmt.Errorf("betting.fee_rate must be positive")
	}
	if c.Betting.MinEventMargin < 0 {
		return fmt.Errorf("betting.min_event_margin must not be negative")
	}
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of trace, debug, info, warn, error")
	}
	return nil
}
