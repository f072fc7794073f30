/*
Package config loads the process-wide options from §6: a YAML file with
CLINIC_*-prefixed environment variable overrides, in the manner of the
other example bots in this pack (compare
0xtitan6-polymarket-mm/internal/config, which pairs a viper.Viper with a
POLY_ env prefix the same way).
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every option §6 recognizes.
type Config struct {
	DefaultStockLocationCode string `mapstructure:"default_stock_location_code"`
	DefaultCurrency          string `mapstructure:"default_currency"`
	AllowExpiredOnRefund     bool   `mapstructure:"allow_expired_on_refund"`
	SaleNumberFormat         string `mapstructure:"sale_number_format"`
	OptimisticRetryLimit     int    `mapstructure:"optimistic_retry_limit"`

	Store    StoreConfig    `mapstructure:"store"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // "sqlite" or "postgres"
	DSN    string `mapstructure:"dsn"`
}

type HTTPConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "console"
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("default_stock_location_code", "MAIN-WAREHOUSE")
	v.SetDefault("default_currency", "EUR")
	v.SetDefault("allow_expired_on_refund", true)
	v.SetDefault("sale_number_format", "SALE-{{.Year}}-{{.Seq:06d}}")
	v.SetDefault("optimistic_retry_limit", 0)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "clinicflow.db")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.allowed_origins", []string{"*"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "clinicflow-sales-core")
}

// Load reads config from path (if non-empty and present) layered under
// defaults, then applies CLINIC_* environment overrides, per §6.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("CLINIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("reading config file %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants §6 implies (non-empty location code,
// ISO-4217-shaped currency, a known store driver).
func (c *Config) Validate() error {
	if c.DefaultStockLocationCode == "" {
		return fmt.Errorf("default_stock_location_code must not be empty")
	}
	if len(c.DefaultCurrency) != 3 {
		return fmt.Errorf("default_currency must be a 3-letter ISO-4217 code, got %q", c.DefaultCurrency)
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.OptimisticRetryLimit < 0 {
		return fmt.Errorf("optimistic_retry_limit must be >= 0")
	}
	return nil
}
