package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"

	"github.com/kumc-bmi/refsync/internal/platform/dsconnect"
	"github.com/kumc-bmi/refsync/internal/platform/redcap"
	"github.com/kumc-bmi/refsync/internal/platform/refcode"
)

// TokenEnv is the environment variable holding the REDCap API token.
const TokenEnv = "REDCAP_API_TOKEN"

type Config struct {
	Env          string        `mapstructure:"ENV"`
	RedcapAPIURL string        `mapstructure:"REDCAP_API_URL"`
	RedcapToken  string        `mapstructure:"REDCAP_API_TOKEN"`
	DSConnectURL string        `mapstructure:"DSCONNECT_URL"`
	BatchSize    int           `mapstructure:"BATCH_SIZE"`
	SiteQty      int           `mapstructure:"SITE_QTY"`
	HTTPTimeout  time.Duration `mapstructure:"HTTP_TIMEOUT"`
	StubAddr     string        `mapstructure:"STUB_ADDR"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "production")
	v.SetDefault("REDCAP_API_URL", redcap.DefaultURL)
	v.SetDefault("DSCONNECT_URL", dsconnect.DefaultURL)
	v.SetDefault("BATCH_SIZE", refcode.DefaultBatchSize)
	v.SetDefault("SITE_QTY", refcode.DefaultSiteQty)
	v.SetDefault("HTTP_TIMEOUT", "0s") // 0 = no client timeout
	v.SetDefault("STUB_ADDR", "127.0.0.1:8090")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("ENV")
	v.BindEnv("REDCAP_API_URL")
	v.BindEnv(TokenEnv)
	v.BindEnv("DSCONNECT_URL")
	v.BindEnv("BATCH_SIZE")
	v.BindEnv("SITE_QTY")
	v.BindEnv("HTTP_TIMEOUT")
	v.BindEnv("STUB_ADDR")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks ranges and URLs. It does not require the REDCap token;
// commands that import call RequireToken.
func (c *Config) Validate() error {
	if c.BatchSize < 0 || c.BatchSize > refcode.MaxBatchSize {
		return fmt.Errorf("BATCH_SIZE must be between 0 and %d, got %d", refcode.MaxBatchSize, c.BatchSize)
	}
	if c.SiteQty < 0 || c.SiteQty > refcode.MaxSites {
		return fmt.Errorf("SITE_QTY must be between 0 and %d, got %d", refcode.MaxSites, c.SiteQty)
	}
	if c.HTTPTimeout < 0 {
		return fmt.Errorf("HTTP_TIMEOUT must not be negative, got %s", c.HTTPTimeout)
	}
	for name, raw := range map[string]string{"REDCAP_API_URL": c.RedcapAPIURL, "DSCONNECT_URL": c.DSConnectURL} {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("%s is not a valid URL: %w", name, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s must be an http or https URL, got %q", name, raw)
		}
	}
	return nil
}

// RequireToken fails when no REDCap API token is configured.
func (c *Config) RequireToken() error {
	if c.RedcapToken == "" {
		return fmt.Errorf("%s is required", TokenEnv)
	}
	return nil
}
