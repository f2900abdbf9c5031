package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/kumc-bmi/refsync/internal/platform/dsconnect"
	"github.com/kumc-bmi/refsync/internal/platform/redcap"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"BATCH_SIZE", "SITE_QTY", "REDCAP_API_URL", "DSCONNECT_URL", "HTTP_TIMEOUT", TokenEnv} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BatchSize != 100 {
		t.Errorf("expected default batch size 100, got %d", cfg.BatchSize)
	}
	if cfg.SiteQty != 5 {
		t.Errorf("expected default site qty 5, got %d", cfg.SiteQty)
	}
	if cfg.RedcapAPIURL != redcap.DefaultURL {
		t.Errorf("expected default REDCap URL, got %s", cfg.RedcapAPIURL)
	}
	if cfg.DSConnectURL != dsconnect.DefaultURL {
		t.Errorf("expected default DS-Connect URL, got %s", cfg.DSConnectURL)
	}
	if cfg.HTTPTimeout != 0 {
		t.Errorf("expected no timeout, got %s", cfg.HTTPTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
	if err := cfg.RequireToken(); err == nil {
		t.Error("expected RequireToken to fail without a token")
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("BATCH_SIZE", "7")
	t.Setenv("SITE_QTY", "3")
	t.Setenv("HTTP_TIMEOUT", "30s")
	t.Setenv(TokenEnv, "tok")
	t.Setenv("REDCAP_API_URL", "http://localhost:8090/api/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BatchSize != 7 || cfg.SiteQty != 3 {
		t.Errorf("expected 7x3, got %dx%d", cfg.BatchSize, cfg.SiteQty)
	}
	if cfg.HTTPTimeout != 30*time.Second {
		t.Errorf("expected 30s timeout, got %s", cfg.HTTPTimeout)
	}
	if cfg.RedcapToken != "tok" {
		t.Errorf("expected token from env, got %q", cfg.RedcapToken)
	}
	if cfg.RedcapAPIURL != "http://localhost:8090/api/" {
		t.Errorf("unexpected REDCap URL %s", cfg.RedcapAPIURL)
	}
	if err := cfg.RequireToken(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			RedcapAPIURL: redcap.DefaultURL,
			DSConnectURL: dsconnect.DefaultURL,
			BatchSize:    100,
			SiteQty:      5,
		}
	}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"negative batch", func(c *Config) { c.BatchSize = -1 }, "BATCH_SIZE"},
		{"batch overflow", func(c *Config) { c.BatchSize = 10001 }, "BATCH_SIZE"},
		{"too many sites", func(c *Config) { c.SiteQty = 27 }, "SITE_QTY"},
		{"negative timeout", func(c *Config) { c.HTTPTimeout = -time.Second }, "HTTP_TIMEOUT"},
		{"bad redcap url", func(c *Config) { c.RedcapAPIURL = "redcap.kumc.edu/api" }, "REDCAP_API_URL"},
		{"bad dsconnect url", func(c *Config) { c.DSConnectURL = "ftp://x/y" }, "DSCONNECT_URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error mentioning %s, got %v", tt.wantErr, err)
			}
		})
	}
	if err := valid().Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
}
