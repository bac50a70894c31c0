package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DBN_FILE_PATH", "/data/feed.ndjson")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	t.Setenv("APP_ENV", "")

	cfg := Load()
	if cfg.Server.BindAddress != "0.0.0.0:3000" {
		t.Errorf("bind address = %q", cfg.Server.BindAddress)
	}
	if cfg.Storage.DBPath != "./mbo.db" {
		t.Errorf("db path = %q", cfg.Storage.DBPath)
	}
	if cfg.Storage.BatchSize != 1000 || cfg.Storage.BatchInterval != 50*time.Millisecond {
		t.Errorf("batch = %d / %s", cfg.Storage.BatchSize, cfg.Storage.BatchInterval)
	}
	if cfg.Hub.MaxSubscribers != 1024 || cfg.Hub.SubscriberQueueCap != 1024 {
		t.Errorf("hub = %+v", cfg.Hub)
	}
	if cfg.Feed.ResumeMode != ResumeReplayFromZero || cfg.Feed.OnDecodeError != OnDecodeErrorAbort {
		t.Errorf("feed = %+v", cfg.Feed)
	}
	// Development defaults to human-readable logs.
	if cfg.Logging.Format != "text" {
		t.Errorf("format = %q", cfg.Logging.Format)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadProductionLogFormat(t *testing.T) {
	setRequired(t)
	t.Setenv("APP_ENV", "prod")
	t.Setenv("LOG_FORMAT", "")

	if cfg := Load(); cfg.Logging.Format != "json" {
		t.Errorf("format = %q, want json", cfg.Logging.Format)
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("BIND_ADDRESS", "127.0.0.1:8080")
	t.Setenv("BATCH_SIZE", "25")
	t.Setenv("BATCH_INTERVAL_MS", "10")
	t.Setenv("RESUME_MODE", ResumeFromMaxSeq)
	t.Setenv("ON_DECODE_ERROR", OnDecodeErrorSkip)

	cfg := Load()
	if cfg.Server.BindAddress != "127.0.0.1:8080" {
		t.Errorf("bind address = %q", cfg.Server.BindAddress)
	}
	if cfg.Storage.BatchSize != 25 || cfg.Storage.BatchInterval != 10*time.Millisecond {
		t.Errorf("batch = %d / %s", cfg.Storage.BatchSize, cfg.Storage.BatchInterval)
	}
	if cfg.Feed.ResumeMode != ResumeFromMaxSeq || cfg.Feed.OnDecodeError != OnDecodeErrorSkip {
		t.Errorf("feed = %+v", cfg.Feed)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestValidateFailures(t *testing.T) {
	setRequired(t)

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing feed path", func(c *Config) { c.Feed.Path = "" }},
		{"bad resume mode", func(c *Config) { c.Feed.ResumeMode = "rewind" }},
		{"bad decode policy", func(c *Config) { c.Feed.OnDecodeError = "ignore" }},
		{"zero batch size", func(c *Config) { c.Storage.BatchSize = 0 }},
		{"zero queue cap", func(c *Config) { c.Hub.SubscriberQueueCap = 0 }},
		{"archive without bucket", func(c *Config) { c.Archive.Enabled = true; c.Archive.Bucket = "" }},
	}
	for _, tc := range cases {
		cfg := Load()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestAppEnvironmentAliases(t *testing.T) {
	cases := map[string]string{
		"":        EnvironmentDevelopment,
		"prod":    EnvironmentProduction,
		"stag":    EnvironmentStaging,
		"staging": EnvironmentStaging,
		"custom":  "custom",
	}
	for in, want := range cases {
		t.Setenv("APP_ENV", in)
		if got := AppEnvironment(); got != want {
			t.Errorf("AppEnvironment(%q) = %q, want %q", in, got, want)
		}
	}
}
