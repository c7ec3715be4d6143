package telemetry

import (
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
	if cfg.ServiceName != "loom" {
		t.Errorf("unexpected service name: %s", cfg.ServiceName)
	}
	if cfg.Tracing.Enabled || cfg.Metrics.Enabled {
		t.Error("tracing and metrics should be disabled by default")
	}
}

func TestProductionConfigIsValid(t *testing.T) {
	cfg := ProductionConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("production config should validate: %v", err)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("production logging should be json, got %s", cfg.Logging.Format)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Exporter != "otlp" {
		t.Errorf("production tracing should use otlp: %+v", cfg.Tracing)
	}
}

func TestDevelopmentConfigIsValid(t *testing.T) {
	cfg := DevelopmentConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("development config should validate: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.EnableCaller {
		t.Errorf("development logging should be verbose: %+v", cfg.Logging)
	}
}

func TestConfigValidationRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty service name", func(c *Config) { c.ServiceName = "" }},
		{"empty service version", func(c *Config) { c.ServiceVersion = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"bad exporter", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}},
		{"sampling rate above one", func(c *Config) { c.Tracing.SamplingRate = 1.5 }},
		{"negative sampling rate", func(c *Config) { c.Tracing.SamplingRate = -0.1 }},
		{"metrics without address", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.ListenAddress = ""
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
