package ai

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDuration_YAMLAndJSON(t *testing.T) {
	var cfg ContextConfig
	if err := yaml.Unmarshal([]byte("retention: 36h\ntimeout: 45s\n"), &cfg); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if cfg.Retention.Std() != 36*time.Hour || cfg.Timeout.Std() != 45*time.Second {
		t.Errorf("yaml durations = %v / %v", cfg.Retention, cfg.Timeout)
	}

	if err := json.Unmarshal([]byte(`{"timeout":"2m","retention":""}`), &cfg); err != nil {
		t.Fatalf("json: %v", err)
	}
	if cfg.Timeout.Std() != 2*time.Minute || cfg.Retention != 0 {
		t.Errorf("json durations = %v / %v", cfg.Retention, cfg.Timeout)
	}

	out, err := json.Marshal(Duration(90 * time.Second))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `"1m30s"` {
		t.Errorf("marshal = %s", out)
	}

	if err := json.Unmarshal([]byte(`{"timeout":"soon"}`), &cfg); err == nil {
		t.Error("invalid duration accepted")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"default", func(*Config) {}, ""},
		{"no models", func(c *Config) { c.Models = nil }, "at least one model"},
		{"duplicate", func(c *Config) { c.Models = append(c.Models, c.Models[0]) }, "duplicate model"},
		{"unknown default", func(c *Config) { c.DefaultModel = "nope" }, "default model"},
		{"bad backend", func(c *Config) { c.Context.Backend = "redis" }, "unknown context backend"},
		{"file without dir", func(c *Config) { c.Context.Backend = "file" }, "context.dir"},
		{"negative limit", func(c *Config) { c.Context.MaxMessages = -1 }, "must not be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestResolveSecret(t *testing.T) {
	t.Setenv("OPENAI_SERVICE_TEST_KEY", "sk-test")
	if got := ResolveSecret("env:OPENAI_SERVICE_TEST_KEY"); got != "sk-test" {
		t.Errorf("env secret = %q", got)
	}
	if got := ResolveSecret("sk-inline"); got != "sk-inline" {
		t.Errorf("inline secret = %q", got)
	}
}
