package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/IMBotPlatform/OpenAIService/ai"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server:
  addr: ":9000"
  shutdown_timeout: 3s
auth:
  keys: ["secret"]
database:
  path: /tmp/test.db
ai:
  default_model: claude
  models:
    - name: claude
      provider: anthropic
      api_key: env:ANTHROPIC_API_KEY
      model_name: claude-3-5-sonnet
  context:
    backend: sqlite
    max_messages: 50
    timeout: 15s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9000" || cfg.Server.ShutdownTimeout.Std() != 3*time.Second {
		t.Errorf("server = %+v", cfg.Server)
	}
	// Unset fields keep their defaults.
	if cfg.Auth.HeaderName != "X-API-Key" || cfg.RateLimit.StatsPerMinute != 5 {
		t.Errorf("defaults lost: auth=%+v rate=%+v", cfg.Auth, cfg.RateLimit)
	}
	if cfg.AI.DefaultModel != "claude" || len(cfg.AI.Models) != 1 {
		t.Errorf("ai = %+v", cfg.AI)
	}
	if cfg.AI.Context.Backend != "sqlite" || cfg.AI.Context.MaxMessages != 50 || cfg.AI.Context.Timeout.Std() != 15*time.Second {
		t.Errorf("context = %+v", cfg.AI.Context)
	}
}

func TestLoad_JSONC(t *testing.T) {
	path := writeFile(t, "config.jsonc", `{
  // listener
  "server": {"addr": "127.0.0.1:8080"},
  "log": {"level": "debug", "format": "json"}, /* trailing comma below */
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:8080" || cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("cfg = %+v / %+v", cfg.Server, cfg.Log)
	}
}

func TestLoad_JSONModelsDoNotInheritDefaults(t *testing.T) {
	t.Setenv(EnvProxyAPIKey, "")
	path := writeFile(t, "config.json", `{
  "ai": {
    "default_model": "claude",
    "models": [{"name": "claude", "provider": "anthropic", "model_name": "claude-3"}]
  }
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.AI.Models) != 1 {
		t.Fatalf("models = %+v", cfg.AI.Models)
	}
	m := cfg.AI.Models[0]
	if m.Name != "claude" || m.Provider != "anthropic" || m.ModelName != "claude-3" {
		t.Errorf("model = %+v", m)
	}
	if m.APIKey != "" || m.Temperature != 0 {
		t.Errorf("model inherited defaults: api_key %q, temperature %v", m.APIKey, m.Temperature)
	}

	// 未出现的列表保留默认值。
	path = writeFile(t, "server.json", `{"server": {"addr": ":9001"}}`)
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.AI.Models) != 1 || cfg.AI.Models[0].Name != ai.DefaultConfig().Models[0].Name {
		t.Errorf("default models lost: %+v", cfg.AI.Models)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
	path := writeFile(t, "bad.yaml", "log:\n  level: loud\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "log level") {
		t.Errorf("err = %v, want log level error", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvListenAddr:   ":7000",
		EnvDatabasePath: "/data/app.db",
		EnvAPIKeyName:   "Authorization-Key",
		EnvAPIKey:       "k1",
		EnvProxyAPIURL:  "https://proxy.example.com/v1",
		EnvProxyAPIKey:  "sk-proxy",
	}
	cfg := Default()
	cfg.AI.Models[0].APIKey = ""
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	if cfg.Server.Addr != ":7000" || cfg.Database.Path != "/data/app.db" {
		t.Errorf("server/database = %+v / %+v", cfg.Server, cfg.Database)
	}
	if cfg.Auth.HeaderName != "Authorization-Key" || len(cfg.Auth.Keys) != 1 || cfg.Auth.Keys[0] != "k1" {
		t.Errorf("auth = %+v", cfg.Auth)
	}
	model, _ := cfg.AI.Model(cfg.AI.DefaultModel)
	if model.BaseURL != "https://proxy.example.com/v1" || model.APIKey != "env:"+EnvProxyAPIKey {
		t.Errorf("default model = %+v", model)
	}
}

func TestAPIKeys(t *testing.T) {
	t.Setenv("OPENAI_SERVICE_TEST_AUTH", "from-env")
	cfg := Default()
	cfg.Auth.Keys = []string{"inline", "env:OPENAI_SERVICE_TEST_AUTH", "env:OPENAI_SERVICE_TEST_UNSET"}

	keys := cfg.APIKeys()
	if len(keys) != 2 || keys[0] != "inline" || keys[1] != "from-env" {
		t.Errorf("APIKeys = %v", keys)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("trace"); err == nil {
		t.Error("unknown level accepted")
	}
}
