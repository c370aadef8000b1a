package ai

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// ModelConfig defines the configuration for a single LLM.
type ModelConfig struct {
	Name        string  `json:"name" yaml:"name"`                             // e.g., "gpt-4o", "claude"
	Provider    string  `json:"provider" yaml:"provider"`                     // e.g., "openai", "google", "anthropic"
	APIKey      string  `json:"api_key" yaml:"api_key"`                       // Environment variable reference or direct key
	BaseURL     string  `json:"base_url,omitempty" yaml:"base_url,omitempty"` // Optional: for custom endpoints
	ModelName   string  `json:"model_name" yaml:"model_name"`                 // The specific model ID (e.g., "gpt-4o-mini")
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`                 // Max output tokens
	Temperature float64 `json:"temperature" yaml:"temperature"`               // Creativity
}

// MediaConfig configures the image, speech and transcription endpoints.
// Empty APIKey/BaseURL fall back to the default model's credentials.
type MediaConfig struct {
	APIKey             string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL            string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	ImageModel         string `json:"image_model" yaml:"image_model"`
	SpeechModel        string `json:"speech_model" yaml:"speech_model"`
	TranscriptionModel string `json:"transcription_model" yaml:"transcription_model"`
	VisionModel        string `json:"vision_model" yaml:"vision_model"`
}

// ContextConfig configures the conversation context manager and its store.
type ContextConfig struct {
	// Backend selects the session store: "memory", "file" or "sqlite".
	Backend string `json:"backend" yaml:"backend"`
	// Capacity bounds the number of sessions held by the memory backend.
	Capacity int `json:"capacity" yaml:"capacity"`
	// MaxMessages keeps only the newest N messages per session. 0 keeps all.
	MaxMessages int `json:"max_messages" yaml:"max_messages"`
	// MaxContextTokens rejects contexts whose estimated size exceeds it. 0 disables the check.
	MaxContextTokens int `json:"max_context_tokens" yaml:"max_context_tokens"`
	// Dir is the history directory of the file backend.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`
	// Retention drops sqlite sessions idle for longer than this.
	Retention Duration `json:"retention" yaml:"retention"`
	// Timeout bounds a single call to the completion provider.
	Timeout Duration `json:"timeout" yaml:"timeout"`
	// RecordReplies appends the assistant reply to the session after a successful completion.
	RecordReplies bool `json:"record_replies" yaml:"record_replies"`
}

// Config holds the global AI configuration.
type Config struct {
	DefaultModel string        `json:"default_model" yaml:"default_model"`
	Models       []ModelConfig `json:"models" yaml:"models"`
	Media        MediaConfig   `json:"media" yaml:"media"`
	Context      ContextConfig `json:"context" yaml:"context"`
}

// DefaultConfig returns a configuration with a single OpenAI-compatible model.
func DefaultConfig() Config {
	return Config{
		DefaultModel: "gpt-4o-mini",
		Models: []ModelConfig{{
			Name:        "gpt-4o-mini",
			Provider:    "openai",
			APIKey:      "env:PROXY_API_KEY",
			ModelName:   "gpt-4o-mini",
			Temperature: 0.7,
		}},
		Media: MediaConfig{
			ImageModel:         "dall-e-3",
			SpeechModel:        "tts-1",
			TranscriptionModel: "whisper-1",
			VisionModel:        "gpt-4o",
		},
		Context: ContextConfig{
			Backend:   "memory",
			Capacity:  10000,
			Retention: Duration(24 * time.Hour),
			Timeout:   Duration(60 * time.Second),
		},
	}
}

// Model returns the configuration of the named model.
func (c *Config) Model(name string) (*ModelConfig, bool) {
	for i := range c.Models {
		if c.Models[i].Name == name {
			return &c.Models[i], true
		}
	}
	return nil, false
}

// Validate checks the model table and the context settings.
func (c *Config) Validate() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("ai: at least one model is required")
	}
	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.Name == "" {
			return fmt.Errorf("ai: model name is required")
		}
		if seen[m.Name] {
			return fmt.Errorf("ai: duplicate model %q", m.Name)
		}
		seen[m.Name] = true
	}
	if _, ok := c.Model(c.DefaultModel); !ok {
		return fmt.Errorf("ai: default model %q is not configured", c.DefaultModel)
	}
	switch c.Context.Backend {
	case "", "memory", "file", "sqlite":
	default:
		return fmt.Errorf("ai: unknown context backend %q", c.Context.Backend)
	}
	if c.Context.Backend == "file" && c.Context.Dir == "" {
		return fmt.Errorf("ai: context.dir is required for the file backend")
	}
	if c.Context.Capacity < 0 || c.Context.MaxMessages < 0 || c.Context.MaxContextTokens < 0 {
		return fmt.Errorf("ai: context limits must not be negative")
	}
	return nil
}

// ResolveSecret 解析密钥。
// 如果密钥以 "env:" 开头，则从环境变量中获取实际值。
func ResolveSecret(key string) string {
	if strings.HasPrefix(key, "env:") {
		return os.Getenv(strings.TrimPrefix(key, "env:"))
	}
	return key
}
