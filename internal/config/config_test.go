package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	for _, name := range []string{"extractor", "summarizer"} {
		p, ok := cfg.GetProvider(name)
		if !ok {
			t.Fatalf("expected default %s provider", name)
		}
		if p.Type != "openrouter" {
			t.Errorf("%s type = %q, want openrouter", name, p.Type)
		}
		if p.APIKey != "${OPENROUTER_API_KEY}" {
			t.Errorf("%s api key = %q, want env placeholder", name, p.APIKey)
		}
		if !p.Enabled {
			t.Errorf("%s should be enabled by default", name)
		}
	}

	if cfg.Orchestrator.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", cfg.Orchestrator.MaxAttempts)
	}
	if cfg.Bus.MaxDeliveries != 5 {
		t.Errorf("max deliveries = %d, want 5", cfg.Bus.MaxDeliveries)
	}
}

func TestResolveEnvVars(t *testing.T) {
	t.Run("resolves environment variable", func(t *testing.T) {
		t.Setenv("TEST_API_KEY", "secret123")

		result := ResolveEnvVars("${TEST_API_KEY}")
		if result != "secret123" {
			t.Errorf("expected secret123, got %s", result)
		}
	})

	t.Run("returns empty for missing env var", func(t *testing.T) {
		result := ResolveEnvVars("${DEFINITELY_NOT_SET_12345}")
		if result != "" {
			t.Errorf("expected empty string, got %s", result)
		}
	})

	t.Run("leaves literal values unchanged", func(t *testing.T) {
		result := ResolveEnvVars("literal-value")
		if result != "literal-value" {
			t.Errorf("expected literal-value, got %s", result)
		}
	})
}

func TestToProviderRegistryConfig(t *testing.T) {
	t.Setenv("TEST_OPENROUTER_KEY", "or-key-123")

	cfg := &Config{
		Providers: map[string]ProviderCfg{
			"extractor": {
				Type:      "openrouter",
				Model:     "anthropic/claude-sonnet-4",
				APIKey:    "${TEST_OPENROUTER_KEY}",
				RateLimit: 30,
				Enabled:   true,
			},
			"disabled": {
				Type:   "openrouter",
				APIKey: "literal-key",
			},
		},
	}

	reg := cfg.ToProviderRegistryConfig()

	ex, ok := reg.Clients["extractor"]
	if !ok {
		t.Fatal("expected extractor client")
	}
	if ex.APIKey != "or-key-123" {
		t.Errorf("api key = %q, want resolved env value", ex.APIKey)
	}
	if ex.RateLimit != 30 {
		t.Errorf("rate limit = %d, want 30", ex.RateLimit)
	}

	// Disabled entries pass through; the registry decides what to build.
	if d := reg.Clients["disabled"]; d.Enabled {
		t.Error("disabled entry should stay disabled")
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if _, ok := cfg.Providers["summarizer"]; !ok {
		t.Error("written config missing summarizer provider")
	}
	if cfg.Bus.VisibilityTimeout != 5*time.Minute {
		t.Errorf("visibility timeout = %s, want 5m", cfg.Bus.VisibilityTimeout)
	}
}

func TestNewManager(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  host: "0.0.0.0"
  port: 9900
orchestrator:
  max_attempts: 5
`
	if err := os.WriteFile(configFile, []byte(configContent), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	mgr, err := NewManager(configFile)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	cfg := mgr.Get()
	if cfg.Server.Port != 9900 {
		t.Errorf("port = %d, want 9900", cfg.Server.Port)
	}
	if cfg.Orchestrator.MaxAttempts != 5 {
		t.Errorf("max attempts = %d, want 5", cfg.Orchestrator.MaxAttempts)
	}
	// Unset sections keep their defaults.
	if cfg.Bus.MaxDeliveries != 5 {
		t.Errorf("max deliveries = %d, want default 5", cfg.Bus.MaxDeliveries)
	}
}

func TestManagerOnChange(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configFile, []byte("server:\n  port: 8585\n"), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	mgr, err := NewManager(configFile)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	mgr.OnChange(func(cfg *Config) {})
	mgr.OnChange(func(cfg *Config) {})

	mgr.mu.RLock()
	if len(mgr.callbacks) != 2 {
		t.Errorf("expected 2 callbacks, got %d", len(mgr.callbacks))
	}
	mgr.mu.RUnlock()
}
