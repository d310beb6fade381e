package config

import "time"

// Config holds buildtrace configuration.
// Stored at: {home}/config.yaml
type Config struct {
	Home         string                 `mapstructure:"home" yaml:"home"`
	Server       ServerCfg              `mapstructure:"server" yaml:"server"`
	Providers    map[string]ProviderCfg `mapstructure:"providers" yaml:"providers"`
	Bus          BusCfg                 `mapstructure:"bus" yaml:"bus"`
	Orchestrator OrchestratorCfg        `mapstructure:"orchestrator" yaml:"orchestrator"`
}

// ServerCfg configures the HTTP API server.
type ServerCfg struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// ProviderCfg configures one LLM client. The OCR worker resolves the
// "extractor" entry and the summary worker the "summarizer" entry.
type ProviderCfg struct {
	Type      string `mapstructure:"type" yaml:"type"`             // "openrouter"
	Model     string `mapstructure:"model" yaml:"model"`           // Model name
	APIKey    string `mapstructure:"api_key" yaml:"api_key"`       // API key (supports ${ENV_VAR} syntax)
	RateLimit int    `mapstructure:"rate_limit" yaml:"rate_limit"` // Requests per minute
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
}

// BusCfg configures the durable task bus.
type BusCfg struct {
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" yaml:"visibility_timeout"`
	MaxDeliveries     int           `mapstructure:"max_deliveries" yaml:"max_deliveries"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	WorkerConcurrency int           `mapstructure:"worker_concurrency" yaml:"worker_concurrency"`
}

// OrchestratorCfg configures retry and budget policy for page tasks.
type OrchestratorCfg struct {
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	OCRBudget      time.Duration `mapstructure:"ocr_budget" yaml:"ocr_budget"`
	DiffBudget     time.Duration `mapstructure:"diff_budget" yaml:"diff_budget"`
	SummaryBudget  time.Duration `mapstructure:"summary_budget" yaml:"summary_budget"`
	ReaperInterval time.Duration `mapstructure:"reaper_interval" yaml:"reaper_interval"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Home: "$HOME/.buildtrace",
		Server: ServerCfg{
			Host: "127.0.0.1",
			Port: 8585,
		},
		Providers: map[string]ProviderCfg{
			"extractor": {
				Type:      "openrouter",
				Model:     "anthropic/claude-sonnet-4",
				APIKey:    "${OPENROUTER_API_KEY}",
				RateLimit: 60,
				Enabled:   true,
			},
			"summarizer": {
				Type:      "openrouter",
				Model:     "anthropic/claude-sonnet-4",
				APIKey:    "${OPENROUTER_API_KEY}",
				RateLimit: 60,
				Enabled:   true,
			},
		},
		Bus: BusCfg{
			VisibilityTimeout: 5 * time.Minute,
			MaxDeliveries:     5,
			PollInterval:      time.Second,
			WorkerConcurrency: 4,
		},
		Orchestrator: OrchestratorCfg{
			MaxAttempts:    3,
			RetryBackoff:   5 * time.Second,
			OCRBudget:      10 * time.Minute,
			DiffBudget:     10 * time.Minute,
			SummaryBudget:  5 * time.Minute,
			ReaperInterval: 30 * time.Second,
		},
	}
}

// GetProvider returns a provider config by name.
func (c *Config) GetProvider(name string) (ProviderCfg, bool) {
	cfg, ok := c.Providers[name]
	return cfg, ok
}

// EnabledProviders returns all enabled providers.
func (c *Config) EnabledProviders() map[string]ProviderCfg {
	result := make(map[string]ProviderCfg)
	for name, cfg := range c.Providers {
		if cfg.Enabled {
			result[name] = cfg
		}
	}
	return result
}
