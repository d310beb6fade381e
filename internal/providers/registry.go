package providers

import (
	"fmt"
	"log/slog"
	"sync"
)

// Registry holds LLM clients by name with config-driven construction and
// hot reload. The OCR worker resolves its extractor client here and the
// summary worker its summarizer, so a config change swaps models without a
// restart.
type Registry struct {
	mu       sync.RWMutex
	clients  map[string]LLMClient
	limiters map[string]*RateLimiter
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients:  make(map[string]LLMClient),
		limiters: make(map[string]*RateLimiter),
		logger:   slog.Default(),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// Register adds or replaces a client by name.
func (r *Registry) Register(name string, client LLMClient, requestsPerMinute int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = client
	r.limiters[name] = NewRateLimiter(requestsPerMinute)
	r.logger.Info("registered LLM client", "name", name, "provider", client.Name())
}

// Get returns a client by name.
func (r *Registry) Get(name string) (LLMClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("LLM client not found: %s", name)
	}
	return client, nil
}

// Limiter returns the rate limiter paired with a client.
func (r *Registry) Limiter(name string) (*RateLimiter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.limiters[name]
	if !ok {
		return nil, fmt.Errorf("rate limiter not found: %s", name)
	}
	return l, nil
}

// List returns all registered client names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	return names
}

// Has checks whether a client is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[name]
	return ok
}

// ClientConfig describes one provider entry in the config file.
type ClientConfig struct {
	Type      string // "openrouter"
	Model     string
	APIKey    string
	RateLimit int // requests per minute
	Enabled   bool
}

// RegistryConfig maps client names to their configuration.
type RegistryConfig struct {
	Clients map[string]ClientConfig
}

// NewRegistryFromConfig builds a registry from configuration. Only enabled
// entries with API keys are registered.
func NewRegistryFromConfig(cfg RegistryConfig) *Registry {
	r := NewRegistry()
	r.Reload(cfg)
	return r
}

// Reload reconciles the registry against new configuration: new entries are
// registered, changed ones rebuilt, removed ones unregistered.
func (r *Registry) Reload(cfg RegistryConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[string]bool, len(cfg.Clients))
	for name, cc := range cfg.Clients {
		if !cc.Enabled || cc.APIKey == "" {
			continue
		}
		want[name] = true

		existing, has := r.clients[name]
		if has && !needsUpdate(existing, cc) {
			continue
		}
		client := buildClient(cc)
		if client == nil {
			r.logger.Warn("unknown LLM client type", "name", name, "type", cc.Type)
			continue
		}
		r.clients[name] = client
		r.limiters[name] = NewRateLimiter(cc.RateLimit)
		if has {
			r.logger.Info("updated LLM client", "name", name, "type", cc.Type)
		} else {
			r.logger.Info("registered LLM client", "name", name, "type", cc.Type)
		}
	}

	for name := range r.clients {
		if !want[name] {
			delete(r.clients, name)
			delete(r.limiters, name)
			r.logger.Info("unregistered LLM client", "name", name)
		}
	}
}

func buildClient(cc ClientConfig) LLMClient {
	switch cc.Type {
	case "openrouter":
		return NewOpenRouterClient(OpenRouterConfig{
			APIKey:       cc.APIKey,
			DefaultModel: cc.Model,
		})
	default:
		return nil
	}
}

func needsUpdate(client LLMClient, cc ClientConfig) bool {
	switch c := client.(type) {
	case *OpenRouterClient:
		return c.apiKey != cc.APIKey || c.defaultModel != cc.Model
	default:
		return true
	}
}
