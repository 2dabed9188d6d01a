package config

import (
	"fmt"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Log      LogConfig
	Matcher  MatcherConfig
	Patterns PatternsConfig
	Cache    CacheConfig
	Budget   BudgetConfig
	Fallback FallbackConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type MatcherConfig struct {
	FuzzyThreshold   float64
	RoutingThreshold float64
	MaxResults       int
}

type PatternsConfig struct {
	File  string
	Watch bool
}

type CacheConfig struct {
	MemoryBytes     int
	DefaultTTLHours int
	Policy          string
	SweepInterval   string
}

type BudgetConfig struct {
	DailyLimit int
}

type FallbackConfig struct {
	// Provider is "openrouter" or "ollama".
	Provider    string
	BaseURL     string
	Model       string
	APIKey      string
	OllamaURL   string
	OllamaModel string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Matcher: MatcherConfig{
			FuzzyThreshold:   0.6,
			RoutingThreshold: 0.75,
			MaxResults:       5,
		},
		Patterns: PatternsConfig{
			Watch: true,
		},
		Cache: CacheConfig{
			MemoryBytes:     64 << 20,
			DefaultTTLHours: 24,
			Policy:          "lru",
			SweepInterval:   "10m",
		},
		Budget: BudgetConfig{
			DailyLimit: 100000,
		},
		Fallback: FallbackConfig{
			Provider:    "openrouter",
			BaseURL:     "https://openrouter.ai/api/v1",
			Model:       "anthropic/claude-sonnet-4",
			OllamaURL:   "http://localhost:11434",
			OllamaModel: "llama3.1:8b",
		},
	}
}

// Load reads configuration from the YAML file backend and then applies
// QROUTE_* environment variable overrides.
//
// The file lives at $XDG_CONFIG_HOME/qroute/config.yaml. Secrets such as the
// fallback API key are only read from the environment.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Matcher.FuzzyThreshold < 0 || c.Matcher.FuzzyThreshold > 1 {
		return fmt.Errorf("matcher.fuzzy_threshold must be within [0,1], got %v", c.Matcher.FuzzyThreshold)
	}
	if c.Matcher.RoutingThreshold < c.Matcher.FuzzyThreshold || c.Matcher.RoutingThreshold > 1 {
		return fmt.Errorf("matcher.routing_threshold must be within [fuzzy_threshold,1], got %v", c.Matcher.RoutingThreshold)
	}
	if c.Cache.MemoryBytes < 0 {
		return fmt.Errorf("cache.memory_bytes must not be negative")
	}
	if c.Cache.DefaultTTLHours <= 0 {
		return fmt.Errorf("cache.default_ttl_hours must be positive")
	}
	switch c.Cache.Policy {
	case "lru", "fifo":
	default:
		return fmt.Errorf("cache.policy must be one of lru, fifo; got %q", c.Cache.Policy)
	}
	switch c.Fallback.Provider {
	case "openrouter", "ollama":
	default:
		return fmt.Errorf("fallback.provider must be one of openrouter, ollama; got %q", c.Fallback.Provider)
	}
	if c.Budget.DailyLimit < 0 {
		return fmt.Errorf("budget.daily_limit must not be negative")
	}
	return nil
}
