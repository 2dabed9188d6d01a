package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "QROUTE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "QROUTE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "QROUTE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "matcher.fuzzy_threshold", typ: kFloat, env: "QROUTE_MATCHER_FUZZY_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Matcher.FuzzyThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Matcher.FuzzyThreshold },
	},
	{
		key: "matcher.routing_threshold", typ: kFloat, env: "QROUTE_MATCHER_ROUTING_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Matcher.RoutingThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Matcher.RoutingThreshold },
	},
	{
		key: "matcher.max_results", typ: kInt, env: "QROUTE_MATCHER_MAX_RESULTS",
		apply:   func(cfg *Config, v any) { cfg.Matcher.MaxResults = v.(int) },
		extract: func(cfg Config) any { return cfg.Matcher.MaxResults },
	},
	{
		key: "patterns.file", typ: kString, env: "QROUTE_PATTERNS_FILE",
		apply:   func(cfg *Config, v any) { cfg.Patterns.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Patterns.File },
	},
	{
		key: "patterns.watch", typ: kBool, env: "QROUTE_PATTERNS_WATCH",
		apply:   func(cfg *Config, v any) { cfg.Patterns.Watch = v.(bool) },
		extract: func(cfg Config) any { return cfg.Patterns.Watch },
	},
	{
		key: "cache.memory_bytes", typ: kInt, env: "QROUTE_CACHE_MEMORY_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Cache.MemoryBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.MemoryBytes },
	},
	{
		key: "cache.default_ttl_hours", typ: kInt, env: "QROUTE_CACHE_DEFAULT_TTL_HOURS",
		apply:   func(cfg *Config, v any) { cfg.Cache.DefaultTTLHours = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.DefaultTTLHours },
	},
	{
		key: "cache.policy", typ: kString, env: "QROUTE_CACHE_POLICY",
		apply:   func(cfg *Config, v any) { cfg.Cache.Policy = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.Policy },
	},
	{
		key: "cache.sweep_interval", typ: kString, env: "QROUTE_CACHE_SWEEP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Cache.SweepInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.SweepInterval },
	},
	{
		key: "budget.daily_limit", typ: kInt, env: "QROUTE_BUDGET_DAILY_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Budget.DailyLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Budget.DailyLimit },
	},
	{
		key: "fallback.provider", typ: kString, env: "QROUTE_FALLBACK_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Fallback.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Fallback.Provider },
	},
	{
		key: "fallback.base_url", typ: kString, env: "QROUTE_FALLBACK_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Fallback.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Fallback.BaseURL },
	},
	{
		key: "fallback.model", typ: kString, env: "QROUTE_FALLBACK_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Fallback.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Fallback.Model },
	},
	{
		key: "fallback.ollama_url", typ: kString, env: "QROUTE_FALLBACK_OLLAMA_URL",
		apply:   func(cfg *Config, v any) { cfg.Fallback.OllamaURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Fallback.OllamaURL },
	},
	{
		key: "fallback.ollama_model", typ: kString, env: "QROUTE_FALLBACK_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Fallback.OllamaModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Fallback.OllamaModel },
	},
	{
		key: "fallback.api_key", typ: kString, env: "QROUTE_FALLBACK_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Fallback.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Fallback.APIKey },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
