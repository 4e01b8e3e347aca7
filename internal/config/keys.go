package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
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
		key: "server.port", typ: kInt, env: "EPIRANK_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "EPIRANK_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "storage.data_dir", typ: kString, env: "EPIRANK_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "EPIRANK_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "provider.base_url", typ: kString, env: "EPIRANK_PROVIDER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Provider.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.BaseURL },
	},
	{
		key: "provider.api_key", typ: kString, env: "EPIRANK_PROVIDER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Provider.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.APIKey },
	},
	{
		key: "provider.timeout", typ: kDuration, env: "EPIRANK_PROVIDER_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Provider.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Provider.Timeout },
	},
	{
		key: "cache.fetch_timeout", typ: kDuration, env: "EPIRANK_CACHE_FETCH_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Cache.FetchTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.FetchTimeout },
	},
	{
		key: "cache.prefetch_concurrency", typ: kInt, env: "EPIRANK_CACHE_PREFETCH_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Cache.PrefetchConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.PrefetchConcurrency },
	},
	{
		key: "scheduler.text_debounce", typ: kDuration, env: "EPIRANK_SCHEDULER_TEXT_DEBOUNCE",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.TextDebounce = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scheduler.TextDebounce },
	},
	{
		key: "session.default_strategy", typ: kString, env: "EPIRANK_SESSION_DEFAULT_STRATEGY",
		apply:   func(cfg *Config, v any) { cfg.Session.DefaultStrategy = v.(string) },
		extract: func(cfg Config) any { return cfg.Session.DefaultStrategy },
	},
	{
		key: "catalog.ttl", typ: kDuration, env: "EPIRANK_CATALOG_TTL",
		apply:   func(cfg *Config, v any) { cfg.Catalog.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Catalog.TTL },
	},
	{
		key: "outbox.poll_interval", typ: kDuration, env: "EPIRANK_OUTBOX_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Outbox.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Outbox.PollInterval },
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
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := parseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
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
		case kDuration:
			if d, err := parseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}

// parseDuration accepts Go duration strings ("750ms", "5m"). Negative
// values are rejected.
func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", d)
	}
	return d, nil
}
