package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Log       LogConfig
	Provider  ProviderConfig
	Cache     CacheConfig
	Scheduler SchedulerConfig
	Session   SessionConfig
	Catalog   CatalogConfig
	Outbox    OutboxConfig
}

type ServerConfig struct {
	Port int
	// MaxConns caps concurrent API connections; 0 disables the cap.
	MaxConns int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type ProviderConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type CacheConfig struct {
	FetchTimeout        time.Duration
	PrefetchConcurrency int
}

type SchedulerConfig struct {
	TextDebounce time.Duration
}

type SessionConfig struct {
	DefaultStrategy string
}

type CatalogConfig struct {
	TTL time.Duration
}

type OutboxConfig struct {
	PollInterval time.Duration
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     4100,
			MaxConns: 64,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Provider: ProviderConfig{
			BaseURL: "http://localhost:8080",
			Timeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			FetchTimeout:        30 * time.Second,
			PrefetchConcurrency: 4,
		},
		Scheduler: SchedulerConfig{
			TextDebounce: 800 * time.Millisecond,
		},
		Session: SessionConfig{
			DefaultStrategy: "random",
		},
		Catalog: CatalogConfig{
			TTL: 5 * time.Minute,
		},
		Outbox: OutboxConfig{
			PollInterval: 2 * time.Second,
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.epirank.app) and the
// provider API key falls back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/epirank/config.json
// and the API key falls back to a secrets file under $XDG_DATA_HOME.
//
// Environment variables (EPIRANK_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// The provider API key is optional; local backends usually run without one.
	if cfg.Provider.APIKey == "" {
		if key, err := kc.Get(keychainService, providerKeyAccount); err == nil && key != "" {
			cfg.Provider.APIKey = key
		}
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	var problems []string
	if cfg.Provider.BaseURL == "" {
		problems = append(problems, "provider.base_url is empty (set EPIRANK_PROVIDER_BASE_URL)")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d is out of range", cfg.Server.Port))
	}
	if cfg.Server.MaxConns < 0 {
		problems = append(problems, "server.max_conns must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
