package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	// FromEnv is set when the environment variable overrides the stored
	// value.
	FromEnv bool
}

// ShowAll lists every non-secret key with its effective value in cfg.
func ShowAll(cfg Config) []KeyInfo {
	var out []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		out = append(out, KeyInfo{
			Key:     s.key,
			EnvVar:  s.env,
			Value:   fmt.Sprint(s.extract(cfg)),
			FromEnv: os.Getenv(s.env) != "",
		})
	}
	return out
}

// ValidKeys returns the names accepted by SetKey and UnsetKey.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}

func lookupSpec(key string) (keySpec, error) {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return keySpec{}, fmt.Errorf("%s is a secret; set %s or store it in the keychain", key, s.env)
		}
		return s, nil
	}
	return keySpec{}, fmt.Errorf("unknown config key %q (valid keys: %s)", key, strings.Join(ValidKeys(), ", "))
}

// SetKey validates value for key and persists it.
func SetKey(key, value string) error {
	return setKeyIn(newPlatformBackend(), key, value)
}

// UnsetKey removes a persisted value so the default applies again.
func UnsetKey(key string) error {
	if _, err := lookupSpec(key); err != nil {
		return err
	}
	return newPlatformBackend().Delete(key)
}

func setKeyIn(b ConfigBackend, key, value string) error {
	s, err := lookupSpec(key)
	if err != nil {
		return err
	}
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s wants an integer: %w", key, err)
		}
		return b.SetInt(key, i)
	case kDuration:
		if _, err := parseDuration(value); err != nil {
			return fmt.Errorf("%s wants a duration such as 800ms or 5m: %w", key, err)
		}
	}
	return b.SetString(key, value)
}
