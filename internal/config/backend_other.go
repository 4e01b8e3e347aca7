//go:build !darwin

package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
)

const appDir = "epirank"

// xdgPath joins elem onto $envVar, or onto $HOME/homeRel when the variable
// is unset. Without a home directory the path is relative to the working
// directory.
func xdgPath(envVar string, homeRel []string, elem ...string) string {
	base := os.Getenv(envVar)
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(append([]string{appDir + "-data"}, elem...)...)
		}
		base = filepath.Join(append([]string{home}, homeRel...)...)
	}
	return filepath.Join(append([]string{base, appDir}, elem...)...)
}

func defaultDataDir() string {
	return xdgPath("XDG_DATA_HOME", []string{".local", "share"})
}

func configFilePath() string {
	return xdgPath("XDG_CONFIG_HOME", []string{".config"}, "config.json")
}

// writeJSONFile replaces path with the indented encoding of v. The file is
// written next to path and renamed so readers never see a partial write.
func writeJSONFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path))
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// fileBackend keeps settings as one flat JSON object keyed by dotted name.
type fileBackend struct {
	path   string
	values map[string]any
}

func newPlatformBackend() ConfigBackend {
	return openFileBackend(configFilePath())
}

// openFileBackend reads path once. An unreadable or malformed file is
// reported on stderr and treated as empty.
func openFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, values: make(map[string]any)}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", path, err)
	default:
		if err := json.Unmarshal(data, &b.values); err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config file %s: %v. Using default values.\n", path, err)
			b.values = make(map[string]any)
		}
	}
	return b
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.values[key]
	if !ok {
		return "", false, nil
	}
	if s, isString := v.(string); isString {
		return s, true, nil
	}
	return fmt.Sprint(v), true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.values[key]
	if !ok {
		return 0, false, nil
	}
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) || n < math.MinInt || n > math.MaxInt {
			return 0, true, fmt.Errorf("%s: %v is not an integer in range", key, n)
		}
		return int(n), true, nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, true, fmt.Errorf("%s: %w", key, err)
		}
		return i, true, nil
	}
	return 0, true, fmt.Errorf("%s: unexpected %T value", key, v)
}

func (b *fileBackend) set(key string, v any) error {
	b.values[key] = v
	return writeJSONFile(b.path, b.values)
}

func (b *fileBackend) SetString(key, val string) error { return b.set(key, val) }

func (b *fileBackend) SetInt(key string, val int) error { return b.set(key, val) }

func (b *fileBackend) Delete(key string) error {
	if _, ok := b.values[key]; !ok {
		return nil
	}
	delete(b.values, key)
	return writeJSONFile(b.path, b.values)
}
