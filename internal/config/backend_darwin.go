//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultsDomain = "com.epirank.app"

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "Library", "Application Support", "epirank")
	}
	return "epirank-data"
}

// defaultsBackend stores settings in the user defaults database through
// the defaults(1) tool.
type defaultsBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return &defaultsBackend{domain: defaultsDomain}
}

// errNoDefault is returned by run when defaults exits 1, which it does for
// a key or domain that does not exist.
var errNoDefault = errors.New("no such default")

func (b *defaultsBackend) run(verb, key string, extra ...string) (string, error) {
	args := append([]string{verb, b.domain, key}, extra...)
	out, err := exec.Command("defaults", args...).CombinedOutput()
	s := strings.TrimSpace(string(out))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", errNoDefault
		}
		return "", fmt.Errorf("defaults %s %s: %w (%s)", verb, key, err, s)
	}
	return s, nil
}

func (b *defaultsBackend) GetString(key string) (string, bool, error) {
	s, err := b.run("read", key)
	if errors.Is(err, errNoDefault) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return s, true, nil
}

func (b *defaultsBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("%s: %w", key, err)
	}
	return i, true, nil
}

func (b *defaultsBackend) SetString(key, val string) error {
	_, err := b.run("write", key, "-string", val)
	return err
}

func (b *defaultsBackend) SetInt(key string, val int) error {
	_, err := b.run("write", key, "-int", strconv.Itoa(val))
	return err
}

func (b *defaultsBackend) Delete(key string) error {
	_, err := b.run("delete", key)
	if errors.Is(err, errNoDefault) {
		return nil
	}
	return err
}
