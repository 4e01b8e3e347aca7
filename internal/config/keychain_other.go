//go:build !darwin

package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Without a system keychain, secrets live in a 0600 JSON file in the data
// directory, grouped by service then account.
type secretFile map[string]map[string]string

func secretsFilePath() string {
	return xdgPath("XDG_DATA_HOME", []string{".local", "share"}, "secrets.json")
}

func readSecrets() (secretFile, error) {
	data, err := os.ReadFile(secretsFilePath())
	if err != nil {
		return nil, err
	}
	var s secretFile
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return s, nil
}

func keychainGet(service, account string) ([]byte, error) {
	s, err := readSecrets()
	if err != nil {
		return nil, fmt.Errorf("keychain not available: %w", err)
	}
	val, ok := s[service][account]
	if !ok {
		return nil, fmt.Errorf("no secret for %s/%s", service, account)
	}
	return []byte(val), nil
}

func keychainSet(service, account, value string) error {
	s, err := readSecrets()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if s == nil {
		s = make(secretFile)
	}
	if s[service] == nil {
		s[service] = make(map[string]string)
	}
	s[service][account] = value
	return writeJSONFile(secretsFilePath(), s)
}
