package config

// ConfigBackend is where persisted settings live between runs. The darwin
// build keeps them in the user defaults domain, other platforms in a JSON
// file under $XDG_CONFIG_HOME. Durations are stored as strings.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	// Delete removes key so the default applies again. Deleting a missing
	// key is not an error.
	Delete(key string) error
}
