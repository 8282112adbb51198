package config

// ConfigBackend abstracts platform-specific settings storage. macOS uses
// UserDefaults (via the `defaults` CLI); other platforms use a JSON file in
// the XDG config directory. The access credential lives in the same backend
// under a fixed key, so "client-local storage" means the same thing on every
// platform.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
