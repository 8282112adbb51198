// Package config loads docq settings from the platform-native backend,
// environment variables, and the platform secret store, and persists the
// single access credential the client authenticates with.
package config

import "strings"

type Config struct {
	Server ServerConfig
	Query  QueryConfig
	Log    LogConfig
	Serve  ServeConfig

	// APIKey is the access credential sent in the X-API-Key header. Empty
	// when the user has not supplied one yet.
	APIKey string
}

// ServerConfig locates the document QA service.
type ServerConfig struct {
	BaseURL string
}

// QueryConfig tunes question answering.
type QueryConfig struct {
	// TopK is the number of context chunks retrieved per question.
	TopK int
}

type LogConfig struct {
	Level string
}

// ServeConfig configures the built-in dev server (`docq serve`).
type ServeConfig struct {
	Port    int
	DataDir string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			BaseURL: "http://127.0.0.1:8000",
		},
		Query: QueryConfig{
			TopK: 20,
		},
		Log: LogConfig{
			Level: "warn",
		},
		Serve: ServeConfig{
			Port:    8000,
			DataDir: defaultDataDir(),
		},
	}
}

// apiKeyName is the fixed key the credential is persisted under, in both the
// config backend and the platform keychain.
const apiKeyName = "api_key"

// keychainService namespaces docq's entry in the platform secret store.
const keychainService = "docq"

// Load reads configuration from the platform-native backend, environment
// variables, and the platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.docq.app) and the API
// key falls back to macOS Keychain. On Linux the backend is a JSON file at
// $XDG_CONFIG_HOME/docq/config.json.
//
// Environment variables (DOCQ_*) override backend values on all platforms.
// A missing API key is not an error here; commands that need one report it
// themselves.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret-store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.APIKey == "" {
		if key, err := kc.Get(keychainService, apiKeyName); err == nil && key != "" {
			cfg.APIKey = key
		}
	}

	return cfg, nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
