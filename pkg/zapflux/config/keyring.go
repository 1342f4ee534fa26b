// OS-keyring credential storage (Linux: Secret Service, macOS:
// Keychain, Windows: Credential Manager).
//
// Priority for resolving secrets:
//  1. OS keyring (encrypted by the OS, requires user session)
//  2. Environment variable (ZAPFLUX_API_KEY, FIREWORKS_API_KEY, ...)
//  3. .env file (loaded by godotenv)
//  4. config.yaml value (least secure, plaintext on disk)
package config

import (
	"log/slog"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "zapflux"

	// keyringAPIKey is the key name for the chat API key.
	keyringAPIKey = "api_key"

	// keyringImageAPIKey is the key name for the image workflow key.
	keyringImageAPIKey = "image_api_key"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring.
// Returns empty string if not found.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__zapflux_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveAPIKeys fills credential fields from the OS keyring when the
// env/config chain left them empty. The keyring wins over plaintext
// config values but not over explicitly set environment variables,
// which resolveSecrets applied earlier.
func ResolveAPIKeys(cfg *Config, logger *slog.Logger) {
	if cfg.AI.APIKey == "" || isEnvReference(cfg.AI.APIKey) {
		if val := GetKeyring(keyringAPIKey); val != "" {
			cfg.AI.APIKey = val
			logger.Debug("chat API key loaded from OS keyring")
		}
	}
	if cfg.Image.APIKey == "" || isEnvReference(cfg.Image.APIKey) {
		if val := GetKeyring(keyringImageAPIKey); val != "" {
			cfg.Image.APIKey = val
			logger.Debug("image API key loaded from OS keyring")
		}
	}

	// The image workflow shares the chat credential when it has none of
	// its own. Both default to the same provider account.
	if cfg.Image.APIKey == "" {
		cfg.Image.APIKey = cfg.AI.APIKey
	}

	if cfg.AI.APIKey == "" {
		logger.Warn("no API key found. Set one with: zapflux config set-key")
	}
}
