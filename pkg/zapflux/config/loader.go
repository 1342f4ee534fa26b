package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches environment variable references in config
// values:
//   - ${VAR_NAME}          - simple variable
//   - ${VAR_NAME:-default} - default value if not set
//   - ${VAR_NAME:?error}   - error message if not set
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}`)

// LoadFromFile reads and parses a YAML configuration file.
// Loads .env files first and expands environment variables in the YAML
// text. Returns an error if any ${VAR:?error} reference is unset.
func LoadFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	return cfg, nil
}

// LoadDefaults builds a config without a file: built-in defaults plus
// whatever .env files and environment variables provide.
func LoadDefaults() *Config {
	loadEnvFiles()
	cfg := DefaultConfig()
	resolveSecrets(cfg)
	return cfg
}

// Parse parses YAML bytes into a Config, overlaying defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// loadEnvFiles loads .env files from standard locations.
// godotenv does not overwrite variables that are already set.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR}, ${VAR:-default}, and ${VAR:?error}
// references with environment values. An unset ${VAR} keeps its
// placeholder; an unset ${VAR:?error} fails the whole load.
func expandEnvVars(input string) (string, error) {
	var missing []string

	result := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, modifier, value := sub[1], sub[2], sub[3]

		if val, ok := os.LookupEnv(name); ok {
			return val
		}

		switch modifier {
		case "-":
			return value
		case "?":
			msg := value
			if msg == "" {
				msg = "required environment variable not set"
			}
			missing = append(missing, fmt.Sprintf("%s (%s)", name, msg))
			return match
		default:
			return match
		}
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("config error: %s", strings.Join(missing, "; "))
	}
	return result, nil
}

// resolveSecrets fills empty credential fields from environment
// variables, then from the OS keyring.
func resolveSecrets(cfg *Config) {
	if cfg.AI.APIKey == "" || isEnvReference(cfg.AI.APIKey) {
		if key := firstEnv("ZAPFLUX_API_KEY", "FIREWORKS_API_KEY", "OPENAI_API_KEY"); key != "" {
			cfg.AI.APIKey = key
		}
	}
	if cfg.Image.APIKey == "" || isEnvReference(cfg.Image.APIKey) {
		if key := firstEnv("ZAPFLUX_IMAGE_API_KEY", "BFL_API_KEY"); key != "" {
			cfg.Image.APIKey = key
		}
	}
	if cfg.WebUI.AuthToken == "" || isEnvReference(cfg.WebUI.AuthToken) {
		if tok := os.Getenv("ZAPFLUX_WEBUI_TOKEN"); tok != "" {
			cfg.WebUI.AuthToken = tok
		}
	}
}

// isEnvReference reports whether a value is an unexpanded ${VAR}
// placeholder left over from a missing environment variable.
func isEnvReference(v string) bool {
	return strings.HasPrefix(v, "${") || strings.HasPrefix(v, "$")
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}
