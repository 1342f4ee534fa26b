// Package config loads and resolves ZapFlux configuration: YAML file,
// .env files, environment expansion, and OS-keyring credential lookup.
package config

import (
	"fmt"
	"os"

	"github.com/zapflux/zapflux/pkg/zapflux/ai"
	"github.com/zapflux/zapflux/pkg/zapflux/channels/whatsapp"
	"github.com/zapflux/zapflux/pkg/zapflux/imageflow"
	"github.com/zapflux/zapflux/pkg/zapflux/runtime"
	"github.com/zapflux/zapflux/pkg/zapflux/webui"
)

const defaultSystemPrompt = `Você é um assistente de vendas experiente.
Seu objetivo é qualificar leads e agendar demonstrações.

TONALIDADE:
- Profissional mas acessível.
- Respostas curtas, adequadas ao WhatsApp.

REGRAS:
1. Nunca invente preços. Se perguntarem, direcione para o site.
2. Se o usuário estiver irritado, transfira para um humano digitando #HUMANO.`

// Config is the root configuration tree.
type Config struct {
	// AI configures the chat completion backend.
	AI ai.Config `yaml:"ai"`

	// Image configures the image generation workflow backend.
	Image imageflow.Config `yaml:"image"`

	// WhatsApp configures the session manager.
	WhatsApp whatsapp.Config `yaml:"whatsapp"`

	// WebUI configures the dashboard/API server.
	WebUI webui.Config `yaml:"webui"`

	// Bot is the initial runtime configuration. The dashboard can change
	// it at runtime; this is only the boot value.
	Bot runtime.Config `yaml:"bot"`

	// Logging configures the slog output.
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// DefaultConfig returns a config with production defaults. The bot
// boots with AI off so a fresh install never answers customers before
// the prompt has been reviewed.
func DefaultConfig() *Config {
	return &Config{
		AI:       ai.DefaultConfig(),
		Image:    imageflow.DefaultConfig(),
		WhatsApp: whatsapp.DefaultConfig(),
		WebUI: webui.Config{
			Enabled: true,
			Address: ":3000",
		},
		Bot: runtime.Config{
			AIActive:     false,
			SystemPrompt: defaultSystemPrompt,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks the config for values that would fail at runtime.
func (c *Config) Validate() error {
	if c.AI.BaseURL == "" {
		return fmt.Errorf("ai.base_url must not be empty")
	}
	if c.AI.Model == "" {
		return fmt.Errorf("ai.model must not be empty")
	}
	if c.Image.BaseURL == "" {
		return fmt.Errorf("image.base_url must not be empty")
	}
	if c.WhatsApp.SessionDir == "" {
		return fmt.Errorf("whatsapp.session_dir must not be empty")
	}
	return nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"zapflux.yaml",
		"zapflux.yml",
		"configs/config.yaml",
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
