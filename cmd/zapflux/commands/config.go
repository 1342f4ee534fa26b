package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zapflux/zapflux/pkg/zapflux/config"
)

// newConfigCmd creates the `zapflux config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage ZapFlux configuration",
		Long: `Manage ZapFlux configuration and credentials.

Examples:
  zapflux config init
  zapflux config show
  zapflux config set-key
  zapflux config set-image-key`,
	}

	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigShowCmd(),
		newConfigSetKeyCmd("set-key", "chat API key", "api_key"),
		newConfigSetKeyCmd("set-image-key", "image workflow API key", "image_api_key"),
	)

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config.yaml",
		RunE: func(_ *cobra.Command, _ []string) error {
			if _, err := os.Stat("config.yaml"); err == nil {
				return fmt.Errorf("config.yaml already exists, refusing to overwrite")
			}

			data, err := yaml.Marshal(config.DefaultConfig())
			if err != nil {
				return fmt.Errorf("marshaling defaults: %w", err)
			}
			if err := os.WriteFile("config.yaml", data, 0o600); err != nil {
				return fmt.Errorf("writing config.yaml: %w", err)
			}

			fmt.Println("Configuration written to ./config.yaml")
			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}

			// Never print credentials, only whether they are set.
			shown := *cfg
			shown.AI.APIKey = maskSecret(cfg.AI.APIKey)
			shown.Image.APIKey = maskSecret(cfg.Image.APIKey)
			shown.WebUI.AuthToken = maskSecret(cfg.WebUI.AuthToken)

			data, err := yaml.Marshal(&shown)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

// newConfigSetKeyCmd creates a command that stores a credential in the
// OS keyring under the given key name.
func newConfigSetKeyCmd(use, what, keyName string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [value]",
		Short: fmt.Sprintf("Store the %s in the OS keyring", what),
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var value string
			if len(args) == 1 {
				value = args[0]
			} else {
				fmt.Printf("Enter %s: ", what)
				reader := bufio.NewReader(os.Stdin)
				line, err := reader.ReadString('\n')
				if err != nil {
					return fmt.Errorf("reading input: %w", err)
				}
				value = strings.TrimSpace(line)
			}

			if value == "" {
				return fmt.Errorf("empty value")
			}

			if err := config.StoreKeyring(keyName, value); err != nil {
				return fmt.Errorf("storing in keyring: %w", err)
			}

			fmt.Printf("Stored %s in the OS keyring.\n", what)
			return nil
		},
	}
}

func maskSecret(v string) string {
	if v == "" {
		return ""
	}
	return "<set>"
}
