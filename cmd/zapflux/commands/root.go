// Package commands implements the ZapFlux CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root CLI command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "zapflux",
		Short: "ZapFlux - WhatsApp AI sales assistant",
		Long: `ZapFlux connects a WhatsApp account to an AI assistant that
answers customers, understands images, and generates or edits images on
request. A small web dashboard shows connection status, live counters,
and lets you toggle the AI and edit the system prompt.

Examples:
  zapflux serve
  zapflux serve --config ./config.yaml
  zapflux config set-key`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newConfigCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
