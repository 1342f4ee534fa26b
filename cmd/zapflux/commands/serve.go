package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zapflux/zapflux/pkg/zapflux/ai"
	"github.com/zapflux/zapflux/pkg/zapflux/channels/whatsapp"
	"github.com/zapflux/zapflux/pkg/zapflux/config"
	"github.com/zapflux/zapflux/pkg/zapflux/imageflow"
	"github.com/zapflux/zapflux/pkg/zapflux/runtime"
	"github.com/zapflux/zapflux/pkg/zapflux/webui"
)

// newServeCmd creates the `zapflux serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the WhatsApp bridge and dashboard",
		Long: `Start ZapFlux as a daemon: connect the WhatsApp session (showing
a QR code on first run), process incoming messages through the AI, and
serve the status dashboard.

Examples:
  zapflux serve
  zapflux serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	// ── Configure logger ──
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelInfo
	if verbose || cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)

	// ── Resolve secrets ──
	config.ResolveAPIKeys(cfg, logger)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ── Build the pipeline ──
	state := runtime.New(cfg.Bot)
	flux := imageflow.New(cfg.Image, logger)
	generator := ai.New(cfg.AI, flux, logger)
	session := whatsapp.New(cfg.WhatsApp, state, generator, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The session starts here and only here. The dashboard observes
	// state; it never triggers connection work.
	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("starting WhatsApp session: %w", err)
	}

	var webServer *webui.Server
	if cfg.WebUI.Enabled {
		webServer = webui.New(cfg.WebUI, state, logger)
		if err := webServer.Start(ctx); err != nil {
			logger.Error("failed to start web UI", "error", err)
		} else {
			logger.Info("dashboard running", "url", fmt.Sprintf("http://localhost%s/", cfg.WebUI.Address))
		}
	}

	logger.Info("ZapFlux running. Press Ctrl+C to stop.",
		"ai_active", state.Config().AIActive,
		"model", cfg.AI.Model,
	)

	// ── Wait for shutdown ──
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		if webServer != nil {
			webServer.Stop()
		}
		session.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}

// resolveConfig loads the config from the --config flag or standard
// locations, falling back to built-in defaults when no file exists.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}

	if found := config.FindConfigFile(); found != "" {
		cfg, err := config.LoadFromFile(found)
		if err != nil {
			return nil, fmt.Errorf("loading config from %s: %w", found, err)
		}
		slog.Info("config loaded", "path", found)
		return cfg, nil
	}

	// No file is fine: defaults plus env vars are a complete setup.
	return config.LoadDefaults(), nil
}
