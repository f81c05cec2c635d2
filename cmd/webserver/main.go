package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wudi/webserver/internal/app"
	"github.com/wudi/webserver/internal/config"
	"github.com/wudi/webserver/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type options struct {
	configPath   string
	port         string
	portSet      bool
	validateOnly bool
	showVersion  bool
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "webserver",
		Short:         "HTTP/1.1 server with a filter pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.showVersion {
				fmt.Fprintf(cmd.OutOrStdout(), "webserver %s (built %s)\n", version, buildTime)
				return nil
			}

			opts.portSet = cmd.Flags().Changed("port")
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if opts.validateOnly {
				fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
				return nil
			}
			return run(cmd.Context(), cfg, opts.configPath)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&opts.port, "port", "p", "", "Listen port (1-65535), overrides the configured port")
	cmd.Flags().BoolVar(&opts.validateOnly, "validate", false, "Validate configuration and exit")
	cmd.Flags().BoolVar(&opts.showVersion, "version", false, "Show version information")
	return cmd
}

// loadConfig reads the config file, if any, and applies the --port override.
func loadConfig(opts options) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if opts.configPath != "" {
		loaded, err := config.NewLoader().Load(opts.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded
	}
	if opts.portSet {
		port, err := config.ParsePort(opts.port)
		if err != nil {
			return nil, fmt.Errorf("--port: %w", err)
		}
		cfg.Server.Port = port
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, configPath string) error {
	logger, err := logging.New(logging.Config{
		Level:    cfg.Logging.Level,
		Encoding: cfg.Logging.Encoding,
		File:     cfg.Logging.File,
		Rotation: logging.Rotation{
			MaxSize:    cfg.Logging.Rotation.MaxSize,
			MaxBackups: cfg.Logging.Rotation.MaxBackups,
			MaxAge:     cfg.Logging.Rotation.MaxAge,
			Compress:   cfg.Logging.Rotation.Compress,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logging.SetGlobal(logger)
	defer logging.Sync()

	logging.Info("Starting webserver",
		zap.String("version", version),
		zap.String("config", configPath),
		zap.Int("port", cfg.Server.Port),
		zap.String("root", cfg.Server.RootDir),
	)

	a, err := app.New(cfg)
	if err != nil {
		logging.Error("Failed to build server", zap.Error(err))
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logging.Error("Server error", zap.Error(err))
		return err
	}
	logging.Info("Server stopped")
	return nil
}
