// Command crawlplane runs the scraping control plane.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"crawlplane/internal/config"
	"crawlplane/internal/core"
	"crawlplane/internal/logging"
)

var version = "dev"

// Exit codes: 0 success, 1 configuration error, 2 runtime fatal, 130 on
// interrupt.
const (
	exitOK          = 0
	exitConfigError = 1
	exitRuntime     = 2
	exitInterrupt   = 130
)

func main() {
	level := slog.LevelInfo
	if os.Getenv("SCRAPY_UI_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	os.Exit(run(logger, os.Args[1:]))
}

func run(logger *slog.Logger, args []string) int {
	code := exitOK
	fail := func(c int, err error) error {
		code = c
		return err
	}

	rootCmd := &cobra.Command{
		Use:           "crawlplane",
		Short:         "Web scraping control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start all components and run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fail(exitConfigError, err)
			}
			c, err := core.New(cfg, logger)
			if err != nil {
				return fail(exitRuntime, err)
			}
			if err := c.Start(context.Background()); err != nil {
				_ = c.Close()
				return fail(exitRuntime, err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			sig := <-sigCh
			logger.Info("shutting down", "signal", sig.String())

			if err := c.Stop(); err != nil {
				return fail(exitRuntime, err)
			}
			if sig == os.Interrupt {
				code = exitInterrupt
			}
			return nil
		},
	}

	checkConfigCmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fail(exitConfigError, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok (db=%s data=%s tz=%s)\n",
				cfg.DBURL, cfg.DataDir, cfg.Timezone)
			return nil
		},
	}

	reconcileOnceCmd := &cobra.Command{
		Use:   "reconcile-once",
		Short: "Run one reconciliation pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fail(exitConfigError, err)
			}
			c, err := core.New(cfg, logger)
			if err != nil {
				return fail(exitRuntime, err)
			}
			defer c.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := c.ReconcileOnce(ctx); err != nil {
				return fail(exitRuntime, err)
			}
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	rootCmd.AddCommand(serveCmd, checkConfigCmd, reconcileOnceCmd, versionCmd)
	rootCmd.SetArgs(args)

	if err := rootCmd.Execute(); err != nil {
		logging.Default(logger).Error("crawlplane failed", "error", err)
		if code == exitOK {
			code = exitRuntime
		}
	}
	return code
}

// loadConfig reads the SCRAPY_UI_* environment and validates the result.
func loadConfig() (config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return config.Config{}, fmt.Errorf("configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("configuration: %w", err)
	}
	return cfg, nil
}
