package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kjubybot/notssh/internal/agent"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		endpoint string
		idPath   string
		logLevel string
	)

	root := &cobra.Command{
		Use:   "notssh-agent",
		Short: "notssh agent — connects out to a coordinator and runs its commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(logLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			if endpoint == "" {
				return fmt.Errorf("endpoint is required — set --endpoint or NOTSSH_ENDPOINT")
			}

			logger.Info("starting notssh agent",
				zap.String("version", version),
				zap.String("endpoint", endpoint),
			)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a := agent.New(agent.Config{
				Endpoint: endpoint,
				IDPath:   idPath,
			}, logger)
			return a.Run(ctx)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&endpoint, "endpoint", envOrDefault("NOTSSH_ENDPOINT", ""), "Coordinator base URL, e.g. http://host:3144")
	root.PersistentFlags().StringVar(&idPath, "client-id", envOrDefault("NOTSSH_CLIENT_ID", agent.DefaultIDPath()), "Path of the persisted client ID file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", envOrDefault("NOTSSH_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("notssh-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
