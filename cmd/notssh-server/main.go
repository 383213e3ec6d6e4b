package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kjubybot/notssh/internal/api"
	"github.com/kjubybot/notssh/internal/config"
	"github.com/kjubybot/notssh/internal/control"
	"github.com/kjubybot/notssh/internal/coordinator"
	"github.com/kjubybot/notssh/internal/db"
	"github.com/kjubybot/notssh/internal/metrics"
	"github.com/kjubybot/notssh/internal/store"
	"github.com/kjubybot/notssh/internal/sweeper"
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
		configPath string
		logLevel   string
	)

	root := &cobra.Command{
		Use:   "notssh-server",
		Short: "notssh coordinator — dispatches commands to connected agents",
		Long: `notssh-server is the central coordinator of a notssh fleet.
Agents maintain outbound connections to it; operators issue commands
through a local control socket and receive results once the targeted
agent reports back.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVarP(&configPath, "config", "c", envOrDefault("NOTSSH_CONFIG", ""), "Path to the YAML configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", envOrDefault("NOTSSH_LOG_LEVEL", ""), "Log level override (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("notssh-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting notssh server",
		zap.String("version", version),
		zap.String("listen_addr", cfg.ListenAddr()),
		zap.String("socket", cfg.Socket),
		zap.String("db_driver", cfg.DB.Driver),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	database, err := db.Open(db.Config{
		Driver:   cfg.DB.Driver,
		DSN:      cfg.DB.DSN(),
		Logger:   logger.Named("gorm"),
		LogLevel: gormlogger.Warn,
	})
	if err != nil {
		return err
	}

	st := store.New(database)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	coord := coordinator.New(st, m, logger)
	ctl := control.New(st, control.Config{
		PingTimeout:  cfg.Control.PingTimeout.Std(),
		PurgeTimeout: cfg.Control.PurgeTimeout.Std(),
		ShellTimeout: cfg.Control.ShellTimeout.Std(),
		PollInterval: cfg.Control.PollInterval.Std(),
	}, logger)

	sw, err := sweeper.New(st, sweeper.Config{
		Interval:  cfg.Sweeper.Interval.Std(),
		ClientTTL: cfg.Sweeper.ClientTTL.Std(),
	}, m, logger)
	if err != nil {
		return fmt.Errorf("failed to create sweeper: %w", err)
	}

	// A previous process may have died with sessions open; start from a
	// world where nobody is connected.
	if err := sw.Finalize(ctx); err != nil {
		return err
	}
	sw.Start()

	agentSrv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: api.NewAgentRouter(coord, reg, logger),
	}
	controlSrv := &http.Server{
		Handler: api.NewControlRouter(ctl, logger),
	}

	controlLn, err := listenUnix(cfg.Socket)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("agent plane listening", zap.String("addr", cfg.ListenAddr()))
		if err := agentSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("agent plane: %w", err)
		}
	}()
	go func() {
		logger.Info("control plane listening", zap.String("socket", cfg.Socket))
		if err := controlSrv.Serve(controlLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("control plane: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		cancel()
		shutdown(logger, agentSrv, controlSrv, coord, sw, cfg.Socket)
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down notssh server")
	shutdown(logger, agentSrv, controlSrv, coord, sw, cfg.Socket)
	return nil
}

// shutdown stops both HTTP surfaces, closes live sessions, and runs the
// sweeper's final reconciliation pass.
func shutdown(logger *zap.Logger, agentSrv, controlSrv *http.Server, coord *coordinator.Coordinator, sw *sweeper.Sweeper, socket string) {
	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()

	coord.Shutdown()
	if err := agentSrv.Shutdown(sctx); err != nil {
		logger.Warn("agent plane shutdown", zap.Error(err))
	}
	if err := controlSrv.Shutdown(sctx); err != nil {
		logger.Warn("control plane shutdown", zap.Error(err))
	}
	if err := sw.Stop(); err != nil {
		logger.Warn("sweeper stop", zap.Error(err))
	}
	if err := sw.Finalize(sctx); err != nil {
		logger.Error("failed to finalize client state", zap.Error(err))
	}
	os.Remove(socket)
}

// listenUnix binds the control socket, replacing a stale one left behind by
// an unclean exit.
func listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to bind control socket: %w", err)
	}
	if err := os.Chmod(path, 0o660); err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to chmod control socket: %w", err)
	}
	return ln, nil
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
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
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
