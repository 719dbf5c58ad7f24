package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/drivesentry/drivesentry/internal/alerts"
	"github.com/drivesentry/drivesentry/internal/api"
	"github.com/drivesentry/drivesentry/internal/auth"
	"github.com/drivesentry/drivesentry/internal/config"
	"github.com/drivesentry/drivesentry/internal/drive"
	"github.com/drivesentry/drivesentry/internal/logging"
	"github.com/drivesentry/drivesentry/internal/metrics"
	"github.com/drivesentry/drivesentry/internal/monitor"
	"github.com/drivesentry/drivesentry/internal/retry"
	"github.com/drivesentry/drivesentry/internal/store"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s", "server", "run"},
	Short:   "Start the DriveSentry daemon",
	Long: `Start the DriveSentry daemon.

This command starts the HTTP API server and, when enabled in the
configuration, the background quota monitor.

Example:
  drivesentry serve --config config.yaml --db ./data/drivesentry.db

The server will start listening on the address configured in the config file.`,
	RunE: runServe,
}

var serveFlags struct {
	Host    string
	Port    int
	Timeout time.Duration
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.Host, "host", "", "Server host (overrides config)")
	serveCmd.Flags().IntVar(&serveFlags.Port, "port", 0, "Server port (overrides config)")
	serveCmd.Flags().DurationVar(&serveFlags.Timeout, "timeout", envDuration("SHUTDOWN_TIMEOUT", 30*time.Second), "Shutdown timeout")

	RootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if globalFlags.Verbose {
		log.Println("Starting DriveSentry daemon...")
		log.Printf("Config path: %s", globalFlags.Config)
	}

	loader := config.NewLoader(globalFlags.Config)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if serveFlags.Host != "" {
		cfg.Server.Host = serveFlags.Host
	}
	if serveFlags.Port != 0 {
		cfg.Server.HTTPPort = serveFlags.Port
	}

	logger := logging.NewLogger(logging.WithLevel(logging.LogLevel(cfg.Server.LogLevel)))
	m := metrics.NewMetrics("drivesentry")

	dbPath := cfg.Database.Path
	if f := cmd.Flag("db"); f != nil && f.Changed {
		dbPath = globalFlags.DBPath
	}

	sqliteStore, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("failed to create SQLite store: %w", err)
	}
	if globalFlags.Verbose {
		log.Printf("Database initialized at: %s", dbPath)
	}

	client := drive.NewClient(drive.OAuthConfig{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURL:  cfg.OAuth.RedirectURL,
		Scopes:       cfg.OAuth.Scopes,
	},
		drive.WithLogger(logger),
	)

	executor := retry.NewExecutor(
		retry.WithAttempts(cfg.Monitor.Retry.Attempts),
		retry.WithBaseDelay(cfg.Monitor.Retry.BaseDelay),
		retry.WithLogger(logger),
		retry.WithMetrics(m),
	)

	manager := auth.NewManager(sqliteStore, client,
		auth.WithExecutor(executor),
		auth.WithLogger(logger),
		auth.WithMetrics(m),
		auth.WithRefreshSkew(cfg.Monitor.RefreshSkew),
	)

	notifier := buildNotifier(cfg, logger)

	mon := monitor.NewMonitor(sqliteStore, manager, client, notifier,
		monitor.WithCheckInterval(cfg.Monitor.CheckInterval),
		monitor.WithRecoveryInterval(cfg.Monitor.RecoveryInterval),
		monitor.WithExecutor(executor),
		monitor.WithLogger(logger),
		monitor.WithMetrics(m),
	)
	if cfg.Monitor.Enabled {
		mon.Start()
		log.Printf("Quota monitor started (interval %s)", mon.CheckInterval())
	}

	// Hot-reload the monitor schedule when the config file changes
	loader.SetOnChange(func(next *config.Config) {
		if err := mon.UpdateConfig(next.Monitor.CheckInterval, next.Monitor.Enabled); err != nil {
			logger.Error("config reload rejected", "error", err.Error())
			return
		}
		logger.Info("monitor config updated",
			"check_interval", next.Monitor.CheckInterval.String(),
			"enabled", next.Monitor.Enabled,
		)
	})
	if err := loader.StartWatcher(); err != nil {
		log.Printf("Config watcher warning: %v", err)
	}

	server := api.NewServer(cfg.Server, cfg.API, sqliteStore, manager, mon, m, logger)

	setupGracefulShutdown(server, loader, serveFlags.Timeout)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	log.Printf("Starting DriveSentry HTTP server on %s", addr)
	log.Printf("Database: %s (WAL mode enabled)", dbPath)

	if err := server.Run(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func buildNotifier(cfg *config.Config, logger *logging.Logger) alerts.Notifier {
	if cfg.Telegram.Enabled && cfg.Telegram.BotToken != "" {
		tg, err := alerts.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, logger)
		if err != nil {
			log.Printf("Telegram setup warning: %v", err)
			return alerts.NewLogNotifier(logger)
		}
		return tg
	}
	return alerts.NewLogNotifier(logger)
}

// setupGracefulShutdown handles graceful shutdown of all components
func setupGracefulShutdown(server *api.Server, loader *config.Loader, timeout time.Duration) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received signal: %v", sig)

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		loader.StopWatcher()

		// Shutdown stops the monitor and closes the store
		log.Println("Shutting down API server...")
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Error during server shutdown: %v", err)
		}

		log.Println("Graceful shutdown completed")
		os.Exit(0)
	}()
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	return fallback
}
