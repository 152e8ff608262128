package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/tideline/internal/adapter"
	"github.com/livinlefevreloca/tideline/internal/config"
	"github.com/livinlefevreloca/tideline/internal/coordinator"
	"github.com/livinlefevreloca/tideline/internal/credentials"
	"github.com/livinlefevreloca/tideline/internal/db"
	"github.com/livinlefevreloca/tideline/internal/eventlog"
	"github.com/livinlefevreloca/tideline/internal/registry"
	"github.com/livinlefevreloca/tideline/internal/scheduler"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tideline",
		Short:         "Incremental synchronization engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("config", "", "Path to configuration file (TOML)")
	root.PersistentFlags().Bool("debug", false, "Force debug logging")

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newScheduleCmd())
	root.AddCommand(newEnableCmd())
	return root
}

// newLogger builds the process logger from the logging section
func newLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// loadConfig reads and validates the configuration named by --config
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	debug, _ := cmd.Flags().GetBool("debug")

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cfg.Logging, debug)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "config_file", path, "families", len(cfg.Families))
	return cfg, logger, nil
}

// openDatabase connects and applies migrations unless configured not to
func openDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*db.DB, error) {
	logger.Info("connecting to database", "driver", cfg.Database.Driver)
	database, err := db.OpenWithConfig(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Database.SkipMigrations {
		logger.Info("skipping migrations", "reason", "configured to skip")
		return database, nil
	}
	version, err := database.Migrate(ctx)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Info("database schema ready", "version", version)
	return database, nil
}

// engine is every long-lived component wired together
type engine struct {
	cfg         *config.Config
	logger      *slog.Logger
	db          *db.DB
	families    *adapter.Registry
	events      *eventlog.Log
	coordinator *coordinator.Coordinator
	scheduler   *scheduler.Scheduler
	registry    *registry.Registry
}

func newEngine(ctx context.Context, cmd *cobra.Command) (*engine, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	database, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	families, err := cfg.BuildFamilies(&http.Client{})
	if err != nil {
		database.Close()
		return nil, err
	}

	creds, err := credentials.New(ctx, cfg.Credentials)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to create credential provider: %w", err)
	}

	eventOpts := []eventlog.Option{
		eventlog.WithLogger(logger),
		eventlog.WithPollInterval(cfg.Engine.EventPollInterval),
	}
	if cfg.Kafka.Enabled {
		pub, err := eventlog.NewKafkaPublisher(cfg.Kafka)
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		logger.Info("mirroring run events to kafka", "topic", cfg.Kafka.Topic, "brokers", cfg.Kafka.Brokers)
		eventOpts = append(eventOpts, eventlog.WithPublisher(pub))
	}
	events := eventlog.New(database, eventOpts...)

	coord := coordinator.New(database, families, creds, events, cfg.Engine.Coordinator(), logger)
	sched, err := scheduler.NewScheduler(cfg.Scheduler, database, families, coord, events, logger)
	if err != nil {
		events.Close()
		database.Close()
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &engine{
		cfg:         cfg,
		logger:      logger,
		db:          database,
		families:    families,
		events:      events,
		coordinator: coord,
		scheduler:   sched,
		registry:    registry.New(database, families, logger),
	}, nil
}

// Close stops in-flight runs and releases resources
func (e *engine) Close(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := e.coordinator.Shutdown(ctx); err != nil {
		e.logger.Warn("runs still in flight at shutdown", "error", err)
	}
	if err := e.events.Close(); err != nil {
		e.logger.Warn("failed to close event publisher", "error", err)
	}
	if err := e.db.Close(); err != nil {
		e.logger.Warn("failed to close database", "error", err)
	}
}
