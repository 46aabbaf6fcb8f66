package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/BTreeMap/CheckinPipe/internal/api"
	"github.com/BTreeMap/CheckinPipe/internal/content"
	"github.com/BTreeMap/CheckinPipe/internal/events"
	"github.com/BTreeMap/CheckinPipe/internal/flow"
	"github.com/BTreeMap/CheckinPipe/internal/messaging"
	"github.com/BTreeMap/CheckinPipe/internal/scheduler"
	"github.com/BTreeMap/CheckinPipe/internal/store"
	"github.com/BTreeMap/CheckinPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CheckinPipe state data
	DefaultStateDir = "/var/lib/checkinpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "checkinpipe.db"
	// DefaultTickSchedule polls every minute; the tick is idempotent so
	// the cadence only bounds delivery latency.
	DefaultTickSchedule = "* * * * *"
)

// Config holds environment configuration
type Config struct {
	DatabaseURL   string
	StateDir      string
	APIAddr       string
	CronSecret    string
	WebhookSecret string
	AdminToken    string
	AdminIDs      []string
	TickSchedule  string
}

// Flags holds command line flag values
type Flags struct {
	stateDir     *string
	dbDSN        *string
	apiAddr      *string
	tickSchedule *string
	once         *bool
}

func main() {
	config := loadEnvironmentConfig()
	initializeLogger()
	flags := parseCommandLineFlags(config)

	st, err := openStore(flags)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	catalog, err := content.Load()
	if err != nil {
		slog.Error("Failed to load content catalog", "error", err)
		os.Exit(1)
	}

	// Transport credentials are required in every mode: both the serve
	// loop and a single tick deliver messages.
	transport, err := messaging.NewTwilioService()
	if err != nil {
		slog.Error("Failed to configure transport", "error", err)
		os.Exit(1)
	}

	eventLog := events.NewLog(st)
	sched := scheduler.NewScheduler(st, eventLog, catalog, transport)
	coordinator := flow.NewCoordinator(st, eventLog, catalog, transport, sched,
		flow.WithAdminIDs(config.AdminIDs))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *flags.once {
		slog.Info("Running a single tick")
		if err := sched.RunTick(ctx); err != nil {
			slog.Error("Tick failed", "error", err)
			os.Exit(1)
		}
		slog.Info("Tick completed")
		return
	}

	if err := transport.Start(ctx); err != nil {
		slog.Error("Failed to start transport", "error", err)
		os.Exit(1)
	}
	go coordinator.Run(ctx)

	c := cron.New()
	if _, err := c.AddFunc(*flags.tickSchedule, func() {
		if err := sched.RunTick(context.Background()); err != nil {
			slog.Error("Scheduled tick failed", "error", err)
		}
	}); err != nil {
		slog.Error("Invalid tick schedule", "error", err, "schedule", *flags.tickSchedule)
		os.Exit(1)
	}
	c.Start()
	defer c.Stop()

	server := api.NewServer(sched, coordinator,
		api.WithAddr(*flags.apiAddr),
		api.WithCronSecret(config.CronSecret),
		api.WithWebhookSecret(config.WebhookSecret),
		api.WithAdminToken(config.AdminToken))
	if err := server.Start(); err != nil {
		slog.Error("Failed to start API server", "error", err)
		os.Exit(1)
	}

	slog.Info("CheckinPipe running", "api_addr", *flags.apiAddr, "tick_schedule", *flags.tickSchedule)
	<-ctx.Done()

	slog.Info("Shutting down")
	if err := server.Stop(); err != nil {
		slog.Error("API server shutdown failed", "error", err)
	}
	if err := transport.Stop(); err != nil {
		slog.Error("Transport shutdown failed", "error", err)
	}
	slog.Info("CheckinPipe exited successfully")
}

// initializeLogger sets up structured logging; debug output is opt-in via
// CHECKINPIPE_DEBUG.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("CHECKINPIPE_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		StateDir:      os.Getenv("CHECKINPIPE_STATE_DIR"),
		APIAddr:       util.GetEnvDefault("API_ADDR", ":8080"),
		CronSecret:    os.Getenv("CRON_SECRET"),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		AdminToken:    os.Getenv("ADMIN_TOKEN"),
		AdminIDs:      util.ParseListEnv("ADMIN_PARTICIPANTS"),
		TickSchedule:  util.GetEnvDefault("TICK_SCHEDULE", DefaultTickSchedule),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CHECKINPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	return config
}

// parseCommandLineFlags parses command line flags with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:     flag.String("state-dir", config.StateDir, "state directory for the SQLite database"),
		dbDSN:        flag.String("db-dsn", config.DatabaseURL, "database DSN (postgres:// URI or SQLite file path)"),
		apiAddr:      flag.String("api-addr", config.APIAddr, "API server listen address"),
		tickSchedule: flag.String("tick-schedule", config.TickSchedule, "cron expression for the dispatch tick"),
		once:         flag.Bool("once", false, "run a single tick and exit"),
	}
	flag.Parse()
	return flags
}

// openStore picks the backend by DSN scheme: postgres URIs get the
// Postgres store, anything else is treated as a SQLite path.
func openStore(flags Flags) (store.Store, error) {
	dsn := *flags.dbDSN
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		slog.Info("Using Postgres store")
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	if dsn == "" {
		dsn = filepath.Join(*flags.stateDir, DefaultDBFileName)
	}
	slog.Info("Using SQLite store", "path", dsn)
	return store.NewSQLiteStore(store.WithDSN(dsn))
}
