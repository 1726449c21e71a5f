// Irrigation Core
//
// irrigationd reconciles the live state of a garden irrigation controller
// from its realtime feeds, raises threshold alerts, runs relay and mode
// commands and serves the dashboard API.
//
// Usage:
//
//	irrigationd                  run the daemon (config from IRRIGATION_CONFIG)
//	irrigationd hash-password    read a password on stdin, print its hash
//	irrigationd migrate-down     roll back the most recent database migration
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/nerrad567/irrigation-core/migrations"

	"github.com/nerrad567/irrigation-core/internal/alerting"
	"github.com/nerrad567/irrigation-core/internal/api"
	"github.com/nerrad567/irrigation-core/internal/audit"
	"github.com/nerrad567/irrigation-core/internal/auth"
	"github.com/nerrad567/irrigation-core/internal/control"
	"github.com/nerrad567/irrigation-core/internal/core"
	"github.com/nerrad567/irrigation-core/internal/infrastructure/config"
	"github.com/nerrad567/irrigation-core/internal/infrastructure/database"
	"github.com/nerrad567/irrigation-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/irrigation-core/internal/infrastructure/logging"
	"github.com/nerrad567/irrigation-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/irrigation-core/internal/metrics"
	"github.com/nerrad567/irrigation-core/internal/realtime"
	"github.com/nerrad567/irrigation-core/internal/schedule"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// reconcilerStopTimeout bounds the wait for the reconciler to drain on shutdown.
const reconcilerStopTimeout = 5 * time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		if err := hashPassword(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if len(os.Args) > 1 && os.Args[1] == "migrate-down" {
		if err := migrateDown(context.Background(), logging.Default(), os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting irrigation core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := loadConfig(log)
	if err != nil {
		return err
	}

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	m := metrics.New()

	// Realtime store: the device broker, or an in-process tree for development.
	var mqttClient *mqtt.Client
	var store realtime.Store
	switch cfg.Realtime.Backend {
	case "memory":
		store = realtime.NewMemoryStore()
		log.Warn("using in-memory realtime store; no device is connected")
	default:
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
		store = realtime.NewMQTTStore(mqttClient,
			realtime.WithLogger(log),
			realtime.WithQoS(byte(cfg.MQTT.QoS)),
			realtime.WithEmptyGrace(cfg.EmptyGrace()),
			realtime.WithSettle(cfg.Settle()),
		)
	}

	// Commands, settings and schedule edits go through the breaker so a
	// dead broker fails them fast.
	guarded := realtime.WithBreaker(store, realtime.BreakerSettings{
		Name:          "realtime-writes",
		MaxFailures:   uint32(cfg.Realtime.Breaker.MaxFailures), //nolint:gosec // validated non-negative
		OpenTimeout:   time.Duration(cfg.Realtime.Breaker.OpenTimeout) * time.Second,
		Interval:      time.Duration(cfg.Realtime.Breaker.Interval) * time.Second,
		OnStateChange: m.ObserveBreaker,
	})

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Event log: realtime store plus local SQLite copy.
	eventRepo := audit.NewSQLiteRepository(db.DB)
	events := audit.NewWriter(audit.WriterConfig{
		QueueSize:    cfg.Audit.QueueSize,
		WriteTimeout: time.Duration(cfg.Audit.WriteTimeout) * time.Second,
		Root:         cfg.Realtime.Paths.Events,
	}, store, eventRepo)
	events.SetLogger(log)
	events.SetMetrics(m)
	events.Start()
	defer func() {
		log.Info("flushing event log")
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if closeErr := events.Close(flushCtx); closeErr != nil {
			log.Error("error closing event log", "error", closeErr)
		}
	}()

	hub := api.NewHub(log, m)

	opts := []core.Option{
		core.WithEventLog(events),
		core.WithBroadcaster(hub),
		core.WithLogger(log),
		core.WithMetrics(m),
	}
	if influxClient != nil {
		opts = append(opts, core.WithTelemetry(influxClient))
	}
	alerts := alerting.NewEngine(alerting.Config{
		Cooldown:  cfg.AlertCooldown(),
		WaterTank: cfg.Alerts.WaterTankAlert,
	})
	paths := cfg.Realtime.Paths
	reattachInitial, reattachMax := cfg.ReattachBackoff()
	reconciler := core.New(guarded, alerts, core.Config{
		SiteID: cfg.Site.ID,
		Paths: core.Paths{
			Sensors:  paths.Sensors,
			Relay:    paths.Relay,
			Settings: paths.Settings,
		},
		RelayLogMode:    cfg.Audit.RelayLogMode,
		ReattachInitial: reattachInitial,
		ReattachMax:     reattachMax,
	}, opts...)

	recCtx, stopReconciler := context.WithCancel(ctx)
	recErr := make(chan error, 1)
	go func() { recErr <- reconciler.Run(recCtx) }()
	defer func() {
		log.Info("stopping reconciler")
		stopReconciler()
		select {
		case <-reconciler.Done():
		case <-time.After(reconcilerStopTimeout):
			log.Warn("reconciler did not stop in time")
		}
	}()
	log.Info("reconciler started",
		"sensors", paths.Sensors,
		"relay", paths.Relay,
		"settings", paths.Settings,
	)

	dispatcher := control.NewDispatcher(reconciler, guarded, control.Config{
		Paths: control.Paths{
			RelayStatus: paths.RelayStatus,
			AutoMode:    paths.AutoMode,
			SchedMode:   paths.SchedMode,
		},
		Timeout: cfg.CommandTimeout(),
	})
	dispatcher.SetLogger(log)
	dispatcher.SetMetrics(m)
	arbiter := control.NewArbiter(dispatcher)

	schedules := schedule.NewService(guarded, paths.Schedules, events)
	schedules.SetLogger(log)

	var authenticator *auth.Authenticator
	if cfg.Security.JWT.Enabled {
		authenticator, err = newAuthenticator(cfg.Security)
		if err != nil {
			return fmt.Errorf("configuring authentication: %w", err)
		}
		log.Info("authentication enabled", "operators", len(cfg.Security.Operators))
	} else {
		log.Warn("authentication disabled; every API caller is an operator")
	}

	server, err := api.New(api.Deps{
		Config:    cfg.API,
		WS:        cfg.WebSocket,
		Security:  cfg.Security,
		Logger:    log,
		State:     reconciler,
		Relay:     dispatcher,
		Modes:     arbiter,
		Store:     guarded,
		Settings:  paths.Settings,
		MaxLength: paths.MaxLength,
		Events:    events,
		EventRepo: eventRepo,
		Schedules: schedules,
		Auth:      authenticator,
		Metrics:   m,
		Hub:       hub,
		Version:   version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, cleaning up")
	case err := <-recErr:
		if err != nil {
			return fmt.Errorf("reconciler: %w", err)
		}
	}

	// Deferred Close() calls run in reverse order:
	// API server, reconciler, event log, InfluxDB, MQTT, database.

	log.Info("irrigation core stopped")
	return nil
}

// loadConfig reads the config file. When the default path does not exist
// the built-in defaults are used; an explicitly named file must exist.
func loadConfig(log *logging.Logger) (*config.Config, error) {
	path, explicit := getConfigPath()
	cfg, err := config.Load(path)
	switch {
	case err == nil:
		log.Info("configuration loaded", "path", path)
		return cfg, nil
	case !explicit && errors.Is(err, fs.ErrNotExist):
		cfg = config.Default()
		if vErr := cfg.Validate(); vErr != nil {
			return nil, fmt.Errorf("validating default config: %w", vErr)
		}
		log.Warn("config file not found, using defaults", "path", path)
		return cfg, nil
	default:
		return nil, fmt.Errorf("loading config: %w", err)
	}
}

// getConfigPath returns the configuration file path and whether it was
// set through IRRIGATION_CONFIG.
func getConfigPath() (string, bool) {
	if path := os.Getenv("IRRIGATION_CONFIG"); path != "" {
		return path, true
	}
	return defaultConfigPath, false
}

func newAuthenticator(sec config.SecurityConfig) (*auth.Authenticator, error) {
	ops := make([]auth.Operator, 0, len(sec.Operators))
	for _, o := range sec.Operators {
		ops = append(ops, auth.Operator{
			Username:     o.Username,
			PasswordHash: o.PasswordHash,
			Role:         auth.Role(o.Role),
		})
	}
	ttl := time.Duration(sec.JWT.AccessTokenTTL) * time.Minute
	if ttl <= 0 {
		ttl = auth.DefaultTokenTTL
	}
	return auth.NewAuthenticator(ops, sec.JWT.Secret, ttl)
}

// healthCheck verifies all infrastructure connections are healthy.
// mqttClient and influxClient are nil when not in use.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// migrateDown rolls back the latest applied migration of the configured
// database and reports its version on out.
func migrateDown(ctx context.Context, log *logging.Logger, out io.Writer) error {
	cfg, err := loadConfig(log)
	if err != nil {
		return err
	}
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close() //nolint:errcheck // read-only after the rollback commits

	applied, _, err := db.GetMigrationStatus(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		_, err = fmt.Fprintln(out, "no migrations applied")
		return err
	}
	if err := db.MigrateDown(ctx); err != nil {
		return fmt.Errorf("rolling back migration: %w", err)
	}
	latest := applied[len(applied)-1]
	log.Info("migration rolled back", "version", latest.Version)
	_, err = fmt.Fprintf(out, "rolled back %s\n", latest.Version)
	return err
}

// hashPassword reads one line from in and writes its Argon2id hash to
// out, for the password_hash field of security.operators.
func hashPassword(in io.Reader, out io.Writer) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return errors.New("empty password")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, hash)
	return err
}
