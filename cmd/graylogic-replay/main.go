// Gray Logic Replay - P-20HD replay appliance bridge
//
// This is the main entry point for the replay bridge. It holds one control
// session with a Roland P-20HD over TCP, mirrors the appliance state onto
// the Gray Logic MQTT bus and serves a small HTTP API for operators.
//
// Run with -issue-token <subject> to print an API token signed with the
// configured secret and exit.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/gray-logic-replay/migrations"

	"github.com/nerrad567/gray-logic-replay/internal/api"
	"github.com/nerrad567/gray-logic-replay/internal/bridges/p20hd"
	"github.com/nerrad567/gray-logic-replay/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-replay/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-replay/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-replay/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-replay/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-replay/internal/journal"
	"github.com/nerrad567/gray-logic-replay/internal/metrics"
	"github.com/nerrad567/gray-logic-replay/internal/replay"
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

// pruneInterval is how often expired journal entries are deleted.
const pruneInterval = time.Hour

func main() {
	issueFor := flag.String("issue-token", "", "print an API token for `subject` and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of the issued token")
	flag.Parse()

	if *issueFor != "" {
		if err := issueToken(*issueFor, *tokenTTL); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Cancel on Ctrl+C or SIGTERM for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Gray Logic Replay",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	defer log.Close() //nolint:errcheck // nothing useful to do with a log close error at exit
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"output", cfg.Logging.Output,
		"site_id", cfg.Site.ID,
		"site_name", cfg.Site.Name,
	)

	// Open database
	db, err := database.Open(database.Config{
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

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	journalRepo := journal.NewSQLiteRepository(db.DB)

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
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

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
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

	// The session is built idle; the bridge's supervisor dials it.
	session := replay.NewSession(sessionConfig(cfg), log.With("component", "replay"))
	defer func() {
		log.Info("closing device session")
		if closeErr := session.Close(); closeErr != nil {
			log.Error("error closing device session", "error", closeErr)
		}
	}()

	prom := metrics.New(session)

	bridge, err := startBridge(ctx, cfg, session, mqttClient, journalRepo, influxClient, prom, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("stopping P-20HD bridge")
		bridge.Stop()
	}()

	apiServer, err := api.New(api.Deps{
		Config:    cfg.API,
		WS:        cfg.WebSocket,
		Security:  cfg.Security,
		Metrics:   cfg.Metrics,
		Logger:    log,
		Session:   session,
		Commander: bridge,
		Journal:   journalRepo,
		MQTT:      mqttClient,
		Prom:      prom,
		Version:   version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	bridge.SetBroadcaster(apiServer.Hub())

	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()
	log.Info("API server started",
		"address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		"auth", cfg.Security.JWT.Secret != "",
	)

	if retention := cfg.GetJournalRetention(); retention > 0 {
		go pruneJournal(ctx, journalRepo, retention, log)
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: API server, bridge, device
	// session, InfluxDB, MQTT, database. The bridge stops before the
	// session closes so the supervisor cannot redial during EXT.

	log.Info("Gray Logic Replay stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// sessionConfig maps the device section of the config file onto a
// replay session configuration.
func sessionConfig(cfg *config.Config) replay.Config {
	return replay.Config{
		Host:         cfg.Device.Host,
		Port:         cfg.Device.Port,
		PollInterval: cfg.GetPollInterval(),
		Login: replay.Credentials{
			Enabled:  cfg.Device.Login.Enabled,
			UserID:   cfg.Device.Login.UserID,
			Password: cfg.Device.Login.Password,
		},
		ConnectTimeout: cfg.GetConnectTimeout(),
	}
}

// startBridge builds and starts the P-20HD bridge. influxClient may be nil.
func startBridge(ctx context.Context, cfg *config.Config, session *replay.Session, mqttClient *mqtt.Client,
	journalRepo journal.Repository, influxClient *influxdb.Client, prom *metrics.Metrics, log *logging.Logger) (*p20hd.Bridge, error) {
	opts := p20hd.Options{
		BridgeID:             cfg.Bridge.ID,
		Version:              version,
		Address:              session.Config().Address(),
		HealthInterval:       cfg.GetHealthInterval(),
		ReconnectInterval:    cfg.GetReconnectInterval(),
		MaxReconnectInterval: cfg.GetMaxReconnectInterval(),
		DisableReconnect:     cfg.Device.ReconnectInterval == 0,
		MQTT:                 mqttClient,
		Session:              session,
		Journal:              journalRepo,
		Metrics:              prom,
		Logger:               log.With("component", "p20hd"),
	}
	// A nil *influxdb.Client must not reach the interface field.
	if influxClient != nil {
		opts.Telemetry = influxClient
	}

	bridge, err := p20hd.NewBridge(opts)
	if err != nil {
		return nil, fmt.Errorf("creating P-20HD bridge: %w", err)
	}
	if err := bridge.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting P-20HD bridge: %w", err)
	}
	log.Info("P-20HD bridge started",
		"bridge_id", cfg.Bridge.ID,
		"device", opts.Address,
		"poll_interval", cfg.GetPollInterval(),
		"login", cfg.Device.Login.Enabled,
	)
	return bridge, nil
}

// pruneJournal deletes journal entries older than retention until ctx ends.
func pruneJournal(ctx context.Context, repo *journal.SQLiteRepository, retention time.Duration, log *logging.Logger) {
	prune := func() {
		n, err := repo.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Warn("journal prune failed", "error", err)
			}
			return
		}
		if n > 0 {
			log.Info("journal pruned", "removed", n, "retention", retention)
		}
	}

	prune()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// healthCheck verifies all infrastructure connections are healthy.
// influxClient may be nil if disabled. The device session is not checked:
// the appliance may legitimately be off, and the bridge reports that
// through its own health topic.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}

// issueToken prints a bearer token for subject using the configured secret.
func issueToken(subject string, ttl time.Duration) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	token, err := api.IssueToken(cfg.Security.JWT, subject, ttl)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}
	fmt.Println(token)
	return nil
}
