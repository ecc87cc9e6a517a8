// Open Peer Power Core - home automation event hub
//
// This is the main entry point. It loads the configuration, opens the
// database, starts the core (event bus, state machine and service
// registry), loads the built-in components and serves the REST and
// WebSocket API until a signal or the openpeerpower.stop service asks it
// to exit. openpeerpower.restart tears everything down and runs again
// in-process.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/openpeerpower/opp-core/migrations"

	"github.com/openpeerpower/opp-core/internal/api"
	"github.com/openpeerpower/opp-core/internal/auth"
	"github.com/openpeerpower/opp-core/internal/components/influxdb"
	"github.com/openpeerpower/opp-core/internal/components/mqtteventstream"
	"github.com/openpeerpower/opp-core/internal/components/openpeerpower"
	"github.com/openpeerpower/opp-core/internal/core"
	"github.com/openpeerpower/opp-core/internal/infrastructure/config"
	"github.com/openpeerpower/opp-core/internal/infrastructure/database"
	influxclient "github.com/openpeerpower/opp-core/internal/infrastructure/influxdb"
	"github.com/openpeerpower/opp-core/internal/infrastructure/logging"
	"github.com/openpeerpower/opp-core/internal/infrastructure/mqtt"
	"github.com/openpeerpower/opp-core/internal/recorder"
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

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	for {
		restart, err := run(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if !restart || ctx.Err() != nil {
			return
		}
	}
}

// run is the application logic, separated from main for testability.
//
// Returns:
//   - restart: true when openpeerpower.restart asked for a new run
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) (restart bool, err error) {
	log := logging.Default()
	log.Info("starting Open Peer Power",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return false, fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return false, fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return false, fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	authLog := log.Component("auth")
	users := auth.NewUserRepository(db.DB)
	if _, seedErr := auth.SeedOwner(ctx, users, authLog); seedErr != nil {
		return false, fmt.Errorf("seeding owner account: %w", seedErr)
	}
	authManager, err := auth.NewManager(users,
		auth.NewTokenRepository(db.DB),
		auth.NewPolicyRepository(db.DB),
		auth.ManagerConfig{
			Secret:          cfg.Security.JWT.Secret,
			AccessTokenTTL:  time.Duration(cfg.Security.JWT.AccessTokenTTL) * time.Minute,
			RefreshTokenTTL: time.Duration(cfg.Security.JWT.RefreshTokenTTL) * time.Minute,
			APIPassword:     cfg.Security.APIPassword,
		}, authLog)
	if err != nil {
		return false, fmt.Errorf("creating auth manager: %w", err)
	}

	opp := core.New(coreConfig(cfg.Core, configPath),
		core.WithUsers(authManager),
		core.WithVersion(version),
		core.WithLogger(log.Component("core")),
		core.WithExecutorWorkers(cfg.Core.ExecutorWorkers),
		core.WithStopTimeout(cfg.GetStopTimeout()),
	)

	var history api.HistoryStore
	var rec *recorder.Recorder
	if cfg.Recorder.Enabled {
		store := recorder.NewStore(db.DB)
		restored, restoreErr := recorder.RestoreStates(ctx, store, opp.States)
		if restoreErr != nil {
			return false, fmt.Errorf("restoring states: %w", restoreErr)
		}
		log.Info("states restored", "count", restored)

		rec = recorder.New(store, recorder.Options{
			Exclude:  cfg.Recorder.Exclude,
			KeepDays: cfg.Recorder.PurgeKeepDay,
		}, log.Component("recorder"))
		rec.Start(ctx, opp.Bus)
		defer rec.Stop()
		history = store
	} else {
		log.Info("recorder disabled")
	}

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return false, fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
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
	} else {
		log.Info("MQTT disabled")
	}

	var influxClient *influxclient.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxclient.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return false, fmt.Errorf("connecting to InfluxDB: %w", err)
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

	// Buffered so a stop requested during shutdown never blocks the
	// service call that asked for it.
	shutdown := make(chan bool, 1)
	setups := map[string]core.SetupFunc{
		openpeerpower.Domain: openpeerpower.Setup(openpeerpower.Options{
			Shutdown: func(restart bool) {
				select {
				case shutdown <- restart:
				default:
				}
			},
			LoadConfig: func(context.Context) (core.ConfigUpdate, error) {
				reloaded, loadErr := config.Load(configPath)
				if loadErr != nil {
					return core.ConfigUpdate{}, loadErr
				}
				return coreUpdate(reloaded.Core), nil
			},
			Logger: log.Component(openpeerpower.Domain),
		}),
	}
	if cfg.MQTTEventstream.Enabled {
		setups[mqtteventstream.Domain] = mqtteventstream.Setup(mqttClient, mqtteventstream.Options{
			PublishTopic:   cfg.MQTTEventstream.PublishTopic,
			SubscribeTopic: cfg.MQTTEventstream.SubscribeTopic,
			IgnoreEvents:   cfg.MQTTEventstream.IgnoreEvents,
			QoS:            byte(cfg.MQTT.QoS), //nolint:gosec // validated to 0..2
		}, log.Component(mqtteventstream.Domain))
	}
	if influxClient != nil {
		setups[influxdb.Domain] = influxdb.Setup(influxClient, influxdb.Options{
			DefaultMeasurement: cfg.InfluxDB.DefaultMeasurement,
			ExcludeDomains:     cfg.InfluxDB.ExcludeDomains,
			ExcludeEntities:    cfg.InfluxDB.ExcludeEntities,
		})
	}

	if err := opp.Start(ctx); err != nil {
		return false, fmt.Errorf("starting core: %w", err)
	}
	stopCore := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.GetStopTimeout()+5*time.Second)
		defer cancel()
		if stopErr := opp.Stop(stopCtx); stopErr != nil {
			log.Error("error stopping core", "error", stopErr)
		}
	}

	if err := opp.SetupComponents(ctx, setups); err != nil {
		stopCore()
		return false, fmt.Errorf("setting up components: %w", err)
	}
	log.Info("components loaded", "components", opp.Components())

	server, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Logger:   log.Component("api"),
		Core:     opp,
		Auth:     authManager,
		History:  history,
	})
	if err != nil {
		stopCore()
		return false, fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		stopCore()
		return false, fmt.Errorf("starting API server: %w", err)
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient, server); err != nil {
		_ = server.Close()
		stopCore()
		return false, fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")
	log.Info("initialisation complete, waiting for shutdown signal")

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, cleaning up")
	case restart = <-shutdown:
		log.Info("shutdown requested by service call", "restart", restart)
	}

	// The API goes first so no new calls arrive while the core drains.
	if closeErr := server.Close(); closeErr != nil {
		log.Error("error closing API server", "error", closeErr)
	}
	stopCore()

	// Remaining deferred calls run in reverse order:
	// 1. InfluxDB (if enabled)
	// 2. MQTT (if enabled)
	// 3. Recorder (if enabled)
	// 4. Database

	log.Info("Open Peer Power stopped")
	return restart, nil
}

// getConfigPath returns the configuration file path.
// Uses OPP_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("OPP_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// coreConfig converts the core section of the file into the runtime
// configuration. The config directory is the one holding the file.
func coreConfig(cc config.CoreConfig, configPath string) core.Config {
	dir, err := filepath.Abs(filepath.Dir(configPath))
	if err != nil {
		dir = filepath.Dir(configPath)
	}
	return core.Config{
		LocationName:          cc.Name,
		Latitude:              cc.Latitude,
		Longitude:             cc.Longitude,
		Elevation:             cc.Elevation,
		TimeZone:              cc.TimeZone,
		UnitSystem:            core.UnitSystem(cc.UnitSystem),
		InternalURL:           cc.InternalURL,
		ExternalURL:           cc.ExternalURL,
		AllowlistExternalDirs: cc.AllowlistExternalDirs,
		ConfigDir:             dir,
	}
}

// coreUpdate turns a reloaded core section into a ConfigUpdate that
// replaces every reloadable field.
func coreUpdate(cc config.CoreConfig) core.ConfigUpdate {
	return core.ConfigUpdate{
		LocationName: &cc.Name,
		Latitude:     &cc.Latitude,
		Longitude:    &cc.Longitude,
		Elevation:    &cc.Elevation,
		TimeZone:     &cc.TimeZone,
		UnitSystem:   core.UnitSystem(cc.UnitSystem),
		InternalURL:  &cc.InternalURL,
		ExternalURL:  &cc.ExternalURL,
	}
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//   - server: API server to check
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxclient.Client, server *api.Server) error {
	var errs []error

	if err := db.HealthCheck(ctx); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mqtt: %w", err))
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("influxdb: %w", err))
		}
	}
	if err := server.HealthCheck(ctx); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
