// Gray Logic Hub - home automation state hub
//
// This is the main entry point for the Gray Logic Hub application. The hub
// keeps the live state of every entity, records its history, runs scenes
// and automations, mirrors state onto MQTT and serves a REST/WebSocket API.
//
// Startup order:
//
//	config → logging → database → bus/store → recorder → services
//	→ scenes → automations → MQTT statestream → API
//
// Shutdown runs the same list in reverse via the defer chain.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/gray-logic-hub/internal/api"
	"github.com/nerrad567/gray-logic-hub/internal/automation"
	"github.com/nerrad567/gray-logic-hub/internal/bridges/statestream"
	"github.com/nerrad567/gray-logic-hub/internal/core"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-hub/internal/recorder"
	"github.com/nerrad567/gray-logic-hub/internal/scene"
	"github.com/nerrad567/gray-logic-hub/internal/service"
	"github.com/nerrad567/gray-logic-hub/internal/subscription"
	"github.com/nerrad567/gray-logic-hub/internal/template"
	"github.com/nerrad567/gray-logic-hub/migrations"
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

// shutdownTimeout bounds the final recorder flush.
const shutdownTimeout = 10 * time.Second

// Bus sink names. Each sink has its own queue.
const (
	sinkRecorder      = "recorder"
	sinkInflux        = "influxdb"
	sinkSubscriptions = "subscriptions"
	sinkAutomations   = "automations"
	sinkStatestream   = "statestream"
)

func main() {
	// Cancel on Ctrl+C or SIGTERM for graceful shutdown.
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
	log.Info("starting Gray Logic Hub",
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
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// ─── Persistence ───────────────────────────────────────────────

	db, err := database.Open(cfg.Database)
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

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB, cfg.Site.ID)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			stats := influxClient.Stats()
			log.Info("closing InfluxDB connection",
				"points", stats.Points,
				"write_errors", stats.WriteErrors,
			)
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

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
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
		mqttClient.SetLogger(log.Component("mqtt"))
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	// ─── State core ────────────────────────────────────────────────

	m := metrics.New()

	bus := core.NewBus(cfg.EventBus.QueueSize)
	bus.SetLogger(log.Component("bus"))
	bus.SetMetrics(m)
	defer bus.Close()

	store := core.NewStore(bus)
	store.SetLogger(log.Component("store"))
	store.SetMetrics(m)

	subs := subscription.NewRegistry(cfg.Subscriptions.QueueSize, cfg.Subscriptions.MaxDrops)
	subs.SetLogger(log.Component("subscriptions"))
	subs.SetMetrics(m)
	defer subs.Close()
	if _, err := bus.Register(sinkSubscriptions, 0, subs); err != nil {
		return fmt.Errorf("registering subscriptions: %w", err)
	}

	// ─── Recorder ──────────────────────────────────────────────────

	rec := recorder.New(recorder.NewSQLiteRepository(db.DB), recorder.OptionsFromConfig(cfg.Recorder))
	rec.SetLogger(log.Component("recorder"))
	rec.SetMetrics(m)
	rec.Start(ctx)
	defer func() {
		// Drain queued events into the recorder before its final flush.
		bus.Close()

		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if stopErr := rec.Stop(stopCtx); stopErr != nil {
			log.Error("final recorder flush failed", "error", stopErr)
		}
		log.Info("recorder stopped")
	}()
	if _, err := bus.Register(sinkRecorder, cfg.Recorder.QueueSize, rec); err != nil {
		return fmt.Errorf("registering recorder: %w", err)
	}

	if influxClient != nil {
		filter := recorder.NewFilter(cfg.Recorder.ExcludeEntities, cfg.Recorder.ExcludeDomains)
		exporter := recorder.NewInfluxExporter(influxClient, filter)
		if _, err := bus.Register(sinkInflux, 0, exporter); err != nil {
			return fmt.Errorf("registering InfluxDB exporter: %w", err)
		}
	}

	// ─── Services, scenes, automations ─────────────────────────────

	services := service.NewRegistry(store)
	services.SetLogger(log.Component("services"))

	scenes := scene.NewEngine(scene.NewRegistry(), store)
	scenes.SetLogger(log.Component("scenes"))
	scenes.SetMetrics(m)
	if err := scenes.LoadFile(cfg.Scenes.File); err != nil {
		return fmt.Errorf("loading scenes: %w", err)
	}
	scenes.RegisterServices(services)
	log.Info("scenes loaded", "count", len(scenes.Registry().ListScenes()))

	automations, err := startAutomations(ctx, cfg, store, services, bus, m, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("stopping automation engine")
		automations.Stop()
	}()

	// ─── MQTT statestream ──────────────────────────────────────────

	if mqttClient != nil {
		bridge, bridgeErr := startStatestream(cfg, mqttClient, store, bus, log)
		if bridgeErr != nil {
			return bridgeErr
		}
		defer bridge.Stop()
	}

	// ─── API ───────────────────────────────────────────────────────

	deps := api.Deps{
		Config:        cfg.API,
		WS:            cfg.WebSocket,
		Logger:        log,
		Store:         store,
		Services:      services,
		Subscriptions: subs,
		History:       rec,
		Automations:   automations,
		Scenes:        scenes,
		Metrics:       m,
		Version:       version,
	}
	if mqttClient != nil {
		deps.MQTT = mqttClient
	}
	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()
	log.Info("API server started",
		"address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
	)

	if _, err := store.Fire(core.EventHomeAssistantStarted, nil, core.NewContext("", "")); err != nil {
		log.Warn("failed to fire startup event", "error", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal",
		"entities", store.Count(),
		"sinks", bus.Sinks(),
	)

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// API → statestream → automations → bus drain → recorder flush
	// → subscriptions → MQTT → InfluxDB → database

	log.Info("Gray Logic Hub stopped")
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

// startAutomations loads the automation file, installs the automation.*
// services and attaches the engine to the bus.
func startAutomations(
	ctx context.Context,
	cfg *config.Config,
	store *core.Store,
	services *service.Registry,
	bus *core.Bus,
	m *metrics.Metrics,
	log *logging.Logger,
) (*automation.Engine, error) {
	engine := automation.NewEngine(store, services, template.New(store), automation.Options{
		File:                      cfg.Automation.File,
		ForceTriggerSkipCondition: cfg.Automation.ForceTriggerSkipCondition,
		MaxRuns:                   cfg.Automation.MaxRuns,
		Site: automation.Site{
			Location:  cfg.Location(),
			Latitude:  cfg.Site.Location.Latitude,
			Longitude: cfg.Site.Location.Longitude,
		},
	})
	engine.SetLogger(log.Component("automations"))
	engine.SetMetrics(m)

	if err := engine.LoadFile(cfg.Automation.File); err != nil {
		return nil, fmt.Errorf("loading automations: %w", err)
	}
	engine.RegisterServices(services)
	engine.Start(ctx)

	if _, err := bus.Register(sinkAutomations, 0, engine); err != nil {
		engine.Stop()
		return nil, fmt.Errorf("registering automation engine: %w", err)
	}

	log.Info("automation engine started",
		"automations", len(engine.List()),
		"file", cfg.Automation.File,
	)
	return engine, nil
}

// startStatestream mirrors the store onto MQTT. A full snapshot is
// republished every time the broker connection comes back.
func startStatestream(
	cfg *config.Config,
	client *mqtt.Client,
	store *core.Store,
	bus *core.Bus,
	log *logging.Logger,
) (*statestream.Bridge, error) {
	bridge := statestream.New(client, store, statestream.Options{
		Topics: client.Topics(),
		QoS:    client.QoS(),
	})
	bridge.SetLogger(log.Component("statestream"))

	if err := bridge.Start(); err != nil {
		return nil, fmt.Errorf("starting statestream: %w", err)
	}
	if _, err := bus.Register(sinkStatestream, 0, bridge); err != nil {
		bridge.Stop()
		return nil, fmt.Errorf("registering statestream: %w", err)
	}

	client.SetOnConnect(func() {
		log.Info("MQTT reconnected, republishing states")
		bridge.PublishAll()
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	log.Info("statestream started", "prefix", client.Topics().Prefix())
	return bridge, nil
}

// healthCheck verifies the infrastructure connections. The MQTT and
// InfluxDB clients may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
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

	return errors.Join(errs...)
}
