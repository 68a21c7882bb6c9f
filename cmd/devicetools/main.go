// Gray Logic Device Tools
//
// Runs the modification overlay engine next to the device and entity
// registry: device overlays, entity overlays and device merges stay in
// force while protocol bridges keep writing to the registry.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/gray-logic-devicetools/internal/bridges/registrysync"
	"github.com/nerrad567/gray-logic-devicetools/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-devicetools/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-devicetools/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-devicetools/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-devicetools/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-devicetools/internal/listener"
	"github.com/nerrad567/gray-logic-devicetools/internal/modification"
	"github.com/nerrad567/gray-logic-devicetools/internal/registry"
	"github.com/nerrad567/gray-logic-devicetools/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"

	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Gray Logic Device Tools",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath)

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
	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	reg := registry.NewRegistry(registry.NewSQLiteRepository(db.DB))
	reg.SetLogger(log.Component("registry"))
	if refreshErr := reg.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading registry: %w", refreshErr)
	}
	log.Info("registry loaded", "devices", reg.DeviceCount(), "entities", reg.EntityCount())

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Change events are delivered on the dispatcher goroutine. It is
	// stopped last so that manager shutdown can still run on it.
	disp, devices, entities, err := startDispatcher(promRegistry, reg, log)
	if err != nil {
		return err
	}
	dispCtx, stopDispatcher := context.WithCancel(context.Background())
	dispDone := make(chan error, 1)
	go func() { dispDone <- disp.Run(dispCtx) }()
	defer func() {
		stopDispatcher()
		<-dispDone
	}()

	modMetrics, err := modification.NewMetrics(promRegistry)
	if err != nil {
		return fmt.Errorf("registering modification metrics: %w", err)
	}
	store := modification.NewSQLiteStore(db.DB)
	saver := modification.NewSnapshotSaver(store, cfg.GetSaveInterval())
	saver.SetLogger(log.Component("saver"))
	saverCtx, stopSaver := context.WithCancel(context.Background())
	saverDone := make(chan error, 1)
	go func() { saverDone <- saver.Run(saverCtx) }()
	defer func() {
		stopSaver()
		<-saverDone
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if flushErr := saver.Flush(flushCtx); flushErr != nil {
			log.Error("error flushing original data", "error", flushErr)
		}
	}()

	manager := modification.NewManager(modification.Options{
		Registry:              reg,
		Devices:               devices,
		Entities:              entities,
		Runner:                disp,
		Store:                 store,
		Saver:                 saver,
		Metrics:               modMetrics,
		DisableMembersDefault: cfg.Modifications.DisableMergedMembers,
	})
	manager.SetLogger(log.Component("modification"))

	influxClient, err := connectInfluxDB(cfg, log)
	if err != nil {
		return err
	}
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
	}

	var bridge *registrysync.Bridge
	if cfg.MQTT.Enabled {
		mqttClient, mqttErr := mqtt.Connect(cfg.MQTT)
		if mqttErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", mqttErr)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		opts := registrysync.Options{
			MQTT:     mqttClient,
			Registry: reg,
			Logger:   log.Component("registrysync"),
		}
		if influxClient != nil {
			opts.History = influxClient
		}
		bridge, err = registrysync.New(opts)
		if err != nil {
			return fmt.Errorf("creating registry bridge: %w", err)
		}
		reg.AddNotifier(bridge)
		manager.AddEventSink(bridge)
		defer func() {
			log.Info("stopping registry bridge")
			bridge.Stop()
		}()
	} else {
		log.Info("MQTT disabled")
	}

	if restoreErr := manager.Restore(ctx); restoreErr != nil {
		return fmt.Errorf("restoring modifications: %w", restoreErr)
	}
	// Engines stop reacting before the dispatcher goes away.
	defer func() {
		detachCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if detachErr := manager.Detach(detachCtx); detachErr != nil {
			log.Error("error detaching modifications", "error", detachErr)
		}
	}()

	if syncErr := syncDeclarations(ctx, cfg, manager, log); syncErr != nil {
		log.Warn("some declared modifications were not applied", "error", syncErr)
	}

	if bridge != nil {
		if startErr := bridge.Start(); startErr != nil {
			return fmt.Errorf("starting registry bridge: %w", startErr)
		}
	}

	if cfg.Metrics.Enabled {
		srv := startMetricsServer(cfg.Metrics, promRegistry, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
				log.Error("error stopping metrics server", "error", shutdownErr)
			}
		}()
	}

	if err := healthCheck(ctx, db, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns GRAYLOGIC_CONFIG or the default path.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// startDispatcher builds the dispatcher and routes both listeners to it.
// The caller runs it.
func startDispatcher(promRegistry prometheus.Registerer, reg *registry.Registry, log *logging.Logger) (
	*listener.Dispatcher, *listener.Listener[registry.Device], *listener.Listener[registry.Entity], error,
) {
	listenerMetrics, err := listener.NewMetrics(promRegistry)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("registering listener metrics: %w", err)
	}

	disp := listener.NewDispatcher()
	disp.SetLogger(log.Component("dispatcher"))

	devices := listener.NewDeviceListener(reg)
	devices.SetLogger(log.Component("listener"))
	devices.SetMetrics(listenerMetrics)

	entities := listener.NewEntityListener(reg)
	entities.SetLogger(log.Component("listener"))
	entities.SetMetrics(listenerMetrics)

	disp.Route(registry.KindDevice, devices)
	disp.Route(registry.KindEntity, entities)
	reg.AddNotifier(disp)

	return disp, devices, entities, nil
}

// connectInfluxDB returns nil when InfluxDB is disabled.
func connectInfluxDB(cfg *config.Config, log *logging.Logger) (*influxdb.Client, error) {
	client, err := influxdb.Connect(cfg.InfluxDB)
	if errors.Is(err, influxdb.ErrDisabled) {
		log.Info("InfluxDB disabled")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.InfluxDB.URL,
		"org", cfg.InfluxDB.Org,
		"bucket", cfg.InfluxDB.Bucket,
	)
	return client, nil
}

// syncDeclarations declares every modification in the declarations file
// that is not already active.
func syncDeclarations(ctx context.Context, cfg *config.Config, manager *modification.Manager, log *logging.Logger) error {
	path := cfg.Modifications.DeclarationsFile
	if path == "" {
		return nil
	}
	decls, err := modification.LoadDeclarations(path)
	if err != nil {
		return fmt.Errorf("loading declarations: %w", err)
	}
	log.Info("declarations loaded", "path", path, "count", len(decls))
	return manager.Sync(ctx, decls)
}

// startMetricsServer serves the Prometheus registry in the background.
func startMetricsServer(cfg config.MetricsConfig, gatherer prometheus.Gatherer, log *logging.Logger) *http.Server {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()
	log.Info("metrics server listening", "addr", cfg.Listen, "path", path)
	return srv
}

// healthCheck verifies the database and, when enabled, InfluxDB.
func healthCheck(ctx context.Context, db *database.DB, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
