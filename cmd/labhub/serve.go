package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/labhub-core/internal/api"
	"github.com/nerrad567/labhub-core/internal/apparatus"
	"github.com/nerrad567/labhub-core/internal/audit"
	"github.com/nerrad567/labhub-core/internal/hub"
	"github.com/nerrad567/labhub-core/internal/infrastructure/config"
	"github.com/nerrad567/labhub-core/internal/infrastructure/database"
	"github.com/nerrad567/labhub-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/labhub-core/internal/infrastructure/logging"
	"github.com/nerrad567/labhub-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/labhub-core/internal/sequencer"
	"github.com/nerrad567/labhub-core/internal/store"
	"github.com/nerrad567/labhub-core/internal/telemetry"
	"github.com/nerrad567/labhub-core/internal/watchdog"
	"github.com/nerrad567/labhub-core/migrations"
)

const (
	// shutdownTimeout bounds hub teardown: process grace, watchdog and
	// sequencer tasks.
	shutdownTimeout = 15 * time.Second

	// signalMaxAge is how long an MQTT sensor reading stays valid.
	signalMaxAge = 30 * time.Second

	// historyBuffer is the state history queue length.
	historyBuffer = 1024
)

// run is the serve command, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Startup order: config, logger, database, MQTT, InfluxDB, Redis, hub,
// API. Deferred closes run in reverse on shutdown.
func run(ctx context.Context, configPath string) error {
	log := logging.Default()
	log.Info("starting labhub", "version", version, "commit", commit, "build_date", date)

	cfg, def, err := loadAll(configPath)
	if err != nil {
		return err
	}
	log.Info("configuration loaded", "path", configPath, "definition", cfg.Lab.Definition)

	log, err = logging.New(cfg.Logging, cfg.Lab.ID, version)
	if err != nil {
		return err
	}
	defer log.Close()

	weak, err := checkOperator(cfg)
	if err != nil {
		return err
	}
	if weak {
		log.Warn("operator password hash uses weak parameters", "hint", "regenerate with labhub hash-password")
	}

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
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	checks := map[string]api.HealthCheckFunc{"database": db.HealthCheck}
	sinks := []telemetry.Broadcaster{}
	deps := apparatus.Deps{Options: hubOptions(cfg), Logger: log}

	// Connect to MQTT broker (optional)
	if cfg.MQTT.Enabled {
		mqttClient, err := mqtt.Connect(cfg.MQTT, cfg.Lab.ID)
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
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		signals := watchdog.NewSignalCache(def.Hub, signalMaxAge)
		if err := signals.Subscribe(mqttClient); err != nil {
			return fmt.Errorf("subscribing to sensors: %w", err)
		}
		sink := telemetry.NewMQTTSink(mqttClient, mqttClient.QoS())
		sink.SetLogger(log)

		deps.MQTT = mqttClient
		deps.Signals = signals
		sinks = append(sinks, sink)
		checks["mqtt"] = mqttClient.HealthCheck
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, err := influxdb.Connect(ctx, cfg.InfluxDB)
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
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)

		sinks = append(sinks, influxClient)
		checks["influxdb"] = influxClient.HealthCheck
	} else {
		log.Info("InfluxDB disabled")
	}

	// Snapshot store
	backends := store.Backends{SQLite: store.NewSQLiteStore(db.DB), Dir: cfg.Store.Path}
	if cfg.Store.Backend == store.BackendRedis {
		rs := store.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			store.WithPrefix(cfg.Redis.KeyPrefix),
			store.WithTTL(cfg.Redis.Expiry()),
		)
		defer func() {
			if closeErr := rs.Close(); closeErr != nil {
				log.Error("error closing Redis", "error", closeErr)
			}
		}()
		if err := rs.Ping(ctx); err != nil {
			return fmt.Errorf("connecting to Redis: %w", err)
		}
		log.Info("Redis connected", "addr", cfg.Redis.Addr)
		backends.Redis = rs
		checks["redis"] = rs.Ping
	}
	snapshots, err := store.Open(cfg.Store.Backend, backends)
	if err != nil {
		return fmt.Errorf("opening snapshot store: %w", err)
	}

	// State history writer
	stateHistory := store.NewStateHistory(db.DB, historyBuffer)
	stateHistory.SetLogger(log)
	historyCtx, stopHistory := context.WithCancel(context.WithoutCancel(ctx))
	historyDone := make(chan struct{})
	go func() {
		defer close(historyDone)
		//nolint:errcheck // Run only returns nil after draining
		stateHistory.Run(historyCtx)
	}()
	defer func() {
		stopHistory()
		<-historyDone
		if n := stateHistory.Dropped(); n > 0 {
			log.Warn("state history entries dropped", "count", n)
		}
	}()
	sinks = append(sinks, stateHistory)

	// Event stream for WebSocket clients
	stream := api.NewStream(cfg.WebSocket, log)
	sinks = append(sinks, stream)

	runs := store.NewSamplerRepository(db.DB)
	deps.HubOptions = []hub.Option{
		hub.WithLogger(log),
		hub.WithBroadcaster(telemetry.Multi(sinks...)),
		hub.WithStore(snapshots),
		hub.WithRecorders(runs),
	}

	// Build the hub from the apparatus definition
	h, err := def.Build(ctx, deps)
	if err != nil {
		return fmt.Errorf("building apparatus: %w", err)
	}
	defer func() {
		log.Info("closing hub", "hub", h.Name())
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if closeErr := h.Close(closeCtx); closeErr != nil {
			log.Error("error closing hub", "error", closeErr)
		}
	}()
	if err := h.Connect(ctx); err != nil {
		return fmt.Errorf("connecting apparatus: %w", err)
	}
	if err := h.Load(ctx); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warn("stored snapshot not restored", "hub", h.Name(), "error", err)
	}
	log.Info("hub ready", "hub", h.Name(), "things", len(h.Things()), "watchdogs", len(h.Watchdogs()))

	// Start API server
	if cfg.API.Enabled {
		srv, err := api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log,
			Hub:      h,
			Stream:   stream,
			Runs:     runs,
			History:  stateHistory,
			Audit:    audit.NewSQLiteRepository(db.DB),
			Checks:   checks,
			Version:  version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred closes run in reverse order: API, hub, state history,
	// Redis, InfluxDB, MQTT, database.
	return nil
}

// hubOptions converts the configuration into hub settings.
func hubOptions(cfg *config.Config) hub.Options {
	opts := hub.DefaultOptions()
	opts.HistoryLength = cfg.Hub.HistoryLength
	opts.LockPollInterval = cfg.Hub.LockPoll()
	opts.AtomicActuation = cfg.Hub.AtomicActuation
	opts.Rebroadcast = cfg.Hub.Rebroadcast
	opts.ProcessGrace = cfg.Hub.ProcessGrace()
	opts.Sequencer = sequencer.Config{
		CycleTime:    cfg.Sequencer.Cycle(),
		SyncInterval: cfg.Sequencer.Sync(),
	}
	if cfg.Sampler.Algorithm != "" {
		opts.Algorithm = cfg.Sampler.Algorithm
		opts.AlgorithmParams = cfg.Sampler.Params
	}
	return opts
}
