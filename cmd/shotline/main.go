// Shotline - Sequence Execution Engine
//
// This is the main entry point for the Shotline engine. Shotline turns
// declarative experiment descriptions into per-shot device programs and
// runs them against a single shared apparatus:
//   - Parameter sweeps compiled shot by shot ahead of execution
//   - MQTT program/ready/start/result exchange with device-control processes
//   - SQLite persistence of sequences and per-shot results
//   - HTTP/WebSocket control surface for bench clients
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/helionlab/shotline/migrations"

	"github.com/helionlab/shotline/internal/api"
	"github.com/helionlab/shotline/internal/compiler"
	"github.com/helionlab/shotline/internal/dispatch"
	"github.com/helionlab/shotline/internal/expression"
	"github.com/helionlab/shotline/internal/infrastructure/config"
	"github.com/helionlab/shotline/internal/infrastructure/database"
	"github.com/helionlab/shotline/internal/infrastructure/influxdb"
	"github.com/helionlab/shotline/internal/infrastructure/logging"
	"github.com/helionlab/shotline/internal/infrastructure/mqtt"
	"github.com/helionlab/shotline/internal/scheduler"
	"github.com/helionlab/shotline/internal/sequence"
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
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Shotline",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
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

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	sequenceRepo := sequence.NewSQLiteRepository(db.DB)

	// Expression evaluator with the builtin maths table. The injected
	// constant names are reserved so sweeps cannot shadow them.
	evaluator := expression.New(expression.DefaultRegistry())
	reserved := evaluator.Registry().ConstantNames()

	// Shot compiler over the apparatus map (channel → owning device).
	channelOwners := cfg.ChannelOwners()
	if len(channelOwners) == 0 {
		log.Warn("no devices configured, sequences cannot compile")
	}
	shotCompiler := compiler.New(evaluator, channelOwners)
	log.Info("compiler initialised",
		"devices", len(cfg.Devices),
		"channels", len(channelOwners),
	)

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
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Set up MQTT logging callbacks
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	dispatcher := dispatch.New(mqttClient, byte(cfg.MQTT.QoS), log)
	defer func() {
		if closeErr := dispatcher.Close(); closeErr != nil {
			log.Error("error closing dispatcher", "error", closeErr)
		}
	}()

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
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Event broadcasters: WebSocket hub for bench clients plus an MQTT
	// mirror so headless tools can follow execution without the API.
	// The hub is created here, ahead of the API server, so the scheduler's
	// fan-out can be assembled before either starts.
	broadcasters := []scheduler.Broadcaster{
		&mqttEventMirror{client: mqttClient, qos: byte(cfg.MQTT.QoS), log: log},
	}

	var hub *api.Hub
	if cfg.API.Enabled {
		hub = api.NewHub(cfg.API.WebSocket, log)
		go hub.Run(ctx)
		broadcasters = append(broadcasters, api.NewEventBroadcaster(hub))
	}

	// Telemetry is optional; a nil interface disables it.
	var telemetry scheduler.Telemetry
	if influxClient != nil {
		telemetry = influxClient
	}

	// The scheduler owns the apparatus: one sequence at a time.
	sched := scheduler.New(scheduler.Deps{
		Store:       sequenceRepo,
		Compiler:    shotCompiler,
		Dispatcher:  dispatcher,
		Evaluator:   evaluator,
		Broadcaster: scheduler.MultiBroadcaster(broadcasters...),
		Telemetry:   telemetry,
		Logger:      log,
		Reserved:    reserved,
	}, cfg.Execution)
	defer func() {
		log.Info("closing scheduler")
		if closeErr := sched.Close(); closeErr != nil {
			log.Error("error closing scheduler", "error", closeErr)
		}
	}()
	log.Info("scheduler initialised",
		"retry_attempts", cfg.Execution.RetryAttempts,
		"compile_ahead", cfg.Execution.CompileAhead,
		"skip_failed_shots", cfg.Execution.SkipFailedShots,
	)

	// Start the API server (if enabled)
	if cfg.API.Enabled {
		apiServer, buildErr := buildAPIServer(cfg, log, sequenceRepo, sched, evaluator, reserved, hub, db, mqttClient, influxClient)
		if buildErr != nil {
			return fmt.Errorf("creating API server: %w", buildErr)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
		log.Info("API server started",
			"address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		)
	} else {
		log.Info("API server disabled")
	}

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls will run in reverse order:
	// 1. API server
	// 2. Scheduler (active sequence recorded as crashed)
	// 3. InfluxDB (if enabled)
	// 4. Dispatcher
	// 5. MQTT
	// 6. Database

	log.Info("Shotline stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses SHOTLINE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("SHOTLINE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// buildAPIServer constructs the API server over the externally managed
// WebSocket hub, so the scheduler's broadcaster fan-out and the server
// share one hub.
func buildAPIServer(
	cfg *config.Config,
	log *logging.Logger,
	repo sequence.Repository,
	sched api.SequenceController,
	evaluator *expression.Evaluator,
	reserved []string,
	hub *api.Hub,
	db *database.DB,
	mqttClient *mqtt.Client,
	influxClient *influxdb.Client,
) (*api.Server, error) {
	deps := api.Deps{
		Config:      cfg.API,
		Logger:      log,
		Sequences:   repo,
		Scheduler:   sched,
		Validator:   evaluator,
		Reserved:    reserved,
		ExternalHub: hub,
		Version:     version,
	}

	// Assign health probes only for components that exist. A typed nil
	// inside a non-nil interface would probe a dead client.
	if db != nil {
		deps.Database = db
	}
	if mqttClient != nil {
		deps.MQTT = mqttClient
	}
	if influxClient != nil {
		deps.Influx = influxClient
	}

	return api.New(deps)
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
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

// mqttEventMirror republishes scheduler events onto the engine's MQTT
// event topics, so headless bench tools can follow execution without an
// API connection. Publishing is QoS best-effort and never blocks the
// shot loop beyond the client's internal queue.
type mqttEventMirror struct {
	client *mqtt.Client
	qos    byte
	log    *logging.Logger
}

// Broadcast implements scheduler.Broadcaster.
func (m *mqttEventMirror) Broadcast(event scheduler.Event) {
	topic := mqtt.Topics{}.CoreEvent(event.Type)
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		m.log.Warn("encoding event for MQTT failed", "type", event.Type, "error", err)
		return
	}
	if err := m.client.Publish(topic, payload, m.qos, false); err != nil {
		m.log.Warn("mirroring event to MQTT failed",
			"topic", topic,
			"error", err,
		)
	}
}
