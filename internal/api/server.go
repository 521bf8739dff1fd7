// Package api provides the HTTP REST API and WebSocket server for the
// Shotline engine.
//
// It exposes sequence registration, execution control, and the live event
// stream to bench clients (control notebooks, web dashboards, CLI tools).
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/helionlab/shotline/internal/infrastructure/config"
	"github.com/helionlab/shotline/internal/infrastructure/logging"
	"github.com/helionlab/shotline/internal/scheduler"
	"github.com/helionlab/shotline/internal/sequence"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// SequenceController is the scheduler surface the API exposes.
// Satisfied by scheduler.Scheduler.
type SequenceController interface {
	Start(ctx context.Context, sequenceID string) error
	Pause() error
	Resume() error
	Abort() error
	Snapshot() scheduler.Snapshot
}

// ExprValidator performs the parse-only expression check used by sequence
// registration. Satisfied by expression.Evaluator.
type ExprValidator interface {
	Validate(expr string) error
}

// HealthChecker is implemented by infrastructure clients that can verify
// their own connectivity.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	Logger    *logging.Logger
	Sequences sequence.Repository
	Scheduler SequenceController
	Validator ExprValidator

	// Reserved lists variable names sequences may not assign.
	Reserved []string

	// Optional health probes, reported by GET /system/health.
	Database HealthChecker
	MQTT     HealthChecker
	Influx   HealthChecker

	// ExternalHub lets the caller share one hub between the server and the
	// scheduler's event broadcaster.
	ExternalHub *Hub
	Version     string
}

// Server is the HTTP API server for the Shotline engine.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	logger    *logging.Logger
	sequences sequence.Repository
	scheduler SequenceController
	validator ExprValidator
	reserved  []string
	database  HealthChecker
	mqtt      HealthChecker
	influx    HealthChecker
	version   string

	server      *http.Server
	hub         *Hub
	externalHub bool
	tickets     *ticketStore
	cancel      context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, repository, scheduler)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Sequences == nil {
		return nil, fmt.Errorf("sequence repository is required")
	}
	if deps.Scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if deps.Validator == nil {
		return nil, fmt.Errorf("expression validator is required")
	}

	s := &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		sequences: deps.Sequences,
		scheduler: deps.Scheduler,
		validator: deps.Validator,
		reserved:  deps.Reserved,
		database:  deps.Database,
		mqtt:      deps.MQTT,
		influx:    deps.Influx,
		version:   deps.Version,
		tickets:   newTicketStore(),
	}

	if deps.ExternalHub != nil {
		s.hub = deps.ExternalHub
		s.externalHub = true
	}

	return s, nil
}

// Hub returns the server's WebSocket hub, creating it if necessary.
// Exposed so main can wire the scheduler's event broadcaster to it before
// Start.
func (s *Server) Hub() *Hub {
	if s.hub == nil {
		s.hub = NewHub(s.cfg.WebSocket, s.logger)
	}
	return s.hub
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the WebSocket hub, and launches the HTTP
// listener in a background goroutine. The server can be stopped with Close().
//
// Parameters:
//   - ctx: Context for cancellation (not used for listener lifetime)
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	// Internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.hub == nil {
		s.hub = NewHub(s.cfg.WebSocket, s.logger)
	}
	if !s.externalHub {
		go s.hub.Run(srvCtx)
	}

	// Periodic ticket cleanup to prevent memory leaks.
	go s.cleanTicketsLoop(srvCtx)

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	// Cancel background goroutines (hub, ticket cleanup)
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
