// Package api provides the HTTP REST API and WebSocket server of the
// irrigation core.
//
// The server follows the same lifecycle pattern as other infrastructure components:
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

	"github.com/nerrad567/irrigation-core/internal/audit"
	"github.com/nerrad567/irrigation-core/internal/auth"
	"github.com/nerrad567/irrigation-core/internal/control"
	"github.com/nerrad567/irrigation-core/internal/core"
	"github.com/nerrad567/irrigation-core/internal/device"
	"github.com/nerrad567/irrigation-core/internal/infrastructure/config"
	"github.com/nerrad567/irrigation-core/internal/infrastructure/logging"
	"github.com/nerrad567/irrigation-core/internal/metrics"
	"github.com/nerrad567/irrigation-core/internal/realtime"
	"github.com/nerrad567/irrigation-core/internal/schedule"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// StateSource exposes the reconciled device view. *core.Reconciler
// implements it.
type StateSource interface {
	View() *core.View
}

// RelayController runs relay commands. *control.Dispatcher implements it.
type RelayController interface {
	Dispatch(ctx context.Context, field device.Field, desired bool) (control.Command, error)
}

// ModeController switches control modes. *control.Arbiter implements it.
type ModeController interface {
	Set(ctx context.Context, mode control.ModeName, enabled bool) error
	Toggle(ctx context.Context, mode control.ModeName) (bool, error)
}

// EventLog appends audit records. *audit.Writer implements it.
type EventLog interface {
	Append(ctx context.Context, topic string, record any) (string, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger

	State     StateSource
	Relay     RelayController
	Modes     ModeController
	Store     realtime.Store
	Settings  string // settings path in Store
	MaxLength string // calibration flag path in Store, empty to disable
	Events    EventLog
	EventRepo audit.Repository
	Schedules *schedule.Service
	Auth      *auth.Authenticator // required when JWT is enabled
	Metrics   *metrics.Metrics
	Hub       *Hub // if set, used instead of creating one
	Version   string
}

// Server is the HTTP API server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	state     StateSource
	relay     RelayController
	modes     ModeController
	store     realtime.Store
	settings  string
	maxLength string
	events    EventLog
	eventRepo audit.Repository
	schedules *schedule.Service
	auth      *auth.Authenticator
	metrics   *metrics.Metrics
	version   string
	startTime time.Time

	hub     *Hub
	tickets *ticketStore
	server  *http.Server
	cancel  context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.State == nil {
		return nil, fmt.Errorf("state source is required")
	}
	if deps.Security.JWT.Enabled && deps.Auth == nil {
		return nil, fmt.Errorf("authenticator is required when jwt is enabled")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		state:     deps.State,
		relay:     deps.Relay,
		modes:     deps.Modes,
		store:     deps.Store,
		settings:  deps.Settings,
		maxLength: deps.MaxLength,
		events:    deps.Events,
		eventRepo: deps.EventRepo,
		schedules: deps.Schedules,
		auth:      deps.Auth,
		metrics:   deps.Metrics,
		version:   deps.Version,
		startTime: time.Now(),
		hub:       deps.Hub,
		tickets:   newTicketStore(),
	}
	if s.hub == nil {
		s.hub = NewHub(deps.Logger, deps.Metrics)
	}
	s.hub.SetSnapshot(s.channelSnapshot)
	return s, nil
}

// Hub returns the WebSocket hub. The reconciler broadcasts through it.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the routed handler with the full middleware stack.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.cleanTicketsLoop(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
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
