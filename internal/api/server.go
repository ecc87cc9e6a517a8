package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openpeerpower/opp-core/internal/auth"
	"github.com/openpeerpower/opp-core/internal/core"
	"github.com/openpeerpower/opp-core/internal/infrastructure/config"
	"github.com/openpeerpower/opp-core/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// HistoryStore answers state history queries. It is implemented by the
// recorder.
type HistoryStore interface {
	History(ctx context.Context, entityID string, since, until time.Time) ([]*core.State, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Core     *core.Core
	Auth     *auth.Manager
	History  HistoryStore // optional; /api/history answers 503 without it
}

// Server is the HTTP API server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg     config.APIConfig
	wsCfg   config.WebSocketConfig
	secCfg  config.SecurityConfig
	logger  *logging.Logger
	core    *core.Core
	auth    *auth.Manager
	history HistoryStore
	limiter *auth.LoginLimiter
	hub     *Hub
	server  *http.Server
	cancel  context.CancelFunc

	startTime time.Time
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Core == nil {
		return nil, fmt.Errorf("core is required")
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("auth manager is required")
	}

	s := &Server{
		cfg:     deps.Config,
		wsCfg:   withWSDefaults(deps.WS),
		secCfg:  deps.Security,
		logger:  deps.Logger,
		core:    deps.Core,
		auth:    deps.Auth,
		history: deps.History,

		startTime: time.Now(),
	}
	if deps.Security.LoginAttempts.Enabled {
		s.limiter = auth.NewLoginLimiter(deps.Security.LoginAttempts.Threshold,
			time.Duration(deps.Security.LoginAttempts.CooldownSeconds)*time.Second)
	}
	s.hub = NewHub(s.logger)

	return s, nil
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

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
// WebSocket connections are closed first, then in-flight requests get up
// to 10 seconds to complete.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.hub.CloseAll()

	if s.server == nil {
		return nil
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

func withWSDefaults(cfg config.WebSocketConfig) config.WebSocketConfig {
	if cfg.Path == "" {
		cfg.Path = websocketPath
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 1 << 20
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 //nolint:mnd // seconds
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10 //nolint:mnd // seconds
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 //nolint:mnd // seconds
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 512 //nolint:mnd // pending frames per connection
	}
	return cfg
}
