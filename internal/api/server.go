package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/nerrad567/gray-logic-replay/internal/bridges/p20hd"
	"github.com/nerrad567/gray-logic-replay/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-replay/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-replay/internal/journal"
	"github.com/nerrad567/gray-logic-replay/internal/metrics"
	"github.com/nerrad567/gray-logic-replay/internal/replay"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Session is the read side of the replay session. Satisfied by *replay.Session.
type Session interface {
	Status() replay.Status
	State() *replay.StateCache
	Stats() replay.Stats
}

// Commander queues commands on the device. Satisfied by *p20hd.Bridge.
type Commander interface {
	Execute(ctx context.Context, msg p20hd.CommandMessage) (string, error)
}

// ConnectionChecker reports broker connectivity. Satisfied by *mqtt.Client.
type ConnectionChecker interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Metrics  config.MetricsConfig
	Logger   *logging.Logger

	Session   Session
	Commander Commander          // optional: commands answer 503 without it
	Journal   journal.Repository // optional: journal answers 503 without it
	MQTT      ConnectionChecker  // optional
	Prom      *metrics.Metrics   // optional: /metrics is not mounted without it

	Version string
}

// Server is the HTTP API server.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	metricCfg config.MetricsConfig
	logger    *logging.Logger
	session   Session
	commander Commander
	journal   journal.Repository
	mqtt      ConnectionChecker
	prom      *metrics.Metrics
	limiter   *rate.Limiter // nil when rate limiting is off
	version   string
	startTime time.Time
	server    *http.Server
	hub       *Hub
	cancel    context.CancelFunc
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Session == nil {
		return nil, fmt.Errorf("session is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		metricCfg: deps.Metrics,
		logger:    deps.Logger,
		session:   deps.Session,
		commander: deps.Commander,
		journal:   deps.Journal,
		mqtt:      deps.MQTT,
		prom:      deps.Prom,
		limiter:   newLimiter(deps.Security.RateLimit),
		version:   deps.Version,
		startTime: time.Now(),
	}
	return s, nil
}

// newLimiter builds the command limiter, or nil when disabled.
func newLimiter(cfg config.RateLimitConfig) *rate.Limiter {
	if !cfg.Enabled || cfg.RequestsPerMinute <= 0 {
		return nil
	}
	burst := max(cfg.Burst, 1)
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), burst)
}

// Hub returns the WebSocket hub, creating it if Start has not run yet.
// The bridge takes it as its broadcaster.
func (s *Server) Hub() *Hub {
	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
		if s.prom != nil {
			s.hub.SetClientGauge(s.prom.WebSocketClients)
		}
		s.hub.SetSnapshot(s.channelSnapshot)
	}
	return s.hub
}

// Start runs the hub and begins listening for HTTP connections in the
// background. Stop it with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.Hub().Run(srvCtx)

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

// Close gracefully shuts down the API server, waiting up to 10 seconds for
// in-flight requests.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
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

// HealthCheck verifies the API server is running.
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
