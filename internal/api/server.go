package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/labhub-core/internal/audit"
	"github.com/nerrad567/labhub-core/internal/auth"
	"github.com/nerrad567/labhub-core/internal/hub"
	"github.com/nerrad567/labhub-core/internal/infrastructure/config"
	"github.com/nerrad567/labhub-core/internal/infrastructure/logging"
	"github.com/nerrad567/labhub-core/internal/sampler"
	"github.com/nerrad567/labhub-core/internal/store"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// RunStore reads persisted optimization sessions.
type RunStore interface {
	Runs(ctx context.Context, hub string, limit int) ([]sampler.Info, error)
	Run(ctx context.Context, id string) (sampler.Info, error)
	Points(ctx context.Context, id string) ([]sampler.Record, error)
}

// HistoryStore reads the persisted state history.
type HistoryStore interface {
	History(ctx context.Context, hub, thing string, limit int) ([]store.HistoryEntry, error)
}

// HealthCheckFunc reports the health of one component.
type HealthCheckFunc func(ctx context.Context) error

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Hub      *hub.Hub

	// Stream is the event stream wired into the hub's broadcaster. If nil
	// the server creates one that carries no hub events.
	Stream *Stream

	Runs    RunStore         // optional
	History HistoryStore     // optional
	Audit   audit.Repository // optional

	// Checks are reported by /health, keyed by component name.
	Checks map[string]HealthCheckFunc

	Version string
}

// Server is the HTTP API server of a labhub instance.
//
// It manages the HTTP listener, routes, middleware, and the WebSocket
// stream. The server is created with New() and started with Start().
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	secCfg   config.SecurityConfig
	operator auth.Operator
	logger   *logging.Logger
	hub      *hub.Hub
	stream   *Stream
	runs     RunStore
	history  HistoryStore
	audit    audit.Repository
	checks   map[string]HealthCheckFunc
	version  string
	tickets  *ticketStore

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Hub == nil {
		return nil, fmt.Errorf("hub is required")
	}

	s := &Server{
		cfg:    deps.Config,
		wsCfg:  deps.WS,
		secCfg: deps.Security,
		operator: auth.Operator{
			Username:     deps.Security.Operator.Username,
			PasswordHash: deps.Security.Operator.PasswordHash,
		},
		logger:  deps.Logger,
		hub:     deps.Hub,
		stream:  deps.Stream,
		runs:    deps.Runs,
		history: deps.History,
		audit:   deps.Audit,
		checks:  deps.Checks,
		version: deps.Version,
		tickets: newTicketStore(),
	}
	if s.stream == nil {
		s.stream = NewStream(deps.WS, deps.Logger)
	}
	return s, nil
}

// Handler returns the router. It is what Start serves; tests drive it
// directly with httptest.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections.
//
// It starts the ticket cleanup loop and launches the HTTP listener in a
// background goroutine. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.tickets.cleanLoop(srvCtx)

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.Timeouts.ReadTimeout(),
		ReadHeaderTimeout: s.cfg.Timeouts.ReadTimeout(),
		WriteTimeout:      s.cfg.Timeouts.WriteTimeout(),
		IdleTimeout:       s.cfg.Timeouts.IdleTimeout(),
	}

	srv := s.server
	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", ln.Addr().String(),
				"cert", s.cfg.TLS.CertFile,
			)
			err = srv.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server and disconnects every
// stream client.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	s.mu.Lock()
	srv, cancel := s.server, s.cancel
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	if cancel != nil {
		cancel()
	}
	s.stream.Close()

	ctx, done := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer done()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
