// Package server implements the chatdrive operator HTTP surface: health,
// live transport sessions and Prometheus metrics.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatdrive/chatdrive/internal/config"
	"github.com/chatdrive/chatdrive/internal/logging"
	"github.com/chatdrive/chatdrive/internal/session"
)

// Sessions is the view of the session registry the server exposes.
type Sessions interface {
	Snapshot() []session.Info
	Lookup(owner string) (*session.Session, bool)
	Remove(ctx context.Context, owner string) error
}

// Pinger reports whether a dependency is usable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the chatdrive operator HTTP server.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	sessions   Sessions
	checks     map[string]Pinger
	log        *slog.Logger
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string            `json:"status" example:"ok" doc:"Health status"`
	Checks map[string]string `json:"checks,omitempty" doc:"Per-dependency status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Status int
	Body   HealthBody
}

// SessionsOutput lists live sessions.
type SessionsOutput struct {
	Body struct {
		Sessions []session.Info `json:"sessions" doc:"Live transport sessions ordered by owner"`
	}
}

// SessionOutput describes one live session.
type SessionOutput struct {
	Body session.Info
}

// ProbeBody reports the outcome of an authentication probe.
type ProbeBody struct {
	Owner         string `json:"owner"`
	SessionID     string `json:"session_id"`
	State         string `json:"state" doc:"Session state after the probe"`
	Authenticated bool   `json:"authenticated" doc:"Whether the transport accepted the session"`
}

// ProbeOutput is the Huma output struct for the probe endpoint.
type ProbeOutput struct {
	Body ProbeBody
}

// OwnerInput selects a session by owner key.
type OwnerInput struct {
	Owner string `path:"owner" doc:"Owner key of the session"`
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithHealthCheck adds a dependency reported by /health.
func WithHealthCheck(name string, p Pinger) ServerOption {
	return func(s *Server) {
		s.checks[name] = p
	}
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		s.log = l
	}
}

// New creates a Server over the given session registry and wires up all
// routes on a Chi router with Huma.
func New(cfg *config.Config, sessions Sessions, opts ...ServerOption) *Server {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("chatdrive operator API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:      cfg,
		router:   router,
		api:      api,
		sessions: sessions,
		checks:   make(map[string]Pinger),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logging.Component(s.log, "server")

	s.registerRoutes()
	return s
}

// Handler returns the fully wrapped HTTP handler.
// Middleware chain: metricsMiddleware -> commonHeaders -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = commonHeaders(handler)
	handler = metricsMiddleware(handler)
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	s.log.Info("operator server listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the chatdrive server and its dependencies.",
		Tags:        []string{"System"},
	}, s.health)

	// Huma only does one method per registration.
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *struct{}) (*SessionsOutput, error) {
		out := &SessionsOutput{}
		out.Body.Sessions = s.sessions.Snapshot()
		return out, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{owner}",
		Summary:     "Get session",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *OwnerInput) (*SessionOutput, error) {
		for _, info := range s.sessions.Snapshot() {
			if info.Owner == input.Owner {
				return &SessionOutput{Body: info}, nil
			}
		}
		return nil, huma.Error404NotFound("no session for owner " + input.Owner)
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "probe-session",
		Method:        http.MethodPost,
		Path:          "/sessions/{owner}/probe",
		Summary:       "Probe session",
		Description:   "Asks the transport whether the session is still logged in, connecting first if needed.",
		Tags:          []string{"Sessions"},
		DefaultStatus: http.StatusOK,
	}, s.probe)

	huma.Register(s.api, huma.Operation{
		OperationID:   "delete-session",
		Method:        http.MethodDelete,
		Path:          "/sessions/{owner}",
		Summary:       "Drop session",
		Description:   "Disconnects and discards the live session. Saved credentials are kept.",
		Tags:          []string{"Sessions"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *OwnerInput) (*struct{}, error) {
		if err := s.sessions.Remove(ctx, input.Owner); err != nil {
			s.log.Warn("dropping session", "owner", input.Owner, "error", err)
			return nil, huma.Error502BadGateway("disconnecting session", err)
		}
		return &struct{}{}, nil
	})

	if s.cfg.Server.Metrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}
}

func (s *Server) health(ctx context.Context, input *struct{}) (*HealthOutput, error) {
	out := &HealthOutput{Status: http.StatusOK, Body: HealthBody{Status: "ok"}}
	if len(s.checks) == 0 {
		return out, nil
	}
	out.Body.Checks = make(map[string]string, len(s.checks))
	for name, p := range s.checks {
		if err := p.Ping(ctx); err != nil {
			s.log.Warn("health check failed", "check", name, "error", err)
			out.Body.Checks[name] = "error"
			out.Body.Status = "degraded"
			out.Status = http.StatusServiceUnavailable
			continue
		}
		out.Body.Checks[name] = "ok"
	}
	return out, nil
}

func (s *Server) probe(ctx context.Context, input *OwnerInput) (*ProbeOutput, error) {
	sess, ok := s.sessions.Lookup(input.Owner)
	if !ok {
		return nil, huma.Error404NotFound("no session for owner " + input.Owner)
	}
	ok = sess.IsAuthenticated(ctx)
	s.log.Debug("session probed", "owner", input.Owner, "authenticated", ok)
	return &ProbeOutput{Body: ProbeBody{
		Owner:         input.Owner,
		SessionID:     sess.ID(),
		State:         sess.State().String(),
		Authenticated: ok,
	}}, nil
}
