// Package management serves a small HTTP API over a running engine: route
// listing with statistics, the inflight snapshot, route control and the
// Prometheus scrape endpoint.
package management

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	errspkg "github.com/drblury/routeflow/internal/runtime/errors"
	"github.com/drblury/routeflow/internal/runtime/inflight"
	"github.com/drblury/routeflow/internal/runtime/jsoncodec"
	"github.com/drblury/routeflow/internal/runtime/lifecycle"
	"github.com/drblury/routeflow/internal/runtime/logging"
	"github.com/drblury/routeflow/internal/runtime/route"
	"github.com/drblury/routeflow/internal/runtime/stats"
)

// Controller is the part of the engine the API needs. *engine.Engine
// satisfies it.
type Controller interface {
	Name() string
	Status() lifecycle.Status
	Routes() []*route.Service
	Route(id string) (*route.Service, bool)
	StartupOrderOf(id string) (int, bool)
	Inflight() *inflight.Repository
	StartRoute(ctx context.Context, id string) error
	StopRoute(ctx context.Context, id string, timeout time.Duration) error
	SuspendRoute(ctx context.Context, id string) error
	ResumeRoute(ctx context.Context, id string) error
}

// Config configures the server.
type Config struct {
	// Address to listen on, for example ":8081".
	Address string
	// CORSAllowedOrigins lists allowed origins. "*" allows any. Empty
	// disables CORS headers.
	CORSAllowedOrigins []string
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// RouteView is the JSON form of one route.
type RouteView struct {
	ID           string           `json:"id"`
	Group        string           `json:"group,omitempty"`
	Description  string           `json:"description,omitempty"`
	Status       string           `json:"status"`
	StartupOrder int              `json:"startup_order"`
	Inputs       []string         `json:"inputs"`
	Outputs      []string         `json:"outputs,omitempty"`
	Stats        stats.RouteStats `json:"stats"`
}

// InflightView is the JSON form of the inflight repository.
type InflightView struct {
	Total     int                      `json:"total"`
	Endpoints []inflight.EndpointCount `json:"endpoints"`
}

// HealthView is returned by /healthz.
type HealthView struct {
	Engine string `json:"engine"`
	Status string `json:"status"`
}

type errorView struct {
	Error string `json:"error"`
}

// Server is a lifecycle.Service, so it can be added to the engine and is
// stopped together with it.
type Server struct {
	*lifecycle.Support

	cfg    Config
	ctl    Controller
	logger logging.ServiceLogger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	serveErr chan error
}

// New creates a stopped server.
func New(cfg Config, ctl Controller, logger logging.ServiceLogger) *Server {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	s := &Server{cfg: cfg, ctl: ctl, logger: logger.With(logging.LogFields{"component": "management"})}
	s.Support = lifecycle.NewSupport(lifecycle.Hooks{Start: s.doStart, Stop: s.doStop})
	return s
}

// NewMetricsServer serves only /metrics, for engines that expose metrics
// without the management API or on a port of their own.
func NewMetricsServer(address string, gatherer prometheus.Gatherer, logger logging.ServiceLogger) *Server {
	return New(Config{Address: address, Gatherer: gatherer}, nil, logger)
}

// Addr is the bound address once the server started, "" otherwise.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Handler returns the API router without starting a listener.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	if s.ctl != nil {
		r.Get("/healthz", s.handleHealthz)
		r.Route("/api", func(r chi.Router) {
			r.Get("/routes", s.handleListRoutes)
			r.Get("/routes/{id}", s.handleGetRoute)
			r.Post("/routes/{id}/start", s.control(s.ctl.StartRoute))
			r.Post("/routes/{id}/suspend", s.control(s.ctl.SuspendRoute))
			r.Post("/routes/{id}/resume", s.control(s.ctl.ResumeRoute))
			r.Post("/routes/{id}/stop", s.handleStopRoute)
			r.Get("/inflight", s.handleInflight)
		})
	}
	if s.cfg.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) doStart(context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("management: listen %s: %w", s.cfg.Address, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)

	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.serveErr = serveErr
	s.mu.Unlock()

	go func() {
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Management server failed", err, nil)
		} else {
			err = nil
		}
		serveErr <- err
	}()
	s.logger.Info("Management server listening", logging.LogFields{"address": ln.Addr().String()})
	return nil
}

func (s *Server) doStop(ctx context.Context) error {
	s.mu.Lock()
	srv, serveErr := s.server, s.serveErr
	s.server, s.listener, s.serveErr = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("management: shutdown: %w", err)
	}
	return <-serveErr
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, HealthView{Engine: s.ctl.Name(), Status: s.ctl.Status().String()})
}

func (s *Server) handleListRoutes(w http.ResponseWriter, _ *http.Request) {
	routes := s.ctl.Routes()
	out := make([]RouteView, 0, len(routes))
	for _, svc := range routes {
		out = append(out, s.view(svc))
	}
	s.respond(w, http.StatusOK, out)
}

func (s *Server) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.ctl.Route(chi.URLParam(r, "id"))
	if !ok {
		s.respond(w, http.StatusNotFound, errorView{Error: "route not found"})
		return
	}
	s.respond(w, http.StatusOK, s.view(svc))
}

func (s *Server) handleStopRoute(w http.ResponseWriter, r *http.Request) {
	var timeout time.Duration
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			s.respond(w, http.StatusBadRequest, errorView{Error: "invalid timeout"})
			return
		}
		timeout = d
	}
	s.control(func(ctx context.Context, id string) error {
		return s.ctl.StopRoute(ctx, id, timeout)
	})(w, r)
}

func (s *Server) control(op func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := op(r.Context(), id); err != nil {
			s.respondError(w, id, err)
			return
		}
		svc, ok := s.ctl.Route(id)
		if !ok {
			s.respond(w, http.StatusNotFound, errorView{Error: "route not found"})
			return
		}
		s.respond(w, http.StatusOK, s.view(svc))
	}
}

func (s *Server) handleInflight(w http.ResponseWriter, _ *http.Request) {
	repo := s.ctl.Inflight()
	view := InflightView{Total: repo.Size(), Endpoints: repo.Snapshot()}
	if view.Endpoints == nil {
		view.Endpoints = []inflight.EndpointCount{}
	}
	s.respond(w, http.StatusOK, view)
}

func (s *Server) view(svc *route.Service) RouteView {
	def := svc.Definition()
	order, _ := s.ctl.StartupOrderOf(svc.ID())
	return RouteView{
		ID:           svc.ID(),
		Group:        def.Group,
		Description:  def.Description,
		Status:       svc.Status().String(),
		StartupOrder: order,
		Inputs:       def.Inputs,
		Outputs:      def.Outputs(),
		Stats:        svc.Stats().Snapshot(),
	}
}

func (s *Server) respondError(w http.ResponseWriter, id string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errspkg.ErrRouteNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errspkg.ErrEngineNotStarted),
		errors.Is(err, errspkg.ErrFanInConflict),
		errors.Is(err, errspkg.ErrDuplicateStartupOrder):
		status = http.StatusConflict
	default:
		s.logger.Error("Route operation failed", err, logging.LogFields{"route_id": id})
	}
	s.respond(w, status, errorView{Error: err.Error()})
}

func (s *Server) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsoncodec.Encode(w, v); err != nil {
		s.logger.Error("Failed to encode response", err, nil)
	}
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.cfg.CORSAllowedOrigins) > 0 {
			if origin := s.allowedOrigin(r.Header.Get("Origin")); origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowedOrigin(requestOrigin string) string {
	for _, allowed := range s.cfg.CORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
