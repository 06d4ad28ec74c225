// Package engine is the routeflow context: it owns the components, endpoints
// and routes of one runtime, starts routes in their startup order and drives
// the graceful shutdown strategy when stopped.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/routeflow/component"
	"github.com/drblury/routeflow/internal/runtime/config"
	errspkg "github.com/drblury/routeflow/internal/runtime/errors"
	"github.com/drblury/routeflow/internal/runtime/event"
	"github.com/drblury/routeflow/internal/runtime/inflight"
	"github.com/drblury/routeflow/internal/runtime/lifecycle"
	"github.com/drblury/routeflow/internal/runtime/logging"
	"github.com/drblury/routeflow/internal/runtime/metrics"
	"github.com/drblury/routeflow/internal/runtime/policy"
	"github.com/drblury/routeflow/internal/runtime/route"
	"github.com/drblury/routeflow/internal/runtime/shutdown"
	"github.com/drblury/routeflow/internal/runtime/stats"
)

// firstAutoStartupOrder is where orders for routes without an explicit one
// begin.
const firstAutoStartupOrder = 1000

// Dependencies holds the optional collaborators of an Engine. Leave fields
// nil to use the defaults.
type Dependencies struct {
	// Registry resolves URI schemes. Defaults to component.DefaultRegistry.
	Registry *component.Registry
	// Components are used before the registry is consulted, keyed by scheme.
	Components map[string]component.Component
	Notifiers  []event.Notifier
	// Registerer enables Prometheus metrics. When nil, metrics are only
	// registered (with the default registerer) if the config enables them.
	Registerer      prometheus.Registerer
	Tracer          trace.Tracer
	ErrorClassifier stats.ErrorClassifier
}

// RouteStartup is one entry of the recorded startup order.
type RouteStartup struct {
	RouteID string `json:"route_id"`
	Order   int    `json:"order"`
}

type holder struct {
	route *route.Service
	order int
}

// Engine runs routes. Create it with New, add routes with AddRoutes and call
// Start.
type Engine struct {
	*lifecycle.Support

	cfg        *config.Config
	logger     logging.ServiceLogger
	wmLogger   watermill.LoggerAdapter
	registry   *component.Registry
	events     *event.Dispatcher
	inflight   *inflight.Repository
	strategy   *shutdown.Strategy
	resources  *stats.ResourceTracker
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	classifier stats.ErrorClassifier

	// mu guards the route tables and the recorded startup order.
	mu        sync.Mutex
	routes    map[string]*route.Service
	added     []string
	orders    map[string]int
	nextOrder int
	started   []holder
	services  []lifecycle.Service

	// resMu guards components and endpoints. It is taken while routes warm
	// up, so it must never be acquired before mu.
	resMu      sync.Mutex
	local      map[string]component.Component
	components map[string]component.Component
	built      []component.Component
	endpoints  map[string]component.Endpoint
	transient  []component.Endpoint
}

var _ route.Resolver = (*Engine)(nil)

// New creates a stopped engine.
func New(cfg *config.Config, logger logging.ServiceLogger, deps Dependencies) (*Engine, error) {
	if cfg == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := cfg.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	name := cfg.GetName()
	logger = logger.With(logging.LogFields{"engine": name})
	registry := deps.Registry
	if registry == nil {
		registry = component.DefaultRegistry
	}

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		wmLogger:   logging.NewWatermillAdapter(logger),
		registry:   registry,
		inflight:   inflight.NewRepository(logger),
		resources:  stats.NewResourceTracker(),
		tracer:     deps.Tracer,
		classifier: deps.ErrorClassifier,
		routes:     make(map[string]*route.Service),
		orders:     make(map[string]int),
		nextOrder:  firstAutoStartupOrder,
		local:      make(map[string]component.Component),
		components: make(map[string]component.Component),
		endpoints:  make(map[string]component.Endpoint),
	}
	for scheme, comp := range deps.Components {
		e.local[scheme] = comp
	}

	e.events = event.NewDispatcher(name, logger, event.NewLoggingNotifier(logger))
	e.events.Add(deps.Notifiers...)

	if deps.Registerer != nil || cfg.MetricsEnabled {
		e.metrics = metrics.New(deps.Registerer, e.inflight)
		if err := e.metrics.Register(); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		e.events.Add(e.metrics)
	}

	e.strategy = shutdown.NewStrategy(e.inflight, e.events, logger)
	e.strategy.Timeout = cfg.EffectiveShutdownTimeout()
	e.strategy.NowOnTimeout = cfg.NowOnTimeout()
	e.strategy.PollInterval = cfg.EffectivePollInterval()
	e.strategy.SuppressLoggingOnTimeout = cfg.ShutdownSuppressLoggingOnTimeout

	e.Support = lifecycle.NewSupport(lifecycle.Hooks{Start: e.doStart, Stop: e.doStop})

	logger.Info("Creating engine", logging.LogFields{"config": cfg})
	return e, nil
}

// Name identifies the engine.
func (e *Engine) Name() string { return e.cfg.GetName() }

// Config returns the engine configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Logger returns the engine logger.
func (e *Engine) Logger() logging.ServiceLogger { return e.logger }

// Inflight returns the engine's inflight repository.
func (e *Engine) Inflight() *inflight.Repository { return e.inflight }

// Events returns the event dispatcher so callers can add notifiers.
func (e *Engine) Events() *event.Dispatcher { return e.events }

// ShutdownStrategy returns the strategy used by Stop and StopRoute.
func (e *Engine) ShutdownStrategy() *shutdown.Strategy { return e.strategy }

// Metrics is nil unless metrics are enabled.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// AddService registers a service started after the routes and stopped
// before the endpoints, such as the management server.
func (e *Engine) AddService(svc lifecycle.Service) {
	if svc == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.services = append(e.services, svc)
}

// Services returns the services added with AddService.
func (e *Engine) Services() []lifecycle.Service {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]lifecycle.Service(nil), e.services...)
}

// AddRoutes builds route services for defs. Settings from the config's
// route overrides win over the definition. When the engine is already
// started the new auto-startup routes are started right away.
func (e *Engine) AddRoutes(ctx context.Context, defs ...route.Definition) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		if _, exists := e.routes[def.ID]; exists || seen[def.ID] {
			return &errspkg.Error{Kind: errspkg.ErrRouteExists, Route: def.ID}
		}
		seen[def.ID] = true
	}

	var autoStart []*route.Service
	for _, def := range defs {
		def, err := e.applyOverrides(def)
		if err != nil {
			return err
		}
		svc, err := route.NewService(def, route.Deps{
			Resolver:  e,
			Inflight:  e.inflight,
			Events:    e.events,
			Logger:    e.logger,
			Tracer:    e.tracer,
			Resources: e.resources,
		})
		if err != nil {
			return err
		}
		if e.classifier != nil {
			svc.Stats().SetClassifier(e.classifier)
		}

		order := def.StartupOrder
		if order <= 0 {
			order = e.nextOrder
			e.nextOrder++
		}
		e.routes[def.ID] = svc
		e.added = append(e.added, def.ID)
		e.orders[def.ID] = order
		_ = e.events.Notify(ctx, event.Event{Type: event.RouteAdded, RouteID: def.ID})

		if def.IsAutoStartup(e.cfg.AutoStartupEnabled()) {
			autoStart = append(autoStart, svc)
		}
	}

	if e.IsStarted() && len(autoStart) > 0 {
		return e.startRoutesLocked(ctx, autoStart)
	}
	return nil
}

func (e *Engine) applyOverrides(def route.Definition) (route.Definition, error) {
	rc, ok := e.cfg.Route(def.ID)
	if !ok {
		return def, nil
	}
	if rc.AutoStartup != nil {
		def.AutoStartup = rc.AutoStartup
	}
	if rc.StartupOrder > 0 {
		def.StartupOrder = rc.StartupOrder
	}
	if rc.ShutdownRoute != "" {
		p, err := policy.ParseShutdownRoute(rc.ShutdownRoute)
		if err != nil {
			return def, fmt.Errorf("route %s: %w", def.ID, err)
		}
		def.ShutdownRoute = p
	}
	if rc.ShutdownRunningTask != "" {
		p, err := policy.ParseShutdownRunningTask(rc.ShutdownRunningTask)
		if err != nil {
			return def, fmt.Errorf("route %s: %w", def.ID, err)
		}
		def.ShutdownRunningTask = p
	}
	return def, nil
}

func (e *Engine) doStart(ctx context.Context) error {
	_ = e.events.Notify(ctx, event.Event{Type: event.ContextStarting})
	e.logger.Info("Starting engine", nil)
	started := time.Now()

	if err := e.inflight.Start(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	var auto []*route.Service
	for _, id := range e.added {
		svc := e.routes[id]
		if svc.Definition().IsAutoStartup(e.cfg.AutoStartupEnabled()) {
			auto = append(auto, svc)
		}
	}
	err := e.startRoutesLocked(ctx, auto)
	services := append([]lifecycle.Service(nil), e.services...)
	e.mu.Unlock()

	if err == nil {
		err = lifecycle.StartAll(ctx, services...)
	}
	if err != nil {
		e.logger.Error("Engine failed to start", err, nil)
		_ = e.events.Notify(ctx, event.Event{Type: event.ContextStartupFailure, Err: err})
		return err
	}

	e.logger.Info("Engine started", logging.LogFields{
		"routes":     len(auto),
		"elapsed_ms": time.Since(started).Milliseconds(),
	})
	_ = e.events.Notify(ctx, event.Event{Type: event.ContextStarted})
	return nil
}

// startRoutesLocked warms the routes up, checks startup orders and fan-in,
// then opens their inputs in ascending order. A failure leaves the routes
// started so far running; Stop cleans up.
func (e *Engine) startRoutesLocked(ctx context.Context, routes []*route.Service) error {
	for _, svc := range routes {
		if err := svc.WarmUp(ctx); err != nil {
			return err
		}
	}

	byOrder := make(map[int]string, len(e.started)+len(routes))
	running := make(map[string]bool, len(e.started))
	for _, h := range e.started {
		byOrder[h.order] = h.route.ID()
		running[h.route.ID()] = true
	}
	holders := make([]holder, 0, len(routes))
	for _, svc := range routes {
		if running[svc.ID()] {
			continue
		}
		order := e.orders[svc.ID()]
		if other, dup := byOrder[order]; dup {
			return errspkg.DuplicateStartupOrder(svc.ID(), other, order)
		}
		byOrder[order] = svc.ID()
		holders = append(holders, holder{route: svc, order: order})
	}
	sort.SliceStable(holders, func(i, j int) bool { return holders[i].order < holders[j].order })

	if err := e.checkFanIn(holders); err != nil {
		return err
	}

	for _, h := range holders {
		if err := h.route.Start(ctx); err != nil {
			return err
		}
		e.started = append(e.started, h)
		_ = e.events.Notify(ctx, event.Event{Type: event.RouteStarted, RouteID: h.route.ID()})
		e.logger.Info("Route started", logging.LogFields{
			"route_id": h.route.ID(),
			"order":    h.order,
			"inputs":   h.route.Definition().Inputs,
		})
	}
	return nil
}

// checkFanIn rejects endpoints without multiple consumer support that more
// than one route consumes from, counting routes that are already running.
func (e *Engine) checkFanIn(holders []holder) error {
	claims := make(map[string]string)
	claim := func(svc *route.Service) error {
		for _, in := range svc.Inputs() {
			key := in.Endpoint.Key()
			other, taken := claims[key]
			if taken && other != svc.ID() && !in.Endpoint.MultipleConsumersSupported() {
				return errspkg.FanInConflict(svc.ID(), in.URI, other)
			}
			if !taken {
				claims[key] = svc.ID()
			}
		}
		return nil
	}
	for _, h := range e.started {
		if err := claim(h.route); err != nil {
			return err
		}
	}
	for _, h := range holders {
		if err := claim(h.route); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) doStop(ctx context.Context) error {
	_ = e.events.Notify(ctx, event.Event{Type: event.ContextStopping})
	e.logger.Info("Stopping engine", nil)
	stopped := time.Now()
	var errs []error

	e.mu.Lock()
	order := make([]*route.Service, 0, len(e.started))
	for _, h := range e.started {
		order = append(order, h.route)
	}
	all := make([]*route.Service, 0, len(e.added))
	for _, id := range e.added {
		all = append(all, e.routes[id])
	}
	services := append([]lifecycle.Service(nil), e.services...)
	e.mu.Unlock()

	shutdownOrder := append([]*route.Service(nil), order...)
	if e.cfg.ReverseShutdownOrder() {
		reverse(shutdownOrder)
	}
	if err := e.strategy.Shutdown(ctx, shutdownOrder); err != nil {
		errs = append(errs, err)
	}

	for i := len(services) - 1; i >= 0; i-- {
		if err := services[i].Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	wasStarted := make(map[*route.Service]bool, len(order))
	for _, svc := range order {
		wasStarted[svc] = true
	}
	reverse(order)
	for _, svc := range order {
		if err := svc.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop route %s: %w", svc.ID(), err))
		}
		_ = e.events.Notify(ctx, event.Event{Type: event.RouteStopped, RouteID: svc.ID()})
	}
	for _, svc := range all {
		if wasStarted[svc] {
			continue
		}
		// Routes that warmed up but never opened their inputs, or failed.
		if err := svc.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop route %s: %w", svc.ID(), err))
		}
		if err := svc.Release(ctx); err != nil {
			errs = append(errs, fmt.Errorf("release route %s: %w", svc.ID(), err))
		}
	}

	e.mu.Lock()
	e.started = nil
	e.mu.Unlock()

	if err := e.stopResources(ctx); err != nil {
		errs = append(errs, err)
	}

	if n := e.inflight.Size(); n > 0 {
		e.logger.Warn("Exchanges still inflight after shutdown", logging.LogFields{"inflight": n})
	}
	if err := e.inflight.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	if err != nil {
		e.logger.Error("Engine stopped with errors", err, nil)
	}
	e.logger.Info("Engine stopped", logging.LogFields{"elapsed_ms": time.Since(stopped).Milliseconds()})
	_ = e.events.Notify(ctx, event.Event{Type: event.ContextStopped, Err: err})
	return err
}

// stopResources stops endpoints then components, newest first, and forgets
// them so a restart builds fresh ones.
func (e *Engine) stopResources(ctx context.Context) error {
	e.resMu.Lock()
	endpoints := make([]component.Endpoint, 0, len(e.endpoints)+len(e.transient))
	for _, ep := range e.endpoints {
		endpoints = append(endpoints, ep)
	}
	endpoints = append(endpoints, e.transient...)
	built := e.built
	e.endpoints = make(map[string]component.Endpoint)
	e.transient = nil
	e.components = make(map[string]component.Component)
	e.built = nil
	e.resMu.Unlock()

	var errs []error
	for _, ep := range endpoints {
		if err := ep.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop endpoint %s: %w", ep.URI(), err))
		}
	}
	for i := len(built) - 1; i >= 0; i-- {
		svc, ok := built[i].(lifecycle.Service)
		if !ok {
			continue
		}
		if err := svc.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop component %s: %w", built[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Endpoint resolves uri to a started endpoint. Singleton endpoints are
// cached by key.
func (e *Engine) Endpoint(ctx context.Context, uri string) (component.Endpoint, error) {
	parsed, err := component.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	key := parsed.Key()

	e.resMu.Lock()
	defer e.resMu.Unlock()

	if ep, ok := e.endpoints[key]; ok {
		return ep, nil
	}
	comp, err := e.componentLocked(ctx, parsed.Scheme)
	if err != nil {
		return nil, err
	}
	ep, err := comp.CreateEndpoint(ctx, parsed)
	if err != nil {
		return nil, err
	}
	if err := ep.Start(ctx); err != nil {
		return nil, fmt.Errorf("start endpoint %s: %w", uri, err)
	}
	if ep.Singleton() {
		e.endpoints[key] = ep
	} else {
		e.transient = append(e.transient, ep)
	}
	return ep, nil
}

// LookupEndpoint returns the only cached endpoint of scheme. It fails with
// ErrNotFound when none was created yet and with ErrAmbiguousTarget when
// several were.
func (e *Engine) LookupEndpoint(scheme string) (component.Endpoint, error) {
	prefix := scheme + "://"

	e.resMu.Lock()
	defer e.resMu.Unlock()

	var keys []string
	for key := range e.endpoints {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	switch len(keys) {
	case 0:
		return nil, errspkg.NotFound(scheme, "")
	case 1:
		return e.endpoints[keys[0]], nil
	default:
		sort.Strings(keys)
		return nil, errspkg.AmbiguousTarget(scheme, keys)
	}
}

// Component returns the component for scheme, building it on first use.
func (e *Engine) Component(ctx context.Context, scheme string) (component.Component, error) {
	e.resMu.Lock()
	defer e.resMu.Unlock()
	return e.componentLocked(ctx, scheme)
}

func (e *Engine) componentLocked(ctx context.Context, scheme string) (component.Component, error) {
	if comp, ok := e.components[scheme]; ok {
		return comp, nil
	}
	comp, ok := e.local[scheme]
	if !ok {
		var err error
		comp, err = e.registry.Build(ctx, scheme, e.cfg, e.wmLogger)
		if err != nil {
			return nil, err
		}
	}
	if svc, ok := comp.(lifecycle.Service); ok {
		if err := svc.Start(ctx); err != nil {
			return nil, fmt.Errorf("start component %s: %w", scheme, err)
		}
	}
	e.components[scheme] = comp
	e.built = append(e.built, comp)
	e.logger.Debug("Component ready", logging.LogFields{"component": scheme})
	return comp, nil
}

func reverse(routes []*route.Service) {
	for i, j := 0, len(routes)-1; i < j; i, j = i+1, j-1 {
		routes[i], routes[j] = routes[j], routes[i]
	}
}
