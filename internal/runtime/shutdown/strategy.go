// Package shutdown stops route consumers gracefully: intake is stopped or
// suspended first, inflight and pending exchanges are given time to drain and
// deferred consumers are stopped last. The whole sequence is bounded by a
// timeout after which the remaining consumers can be forced down.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/drblury/routeflow/internal/runtime/event"
	"github.com/drblury/routeflow/internal/runtime/inflight"
	"github.com/drblury/routeflow/internal/runtime/lifecycle"
	"github.com/drblury/routeflow/internal/runtime/logging"
	"github.com/drblury/routeflow/internal/runtime/policy"
	"github.com/drblury/routeflow/internal/runtime/route"
)

const (
	DefaultTimeout      = 300 * time.Second
	DefaultPollInterval = time.Second
)

var errTimedOut = errors.New("shutdown timed out")

// Strategy is engine scoped. The exported fields may be changed before a
// shutdown begins.
type Strategy struct {
	Timeout                  time.Duration
	NowOnTimeout             bool
	PollInterval             time.Duration
	SuppressLoggingOnTimeout bool

	inflight *inflight.Repository
	events   *event.Dispatcher
	logger   logging.ServiceLogger

	forced   atomic.Bool
	timedOut atomic.Bool
}

// NewStrategy returns a strategy with the default timeout and poll interval
// that forces consumers down on timeout. events may be nil.
func NewStrategy(repo *inflight.Repository, events *event.Dispatcher, logger logging.ServiceLogger) *Strategy {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Strategy{
		Timeout:      DefaultTimeout,
		NowOnTimeout: true,
		PollInterval: DefaultPollInterval,
		inflight:     repo,
		events:       events,
		logger:       logger,
	}
}

// Shutdown gracefully stops the consumers of routes, in the order given.
func (s *Strategy) Shutdown(ctx context.Context, routes []*route.Service) error {
	_, err := s.run(ctx, routes, s.timeout(), false, false, false)
	return err
}

// ShutdownForced is Shutdown with every route completing only its current
// task.
func (s *Strategy) ShutdownForced(ctx context.Context, routes []*route.Service) error {
	_, err := s.run(ctx, routes, s.timeout(), false, false, true)
	return err
}

// Suspend runs the same sequence but suspends consumers instead of stopping
// them.
func (s *Strategy) Suspend(ctx context.Context, routes []*route.Service) error {
	_, err := s.run(ctx, routes, s.timeout(), true, false, false)
	return err
}

// ShutdownRoute stops the consumers of a single route. With abortAfterTimeout
// a timeout leaves the route running and returns false.
func (s *Strategy) ShutdownRoute(ctx context.Context, r *route.Service, timeout time.Duration, abortAfterTimeout bool) (bool, error) {
	if timeout <= 0 {
		timeout = s.timeout()
	}
	return s.run(ctx, []*route.Service{r}, timeout, false, abortAfterTimeout, false)
}

// IsForced reports whether the last run was a forced shutdown.
func (s *Strategy) IsForced() bool { return s.forced.Load() }

// HasTimeoutOccurred reports whether the last run hit its timeout.
func (s *Strategy) HasTimeoutOccurred() bool { return s.timedOut.Load() }

func (s *Strategy) timeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultTimeout
	}
	return s.Timeout
}

func (s *Strategy) pollInterval() time.Duration {
	if s.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return s.PollInterval
}

func (s *Strategy) run(ctx context.Context, routes []*route.Service, timeout time.Duration, suspendOnly, abortAfterTimeout, forced bool) (bool, error) {
	s.timedOut.Store(false)
	s.forced.Store(forced)
	if len(routes) == 0 {
		return true, nil
	}

	action := "shutdown"
	if suspendOnly {
		action = "suspend"
	}
	started := time.Now()
	s.logger.Info("Starting graceful "+action, logging.LogFields{
		"routes":     len(routes),
		"timeout_ms": timeout.Milliseconds(),
	})

	taskCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("shutdown: task panicked: %v", r)
			}
		}()
		done <- s.sequence(taskCtx, routes, suspendOnly, forced)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		s.logger.Info("Graceful "+action+" completed", logging.LogFields{
			"routes":     len(routes),
			"elapsed_ms": time.Since(started).Milliseconds(),
		})
		return true, err
	case <-ctx.Done():
		<-done
		return false, ctx.Err()
	case <-timer.C:
	}

	cancel(errTimedOut)
	err := <-done
	s.timedOut.Store(true)

	if !s.SuppressLoggingOnTimeout {
		s.logInflight(routes)
	}
	if abortAfterTimeout {
		s.logger.Warn("Timeout occurred during graceful "+action+", aborting", logging.LogFields{
			"timeout_ms": timeout.Milliseconds(),
		})
		s.restore(ctx, routes)
		return false, err
	}
	if s.NowOnTimeout {
		s.logger.Warn("Timeout occurred during graceful "+action+", forcing the routes to be shut down now", logging.LogFields{
			"timeout_ms": timeout.Milliseconds(),
		})
		s.forceStop(routes)
	} else {
		s.logger.Warn("Timeout occurred during graceful "+action+", leaving the remaining consumers running", logging.LogFields{
			"timeout_ms": timeout.Milliseconds(),
		})
	}
	for _, r := range routes {
		_ = s.events.Notify(ctx, event.Event{Type: event.ShutdownTimeout, RouteID: r.ID()})
	}
	s.logger.Info("Graceful "+action+" finished after timeout", logging.LogFields{
		"elapsed_ms": time.Since(started).Milliseconds(),
	})
	return false, err
}

// sequence runs the three phases. When the timeout fires the remaining phases
// are skipped and run takes over. When the caller cancels ctx the wait ends
// early but the deferred consumers are still stopped.
func (s *Strategy) sequence(ctx context.Context, routes []*route.Service, suspendOnly, forced bool) error {
	var deferred []route.Input
	var aware []route.Input

	for _, r := range routes {
		task := r.ShutdownRunningTask()
		if forced && task != policy.CompleteCurrentTaskOnly {
			s.logger.Info("Forced shutdown, only completing the current task", logging.LogFields{
				"route_id": r.ID(),
				"policy":   task.String(),
			})
			task = policy.CompleteCurrentTaskOnly
		}
		for _, in := range r.Inputs() {
			shutdown := r.ShutdownRoute() != policy.ShutdownRouteDefer
			if shutdown && in.ShutdownAware != nil && in.ShutdownAware.DeferShutdown(task) {
				shutdown = false
			}
			switch {
			case shutdown && in.SupportsSuspension():
				s.suspendInput(ctx, in)
				deferred = append(deferred, in)
			case shutdown:
				s.stopInput(ctx, in, suspendOnly)
			default:
				s.logger.Debug("Deferring consumer", logging.LogFields{"route_id": r.ID(), "endpoint": in.URI})
				deferred = append(deferred, in)
			}
			if in.ShutdownAware != nil {
				aware = append(aware, in)
			}
		}
	}

	for _, in := range aware {
		in.ShutdownAware.PrepareShutdown(suspendOnly, forced)
	}

	if err := s.drain(ctx, routes); err != nil {
		if errors.Is(context.Cause(ctx), errTimedOut) {
			return nil
		}
		s.logger.Warn("Graceful shutdown interrupted, stopping deferred consumers", logging.LogFields{
			"deferred": len(deferred),
			"error":    err.Error(),
		})
	}

	for _, in := range deferred {
		if errors.Is(context.Cause(ctx), errTimedOut) {
			return nil
		}
		stopCtx, cancel := s.stopContext(ctx)
		s.stopInput(stopCtx, in, suspendOnly)
		cancel()
	}
	return nil
}

// stopContext is ctx while it is alive, otherwise a fresh context bounded by
// one poll interval.
func (s *Strategy) stopContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.Background(), s.pollInterval())
}

// drain polls until no exchange is inflight or pending on any input. An
// exchange moving between two queue backed inputs can be missed by one pass,
// so with such inputs two empty passes in a row are required.
func (s *Strategy) drain(ctx context.Context, routes []*route.Service) error {
	ticker := time.NewTicker(s.pollInterval())
	defer ticker.Stop()
	settle := 1
	if hasShutdownAware(routes) {
		settle = 2
	}
	empty := 0
	for {
		pending := s.pending(routes)
		if pending == 0 {
			empty++
			if empty == settle {
				return nil
			}
		} else {
			empty = 0
			s.logger.Info("Waiting for inflight and pending exchanges to complete", logging.LogFields{
				"pending": pending,
			})
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func hasShutdownAware(routes []*route.Service) bool {
	for _, r := range routes {
		for _, in := range r.Inputs() {
			if in.ShutdownAware != nil {
				return true
			}
		}
	}
	return false
}

// pending reads every inflight count before any queue backlog. A queue counts
// an exchange before the sending route releases it, so this order sees it at
// least once.
func (s *Strategy) pending(routes []*route.Service) int {
	total := 0
	if s.inflight != nil {
		for _, r := range routes {
			for _, in := range r.Inputs() {
				total += s.inflight.SizeOf(in.Endpoint.Key())
			}
		}
	}
	for _, r := range routes {
		for _, in := range r.Inputs() {
			if in.ShutdownAware != nil {
				total += in.ShutdownAware.PendingExchanges()
			}
		}
	}
	return total
}

func (s *Strategy) suspendInput(ctx context.Context, in route.Input) {
	if err := in.Suspendable.Suspend(ctx); err != nil {
		s.stopFailed(ctx, in, err)
	}
}

func (s *Strategy) stopInput(ctx context.Context, in route.Input, suspendOnly bool) {
	var err error
	if suspendOnly && in.SupportsSuspension() {
		err = in.Suspendable.Suspend(ctx)
	} else {
		err = in.Consumer.Stop(ctx)
	}
	if err != nil {
		s.stopFailed(ctx, in, err)
	}
}

func (s *Strategy) stopFailed(ctx context.Context, in route.Input, err error) {
	s.logger.Warn("Error occurred while shutting down consumer, continuing", logging.LogFields{
		"route_id": in.Route.ID(),
		"endpoint": in.URI,
		"error":    err.Error(),
	})
	_ = s.events.Notify(ctx, event.Event{
		Type:     event.ServiceStopFailure,
		RouteID:  in.Route.ID(),
		Endpoint: in.URI,
		Err:      err,
	})
}

// forceStop stops every consumer still running. Each stop gets one poll
// interval.
func (s *Strategy) forceStop(routes []*route.Service) {
	for _, r := range routes {
		for _, in := range r.Inputs() {
			if in.ShutdownAware != nil {
				in.ShutdownAware.PrepareShutdown(false, true)
			}
			if in.Consumer.Status() == lifecycle.Stopped {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.pollInterval())
			if err := in.Consumer.Stop(ctx); err != nil {
				s.stopFailed(ctx, in, err)
			}
			cancel()
		}
	}
}

// restore undoes an aborted route shutdown.
func (s *Strategy) restore(ctx context.Context, routes []*route.Service) {
	for _, r := range routes {
		for _, in := range r.Inputs() {
			var err error
			switch {
			case in.Consumer.Status() == lifecycle.Suspended && in.Suspendable != nil:
				err = in.Suspendable.Resume(ctx)
			case in.Consumer.Status() == lifecycle.Stopped:
				err = in.Consumer.Start(ctx)
			}
			if err != nil {
				s.logger.Warn("Could not restore consumer after aborted shutdown", logging.LogFields{
					"route_id": r.ID(),
					"endpoint": in.URI,
					"error":    err.Error(),
				})
			}
		}
	}
}

func (s *Strategy) logInflight(routes []*route.Service) {
	if s.inflight == nil {
		return
	}
	for _, r := range routes {
		for _, in := range r.Inputs() {
			if n := s.inflight.SizeOf(in.Endpoint.Key()); n > 0 {
				s.logger.Warn("Exchanges still inflight at shutdown timeout", logging.LogFields{
					"route_id": r.ID(),
					"endpoint": in.URI,
					"inflight": n,
				})
			}
		}
	}
}
