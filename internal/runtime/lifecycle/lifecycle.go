// Package lifecycle provides the start/stop/suspend state machine shared by
// the engine, route services, endpoints, consumers and producers.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Status is the observable state of a Service.
type Status int32

const (
	Stopped Status = iota
	Starting
	Started
	Stopping
	Suspending
	Suspended
	Failed
)

func (s Status) String() string {
	switch s {
	case Starting:
		return "Starting"
	case Started:
		return "Started"
	case Stopping:
		return "Stopping"
	case Suspending:
		return "Suspending"
	case Suspended:
		return "Suspended"
	case Failed:
		return "Failed"
	default:
		return "Stopped"
	}
}

// Service is anything with a start/stop lifecycle.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() Status
}

// Hooks are the state-specific callbacks a Support drives. Nil hooks are
// treated as successful no-ops.
type Hooks struct {
	Start   func(ctx context.Context) error
	Stop    func(ctx context.Context) error
	Suspend func(ctx context.Context) error
	Resume  func(ctx context.Context) error
}

// Support implements Service around a set of Hooks. Children are started
// before the Start hook in registration order and stopped after the Stop hook
// in reverse order.
type Support struct {
	hooks Hooks

	mu       sync.Mutex
	children []Service

	started    atomic.Bool
	starting   atomic.Bool
	stopping   atomic.Bool
	stopped    atomic.Bool
	suspending atomic.Bool
	suspended  atomic.Bool
	failed     atomic.Bool
}

// NewSupport builds a Support for the given hooks.
func NewSupport(hooks Hooks) *Support {
	return &Support{hooks: hooks}
}

// AddChild registers a dependent service. Children added after Start are
// started on the next Start.
func (s *Support) AddChild(children ...Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, child := range children {
		if child != nil {
			s.children = append(s.children, child)
		}
	}
}

// Children returns a snapshot of the registered children.
func (s *Support) Children() []Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Service, len(s.children))
	copy(out, s.children)
	return out
}

// Start transitions to Started. A started or starting service is left alone;
// a suspended one is resumed.
func (s *Support) Start(ctx context.Context) error {
	if s.suspended.Load() {
		return s.Resume(ctx)
	}
	if s.started.Load() {
		return nil
	}
	if !s.starting.CompareAndSwap(false, true) {
		return nil
	}
	defer s.starting.Store(false)

	s.stopped.Store(false)
	s.stopping.Store(false)
	s.failed.Store(false)

	children := s.Children()
	for i, child := range children {
		if err := child.Start(ctx); err != nil {
			stopQuietly(ctx, children[:i])
			s.failed.Store(true)
			return err
		}
	}
	if s.hooks.Start != nil {
		if err := s.hooks.Start(ctx); err != nil {
			stopQuietly(ctx, children)
			s.failed.Store(true)
			return err
		}
	}
	s.started.Store(true)
	return nil
}

// Stop transitions to Stopped. It acts from Started, Suspended and Failed so a
// service that failed half way through starting can still release what it
// acquired. Hook and child errors are joined.
func (s *Support) Stop(ctx context.Context) error {
	if !s.started.Load() && !s.suspended.Load() && !s.failed.Load() {
		return nil
	}
	if !s.stopping.CompareAndSwap(false, true) {
		return nil
	}
	defer s.stopping.Store(false)

	var errs []error
	if s.hooks.Stop != nil {
		if err := s.hooks.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	children := s.Children()
	for i := len(children) - 1; i >= 0; i-- {
		if err := children[i].Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	s.started.Store(false)
	s.suspended.Store(false)
	s.failed.Store(false)
	s.stopped.Store(true)
	return errors.Join(errs...)
}

// Suspend pauses a started service. Without a Suspend hook the service is
// only marked suspended.
func (s *Support) Suspend(ctx context.Context) error {
	if !s.started.Load() || s.suspended.Load() {
		return nil
	}
	if !s.suspending.CompareAndSwap(false, true) {
		return nil
	}
	defer s.suspending.Store(false)

	if s.hooks.Suspend != nil {
		if err := s.hooks.Suspend(ctx); err != nil {
			return err
		}
	}
	s.suspended.Store(true)
	return nil
}

// Resume continues a suspended service.
func (s *Support) Resume(ctx context.Context) error {
	if !s.suspended.Load() {
		return nil
	}
	if s.hooks.Resume != nil {
		if err := s.hooks.Resume(ctx); err != nil {
			return err
		}
	}
	s.suspended.Store(false)
	return nil
}

// Status derives the current state from the flags.
func (s *Support) Status() Status {
	switch {
	case s.stopping.Load():
		return Stopping
	case s.failed.Load():
		return Failed
	case s.suspending.Load():
		return Suspending
	case s.suspended.Load():
		return Suspended
	case s.starting.Load():
		return Starting
	case s.started.Load():
		return Started
	default:
		return Stopped
	}
}

// IsStarted reports whether the service is running (suspended counts).
func (s *Support) IsStarted() bool { return s.started.Load() }

// IsSuspended reports whether the service is suspended.
func (s *Support) IsSuspended() bool { return s.suspended.Load() }

// IsStoppingOrStopped reports whether a stop has begun or completed.
func (s *Support) IsStoppingOrStopped() bool {
	return s.stopping.Load() || s.stopped.Load()
}

// IsRunAllowed is polled by long running loops; it turns false as soon as
// a stop begins.
func (s *Support) IsRunAllowed() bool {
	return !s.IsStoppingOrStopped()
}

// StartAll starts services in order and returns the first error.
func StartAll(ctx context.Context, services ...Service) error {
	for _, svc := range services {
		if svc == nil {
			continue
		}
		if err := svc.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every service in the order given and joins the errors.
func StopAll(ctx context.Context, services ...Service) error {
	var errs []error
	for _, svc := range services {
		if svc == nil {
			continue
		}
		if err := svc.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Suspender is implemented by services that can pause without releasing
// their resources.
type Suspender interface {
	Suspend(ctx context.Context) error
	Resume(ctx context.Context) error
}

func stopQuietly(ctx context.Context, services []Service) {
	for i := len(services) - 1; i >= 0; i-- {
		_ = services[i].Stop(ctx)
	}
}
