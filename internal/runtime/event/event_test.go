package event

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/drblury/routeflow/internal/runtime/logging"
)

type capture struct {
	mu     sync.Mutex
	events []Event
}

func (c *capture) Notify(_ context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func TestDispatcherDeliversToAll(t *testing.T) {
	a, b := &capture{}, &capture{}
	d := NewDispatcher("engine-1", logging.NewNopLogger(), a, nil, b)

	if d.Len() != 2 {
		t.Fatalf("expected nil notifiers to be skipped, got %d", d.Len())
	}
	_ = d.Notify(context.Background(), Event{Type: RouteStarted, RouteID: "r1"})

	for _, c := range []*capture{a, b} {
		if len(c.events) != 1 {
			t.Fatalf("expected one event, got %d", len(c.events))
		}
		ev := c.events[0]
		if ev.Engine != "engine-1" || ev.Time.IsZero() || ev.RouteID != "r1" {
			t.Fatalf("unexpected event %#v", ev)
		}
	}
}

func TestDispatcherSurvivesFailingNotifiers(t *testing.T) {
	after := &capture{}
	d := NewDispatcher("e", logging.NewNopLogger(),
		NotifierFunc(func(context.Context, Event) error { return errors.New("boom") }),
		NotifierFunc(func(context.Context, Event) error { panic("listener exploded") }),
		after,
	)

	if err := d.Notify(context.Background(), Event{Type: ExchangeCompleted}); err != nil {
		t.Fatalf("dispatcher must not propagate listener errors: %v", err)
	}
	if len(after.events) != 1 {
		t.Fatal("expected later notifiers to still run")
	}
}

func TestNilDispatcherIsSafe(t *testing.T) {
	var d *Dispatcher
	if err := d.Notify(context.Background(), Event{Type: ContextStarted}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Len() != 0 {
		t.Fatal("expected zero notifiers")
	}
}

func TestLoggingNotifierHandlesAllTypes(t *testing.T) {
	n := NewLoggingNotifier(logging.NewNopLogger())
	for _, typ := range []Type{ContextStarted, ExchangeCompleted, ExchangeFailed, ShutdownTimeout} {
		if err := n.Notify(context.Background(), Event{Type: typ, Err: errors.New("x"), Duration: time.Millisecond}); err != nil {
			t.Fatalf("notify %s: %v", typ, err)
		}
	}
}
