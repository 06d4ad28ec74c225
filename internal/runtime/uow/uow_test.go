package uow

import (
	"context"
	"errors"
	"sync"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/drblury/routeflow/internal/runtime/event"
	"github.com/drblury/routeflow/internal/runtime/exchange"
	"github.com/drblury/routeflow/internal/runtime/inflight"
	"github.com/drblury/routeflow/internal/runtime/logging"
)

type eventLog struct {
	mu    sync.Mutex
	types []event.Type
}

func (l *eventLog) Notify(_ context.Context, ev event.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.types = append(l.types, ev.Type)
	return nil
}

func newFixture() (*inflight.Repository, *eventLog, Options) {
	repo := inflight.NewRepository(nil)
	log := &eventLog{}
	opts := Options{
		Inflight: repo,
		Events:   event.NewDispatcher("test", logging.NewNopLogger(), log),
		Logger:   logging.NewNopLogger(),
	}
	return repo, log, opts
}

func newExchange() *exchange.Exchange {
	ex := exchange.New(context.Background(), exchange.EndpointRef{URI: "seda:in", Key: "seda://in"})
	ex.In = exchange.NewMessage("payload", nil)
	return ex
}

func TestStartDoneInflightPairing(t *testing.T) {
	repo, log, opts := newFixture()
	ex := newExchange()
	u := New(ex, opts)

	if ex.UnitOfWork() != u {
		t.Fatal("expected unit of work attached to exchange")
	}
	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = u.Start(context.Background())
	if repo.Size() != 1 || repo.SizeOf("seda://in") != 1 {
		t.Fatalf("expected one inflight exchange, got %d", repo.Size())
	}

	u.Done(ex)
	u.Done(ex)
	if repo.Size() != 0 || repo.SizeOf("seda://in") != 0 {
		t.Fatalf("expected inflight back to zero, got %d", repo.Size())
	}
	if len(log.types) != 2 || log.types[0] != event.ExchangeCreated || log.types[1] != event.ExchangeCompleted {
		t.Fatalf("unexpected events %v", log.types)
	}
	if !u.IsDone() {
		t.Fatal("expected IsDone")
	}
}

func TestSynchronizationsRunOnceWithOutcome(t *testing.T) {
	_, log, opts := newFixture()
	ex := newExchange()
	u := New(ex, opts)
	_ = u.Start(context.Background())

	var completed, failed atomic.Int32
	u.AddSynchronization(&exchange.SynchronizationFuncs{
		Complete: func(*exchange.Exchange) { completed.Add(1) },
		Failure:  func(*exchange.Exchange) { failed.Add(1) },
	})

	ex.Fail(errors.New("boom"))
	u.Done(ex)
	u.Done(ex)

	if completed.Load() != 0 || failed.Load() != 1 {
		t.Fatalf("completed=%d failed=%d", completed.Load(), failed.Load())
	}
	if log.types[len(log.types)-1] != event.ExchangeFailed {
		t.Fatalf("expected ExchangeFailed, got %v", log.types)
	}
}

func TestPanickingSynchronizationDoesNotStopOthers(t *testing.T) {
	repo, _, opts := newFixture()
	ex := newExchange()
	u := New(ex, opts)
	_ = u.Start(context.Background())

	var ran atomic.Bool
	u.AddSynchronization(&exchange.SynchronizationFuncs{Complete: func(*exchange.Exchange) { panic("bad callback") }})
	u.AddSynchronization(&exchange.SynchronizationFuncs{Complete: func(*exchange.Exchange) { ran.Store(true) }})

	u.Done(ex)

	if !ran.Load() {
		t.Fatal("expected second synchronization to run")
	}
	if repo.Size() != 0 {
		t.Fatal("expected inflight removed despite panic")
	}
}

func TestRemoveSynchronization(t *testing.T) {
	_, _, opts := newFixture()
	ex := newExchange()
	u := New(ex, opts)

	var calls atomic.Int32
	s := &exchange.SynchronizationFuncs{Complete: func(*exchange.Exchange) { calls.Add(1) }}
	u.AddSynchronization(s)
	u.RemoveSynchronization(s)
	_ = u.Start(context.Background())
	u.Done(ex)

	if calls.Load() != 0 {
		t.Fatal("removed synchronization should not run")
	}
}

func TestHandoverMovesCallbacks(t *testing.T) {
	_, _, opts := newFixture()
	src := newExchange()
	source := New(src, opts)
	_ = source.Start(context.Background())

	var completedOn atomic.Value
	source.AddSynchronization(&exchange.SynchronizationFuncs{
		Complete: func(ex *exchange.Exchange) { completedOn.Store(ex.ID) },
	})

	dst := src.Copy()
	target := New(dst, opts)
	_ = target.Start(context.Background())

	source.HandoverSynchronization(dst)
	if len(source.Synchronizations()) != 0 {
		t.Fatal("expected source list cleared after handover")
	}
	if len(target.Synchronizations()) != 1 {
		t.Fatal("expected target to own the callback")
	}

	source.Done(src)
	if completedOn.Load() != nil {
		t.Fatal("callback must not fire on the source")
	}
	target.Done(dst)
	if completedOn.Load() != dst.ID {
		t.Fatalf("expected callback to fire with the target exchange")
	}
}

func TestHandoverToExchangeWithoutUnitOfWork(t *testing.T) {
	_, _, opts := newFixture()
	src := newExchange()
	u := New(src, opts)

	var fired atomic.Int32
	u.AddSynchronization(&exchange.SynchronizationFuncs{Complete: func(*exchange.Exchange) { fired.Add(1) }})

	dst := src.Copy()
	u.HandoverSynchronization(dst)
	if len(u.Synchronizations()) != 0 {
		t.Fatal("expected source cleared")
	}

	adopted := New(dst, opts)
	if len(adopted.Synchronizations()) != 1 {
		t.Fatal("expected parked callbacks adopted by the new unit of work")
	}
	_ = adopted.Start(context.Background())
	adopted.Done(dst)
	if fired.Load() != 1 {
		t.Fatalf("expected callback to fire once, got %d", fired.Load())
	}
}

func TestOriginalMessageAndRouteStack(t *testing.T) {
	_, _, opts := newFixture()
	ex := newExchange()
	u := New(ex, opts)
	_ = u.Start(context.Background())

	ex.In.Body = "changed"
	if u.OriginalMessage().Body != "payload" {
		t.Fatalf("original message should be the snapshot, got %v", u.OriginalMessage().Body)
	}

	u.PushRoute("outer")
	u.PushRoute("inner")
	if u.RouteID() != "inner" {
		t.Fatalf("RouteID = %q", u.RouteID())
	}
	if u.PopRoute() != "inner" || u.PopRoute() != "outer" || u.PopRoute() != "" {
		t.Fatal("unexpected route stack behaviour")
	}
	if !strings.HasPrefix(u.ID(), "uow-") || u.ID() != u.ID() {
		t.Fatalf("expected a stable unit of work id, got %q", u.ID())
	}
}

func TestDoneWithoutStartDoesNotTouchInflight(t *testing.T) {
	repo, _, opts := newFixture()
	ex := newExchange()
	u := New(ex, opts)

	u.Done(ex)
	if repo.Size() != 0 {
		t.Fatalf("expected no inflight change, got %d", repo.Size())
	}
}
