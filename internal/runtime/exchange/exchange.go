// Package exchange defines the message envelope that travels through a route.
package exchange

import (
	"context"
	"time"

	"github.com/drblury/routeflow/internal/runtime/ids"
	"github.com/drblury/routeflow/internal/runtime/jsoncodec"
	"github.com/drblury/routeflow/internal/runtime/metadata"
)

// EndpointRef identifies the endpoint an exchange entered the runtime from.
// Key is the normalized form used for inflight accounting.
type EndpointRef struct {
	URI string
	Key string
}

// IsZero reports whether the reference is empty.
func (r EndpointRef) IsZero() bool { return r.Key == "" && r.URI == "" }

// Message is a body plus headers.
type Message struct {
	ID      string
	Headers metadata.Metadata
	Body    any
}

// NewMessage creates a message with a fresh id.
func NewMessage(body any, headers metadata.Metadata) *Message {
	if headers == nil {
		headers = metadata.Metadata{}
	}
	return &Message{ID: ids.New(ids.Message), Headers: headers, Body: body}
}

// Header returns the header value or "".
func (m *Message) Header(key string) string {
	if m == nil || m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// SetHeader sets a header, allocating the map if needed.
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = metadata.Metadata{}
	}
	m.Headers[key] = value
}

// BodyBytes renders the body with jsoncodec.BodyBytes.
func (m *Message) BodyBytes() ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return jsoncodec.BodyBytes(m.Body)
}

// DecodeBody reads the body into target with jsoncodec.DecodeBody.
func (m *Message) DecodeBody(target any) error {
	if m == nil {
		return jsoncodec.ErrEmptyBody
	}
	return jsoncodec.DecodeBody(m.Body, target)
}

// Copy returns a message with cloned headers sharing the same body.
func (m *Message) Copy() *Message {
	if m == nil {
		return nil
	}
	return &Message{ID: m.ID, Headers: m.Headers.Clone(), Body: m.Body}
}

// Synchronization is a completion callback attached to a unit of work.
type Synchronization interface {
	OnComplete(ex *Exchange)
	OnFailure(ex *Exchange)
}

// SynchronizationFuncs adapts plain functions to Synchronization. Either
// field may be nil.
type SynchronizationFuncs struct {
	Complete func(ex *Exchange)
	Failure  func(ex *Exchange)
}

func (s *SynchronizationFuncs) OnComplete(ex *Exchange) {
	if s.Complete != nil {
		s.Complete(ex)
	}
}

func (s *SynchronizationFuncs) OnFailure(ex *Exchange) {
	if s.Failure != nil {
		s.Failure(ex)
	}
}

// UnitOfWork tracks the completion scope of an exchange.
type UnitOfWork interface {
	ID() string
	Start(ctx context.Context) error
	Done(ex *Exchange)
	AddSynchronization(sync Synchronization)
	RemoveSynchronization(sync Synchronization)
	HandoverSynchronization(target *Exchange)
	OriginalMessage() *Message
	PushRoute(routeID string)
	PopRoute() string
	RouteID() string
}

// Exchange carries one message through a route. It is owned by a single
// goroutine at a time; asynchronous boundaries hand over a Copy.
type Exchange struct {
	ID           string
	Created      time.Time
	FromEndpoint EndpointRef
	FromRouteID  string
	In           *Message
	Out          *Message
	Err          error

	properties map[string]any
	rollback   bool
	uow        UnitOfWork
	pending    []Synchronization
	ctx        context.Context
}

// New creates an exchange received from the given endpoint.
func New(ctx context.Context, from EndpointRef) *Exchange {
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()
	return &Exchange{
		ID:           ids.At(ids.Exchange, now),
		Created:      now,
		FromEndpoint: from,
		In:           NewMessage(nil, nil),
		ctx:          ctx,
	}
}

// Context returns the exchange's context, used for tracing and cancellation.
func (e *Exchange) Context() context.Context {
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

// SetContext replaces the exchange context.
func (e *Exchange) SetContext(ctx context.Context) {
	if ctx != nil {
		e.ctx = ctx
	}
}

// Failed reports whether the exchange carries an error or was marked
// rollback-only.
func (e *Exchange) Failed() bool { return e.Err != nil || e.rollback }

// SetRollbackOnly marks the exchange failed without an error value.
func (e *Exchange) SetRollbackOnly() { e.rollback = true }

// Fail records err on the exchange.
func (e *Exchange) Fail(err error) { e.Err = err }

func (e *Exchange) UnitOfWork() UnitOfWork { return e.uow }

func (e *Exchange) SetUnitOfWork(u UnitOfWork) { e.uow = u }

// AddOnCompletion parks a synchronization on an exchange that has no unit of
// work yet. The unit of work created for it later adopts the callbacks.
func (e *Exchange) AddOnCompletion(s Synchronization) {
	if s != nil {
		e.pending = append(e.pending, s)
	}
}

// TakeOnCompletions returns and clears the parked synchronizations.
func (e *Exchange) TakeOnCompletions() []Synchronization {
	out := e.pending
	e.pending = nil
	return out
}

// Property returns a stored property or nil.
func (e *Exchange) Property(key string) any {
	if e.properties == nil {
		return nil
	}
	return e.properties[key]
}

// SetProperty stores a property, nil removes it.
func (e *Exchange) SetProperty(key string, value any) {
	if value == nil {
		delete(e.properties, key)
		return
	}
	if e.properties == nil {
		e.properties = make(map[string]any)
	}
	e.properties[key] = value
}

// Properties returns a copy of the property map.
func (e *Exchange) Properties() map[string]any {
	out := make(map[string]any, len(e.properties))
	for k, v := range e.properties {
		out[k] = v
	}
	return out
}

// Result returns the out message when one was produced and the in message
// otherwise.
func (e *Exchange) Result() *Message {
	if e.Out != nil {
		return e.Out
	}
	return e.In
}

// Copy returns a derived exchange with a new id and no unit of work. The in
// message is copied, the out message is dropped.
func (e *Exchange) Copy() *Exchange {
	now := time.Now()
	cp := &Exchange{
		ID:           ids.At(ids.Exchange, now),
		Created:      now,
		FromEndpoint: e.FromEndpoint,
		FromRouteID:  e.FromRouteID,
		In:           e.In.Copy(),
		Err:          e.Err,
		rollback:     e.rollback,
		ctx:          e.ctx,
	}
	if len(e.properties) > 0 {
		cp.properties = e.Properties()
	}
	return cp
}
