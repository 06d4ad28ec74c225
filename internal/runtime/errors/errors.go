package errors

import (
	sterrors "errors"
	"fmt"
	"strings"
)

var (
	ErrConfigRequired        = sterrors.New("routeflow: configuration is required")
	ErrLoggerRequired        = sterrors.New("routeflow: logger is required")
	ErrRouteIDRequired       = sterrors.New("routeflow: route id is required")
	ErrInputRequired         = sterrors.New("routeflow: route requires at least one input endpoint")
	ErrProcessorRequired     = sterrors.New("routeflow: processor is required")
	ErrExchangeRequired      = sterrors.New("routeflow: exchange is required")
	ErrRouteExists           = sterrors.New("routeflow: route already exists")
	ErrRouteNotFound         = sterrors.New("routeflow: route not found")
	ErrRouteNotStopped       = sterrors.New("routeflow: route must be stopped first")
	ErrNotFound              = sterrors.New("routeflow: not found")
	ErrAmbiguousTarget       = sterrors.New("routeflow: ambiguous target")
	ErrDuplicateStartupOrder = sterrors.New("routeflow: duplicate startup order")
	ErrFanInConflict         = sterrors.New("routeflow: endpoint does not support multiple consumers")
	ErrProducerNotSupported  = sterrors.New("routeflow: endpoint does not support producers")
	ErrConsumerNotSupported  = sterrors.New("routeflow: endpoint does not support consumers")
	ErrNoConsumer            = sterrors.New("routeflow: no consumer available on endpoint")
	ErrEngineNotStarted      = sterrors.New("routeflow: engine is not started")
	ErrInvalidURI            = sterrors.New("routeflow: invalid endpoint uri")
	ErrDeliveryFailed        = sterrors.New("routeflow: delivery to endpoint failed")
	ErrUnprocessable         = sterrors.New("routeflow: unprocessable payload")
)

// Error carries the route, endpoint and component a failure relates to while
// still matching its Kind sentinel through errors.Is.
type Error struct {
	Kind      error
	Route     string
	Endpoint  string
	Component string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	} else {
		b.WriteString("routeflow: error")
	}
	var parts []string
	if e.Route != "" {
		parts = append(parts, "route="+e.Route)
	}
	if e.Endpoint != "" {
		parts = append(parts, "endpoint="+e.Endpoint)
	}
	if e.Component != "" {
		parts = append(parts, "component="+e.Component)
	}
	if len(parts) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(parts, " "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

// KindOf returns the sentinel kind of err when it is (or wraps) an *Error.
func KindOf(err error) error {
	var typed *Error
	if sterrors.As(err, &typed) {
		return typed.Kind
	}
	return nil
}

// NotFound reports that no component or route could be resolved for name.
func NotFound(component, endpoint string) error {
	return &Error{Kind: ErrNotFound, Component: component, Endpoint: endpoint}
}

// AmbiguousTarget reports a lookup that matched more than one endpoint.
func AmbiguousTarget(component string, candidates []string) error {
	return &Error{
		Kind:      ErrAmbiguousTarget,
		Component: component,
		Err:       fmt.Errorf("candidates %s", strings.Join(candidates, ", ")),
	}
}

// DuplicateStartupOrder reports two routes claiming the same startup order.
func DuplicateStartupOrder(route, other string, order int) error {
	return &Error{
		Kind:  ErrDuplicateStartupOrder,
		Route: route,
		Err:   fmt.Errorf("order %d is already used by route %q", order, other),
	}
}

// FanInConflict reports an endpoint consumed by more than one route.
func FanInConflict(route, endpoint, other string) error {
	return &Error{
		Kind:     ErrFanInConflict,
		Route:    route,
		Endpoint: endpoint,
		Err:      fmt.Errorf("already consumed by route %q", other),
	}
}

// DeliveryFailed wraps a producer error with the endpoint it was sending to.
func DeliveryFailed(route, endpoint string, err error) error {
	return &Error{Kind: ErrDeliveryFailed, Route: route, Endpoint: endpoint, Err: err}
}

// Unprocessable marks a payload that failed decoding or validation.
func Unprocessable(err error) error {
	return &Error{Kind: ErrUnprocessable, Err: err}
}

// ConfigValidationError wraps configuration validation failures.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "routeflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
