package routeflow

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/routeflow/component"
	configpkg "github.com/drblury/routeflow/internal/runtime/config"
	"github.com/drblury/routeflow/internal/runtime/engine"
	errspkg "github.com/drblury/routeflow/internal/runtime/errors"
	"github.com/drblury/routeflow/internal/runtime/event"
	"github.com/drblury/routeflow/internal/runtime/exchange"
	handlerpkg "github.com/drblury/routeflow/internal/runtime/handlers"
	idspkg "github.com/drblury/routeflow/internal/runtime/ids"
	"github.com/drblury/routeflow/internal/runtime/jsoncodec"
	"github.com/drblury/routeflow/internal/runtime/lifecycle"
	loggingpkg "github.com/drblury/routeflow/internal/runtime/logging"
	"github.com/drblury/routeflow/internal/runtime/management"
	metadatapkg "github.com/drblury/routeflow/internal/runtime/metadata"
	"github.com/drblury/routeflow/internal/runtime/policy"
	"github.com/drblury/routeflow/internal/runtime/processor"
	"github.com/drblury/routeflow/internal/runtime/route"
	"github.com/drblury/routeflow/internal/runtime/stats"
)

type (
	Config                = configpkg.Config
	RouteConfig           = configpkg.RouteConfig
	ConfigValidationError = errspkg.ConfigValidationError
	Error                 = errspkg.Error

	Engine       = engine.Engine
	Dependencies = engine.Dependencies
	RouteStartup = engine.RouteStartup

	Definition   = route.Definition
	Step         = route.Step
	RouteService = route.Service

	Exchange        = exchange.Exchange
	Message         = exchange.Message
	EndpointRef     = exchange.EndpointRef
	Synchronization = exchange.Synchronization
	Metadata        = metadatapkg.Metadata
	IDKind          = idspkg.Kind

	Processor     = processor.Processor
	ProcessorFunc = processor.Func
	Interceptor   = processor.Interceptor
	RetryConfig   = processor.RetryConfig

	Status              = lifecycle.Status
	Service             = lifecycle.Service
	ShutdownRoute       = policy.ShutdownRoute
	ShutdownRunningTask = policy.ShutdownRunningTask

	Event        = event.Event
	EventType    = event.Type
	Notifier     = event.Notifier
	NotifierFunc = event.NotifierFunc

	RouteStats      = stats.RouteStats
	ErrorCategory   = stats.ErrorCategory
	ErrorClassifier = stats.ErrorClassifier

	Component         = component.Component
	Endpoint          = component.Endpoint
	ComponentRegistry = component.Registry

	ServiceLogger                        = loggingpkg.ServiceLogger
	LogFields                            = loggingpkg.LogFields
	EntryLoggerAdapter[T any]            = loggingpkg.EntryLoggerAdapter[T]
	MessageContextBase                   = handlerpkg.MessageContextBase
	JSONMessageContext[T any]            = handlerpkg.JSONMessageContext[T]
	JSONMessageOutput[T any]             = handlerpkg.JSONMessageOutput[T]
	JSONMessageHandler[T any, O any]     = handlerpkg.JSONMessageHandler[T, O]
	ProtoMessageContext[T proto.Message] = handlerpkg.ProtoMessageContext[T]
	ProtoMessageOutput                   = handlerpkg.ProtoMessageOutput
	ProtoMessageHandler[T proto.Message] = handlerpkg.ProtoMessageHandler[T]
	ProtoOption                          = handlerpkg.ProtoOption
)

const (
	Stopped    = lifecycle.Stopped
	Starting   = lifecycle.Starting
	Started    = lifecycle.Started
	Stopping   = lifecycle.Stopping
	Suspending = lifecycle.Suspending
	Suspended  = lifecycle.Suspended
	Failed     = lifecycle.Failed

	ShutdownRouteDefault    = policy.ShutdownRouteDefault
	ShutdownRouteDefer      = policy.ShutdownRouteDefer
	CompleteCurrentTaskOnly = policy.CompleteCurrentTaskOnly
	CompleteAllTasks        = policy.CompleteAllTasks

	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyMessageSchema = metadatapkg.KeyMessageSchema
	MetadataKeyFromEndpoint  = metadatapkg.KeyFromEndpoint
	MetadataKeyFromRoute     = metadatapkg.KeyFromRoute

	IDKindExchange    = idspkg.Exchange
	IDKindMessage     = idspkg.Message
	IDKindUnitOfWork  = idspkg.UnitOfWork
	IDKindCorrelation = idspkg.Correlation
)

var (
	To          = route.To
	Process     = route.Process
	ProcessFunc = route.ProcessFunc

	Chain              = processor.Chain
	CorrelationID      = processor.CorrelationID
	LogExchanges       = processor.LogExchanges
	Recoverer          = processor.Recoverer
	Retry              = processor.Retry
	NewMessage         = exchange.NewMessage
	NewMetadata        = metadatapkg.New
	WithValidator      = handlerpkg.WithValidator
	WithBinaryEncoding = handlerpkg.WithBinaryEncoding

	LoadConfig     = configpkg.Load
	ParseConfig    = configpkg.Parse
	ValidateConfig = configpkg.ValidateConfig
	Bool           = configpkg.Bool

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopLogger              = loggingpkg.NewNopLogger

	Marshal      = jsoncodec.Marshal
	Unmarshal    = jsoncodec.Unmarshal
	BodyBytes    = jsoncodec.BodyBytes
	DecodeBody   = jsoncodec.DecodeBody
	ErrEmptyBody = jsoncodec.ErrEmptyBody

	NewID = idspkg.New

	ErrConfigRequired        = errspkg.ErrConfigRequired
	ErrLoggerRequired        = errspkg.ErrLoggerRequired
	ErrRouteIDRequired       = errspkg.ErrRouteIDRequired
	ErrInputRequired         = errspkg.ErrInputRequired
	ErrRouteExists           = errspkg.ErrRouteExists
	ErrRouteNotFound         = errspkg.ErrRouteNotFound
	ErrNotFound              = errspkg.ErrNotFound
	ErrDuplicateStartupOrder = errspkg.ErrDuplicateStartupOrder
	ErrFanInConflict         = errspkg.ErrFanInConflict
	ErrNoConsumer            = errspkg.ErrNoConsumer
	ErrEngineNotStarted      = errspkg.ErrEngineNotStarted
	ErrDeliveryFailed        = errspkg.ErrDeliveryFailed
	ErrUnprocessable         = errspkg.ErrUnprocessable
	ErrHandlerRequired       = handlerpkg.ErrHandlerRequired
)

// New creates a stopped engine. When cfg enables the management API or
// metrics, the matching HTTP servers are attached to the engine and follow its
// lifecycle.
func New(cfg *Config, logger ServiceLogger, deps Dependencies) (*Engine, error) {
	if cfg != nil && cfg.MetricsEnabled && deps.Registerer == nil {
		deps.Registerer = prometheus.DefaultRegisterer
	}
	e, err := engine.New(cfg, logger, deps)
	if err != nil {
		return nil, err
	}

	var gatherer prometheus.Gatherer
	if cfg.MetricsEnabled {
		gatherer = prometheus.DefaultGatherer
		if g, ok := deps.Registerer.(prometheus.Gatherer); ok {
			gatherer = g
		}
	}

	if cfg.ManagementEnabled {
		e.AddService(management.New(management.Config{
			Address:            fmt.Sprintf(":%d", cfg.EffectiveManagementPort()),
			CORSAllowedOrigins: cfg.ManagementCORSAllowedOrigins,
			Gatherer:           gatherer,
		}, e, e.Logger()))
	}
	if gatherer != nil && needsMetricsServer(cfg) {
		e.AddService(management.NewMetricsServer(fmt.Sprintf(":%d", cfg.EffectiveMetricsPort()), gatherer, e.Logger()))
	}
	return e, nil
}

// needsMetricsServer reports whether /metrics needs a listener of its own,
// which is the case unless the management API already serves it on the same
// port.
func needsMetricsServer(cfg *Config) bool {
	if !cfg.ManagementEnabled {
		return true
	}
	return cfg.MetricsPort != 0 && cfg.MetricsPort != cfg.EffectiveManagementPort()
}

func JSONProcessor[T any, O any](handler JSONMessageHandler[T, O], logger ServiceLogger) (Processor, error) {
	return handlerpkg.JSONProcessor(handler, logger)
}

func ProtoProcessor[T proto.Message](prototype T, handler ProtoMessageHandler[T], logger ServiceLogger, opts ...ProtoOption) (Processor, error) {
	return handlerpkg.ProtoProcessor(prototype, handler, logger, opts...)
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
