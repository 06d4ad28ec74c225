// Package routeflow is an embeddable integration runtime. Application code
// declares routes (input endpoints, a chain of steps and the endpoints the
// steps send to) and the engine moves exchanges through them, owns the
// lifecycle of components and endpoints, and shuts everything down
// gracefully while messages are still in flight.
//
// A minimal program fills Config, creates an Engine with New, adds route
// Definitions and calls Start:
//
//	e, err := routeflow.New(&routeflow.Config{Name: "orders"}, logger, routeflow.Dependencies{})
//	if err != nil {
//		return err
//	}
//	err = e.AddRoutes(ctx, routeflow.Definition{
//		ID:     "ingest",
//		Inputs: []string{"timer:tick?period=1s"},
//		Steps:  []routeflow.Step{routeflow.To("seda:work")},
//	})
//
// # Components
//
// Endpoint URIs select a component by scheme. The bundled components are
// registered by importing github.com/drblury/routeflow/component/components:
//   - direct: synchronous in-process call, one consumer
//   - seda: bounded in-memory queue with concurrent consumers
//   - timer: periodic polling source
//   - log: producer that logs each exchange
//   - channel: Watermill gochannel pub/sub
//   - kafka, rabbitmq, nats, jetstream, aws, http, io: Watermill and NATS
//     backed brokers
//
// # Shutdown
//
// Stop suspends input consumers in reverse startup order, waits for the
// inflight repository to drain (bounded by Config.ShutdownTimeout) and then
// stops every route, forcing the remaining ones when the timeout fires.
// Routes marked ShutdownRouteDefer keep consuming until the others are done.
//
// # Management
//
// With Config.ManagementEnabled, New attaches an HTTP API listing routes with
// their statistics, the inflight snapshot, route control endpoints and the
// Prometheus scrape endpoint.
package routeflow
