package metadata

// Header keys set by the runtime. Applications should not reuse them for
// their own values.
const (
	// KeyCorrelationID ties related exchanges together across routes.
	KeyCorrelationID = "correlation_id"
	// KeyMessageSchema records the Go type of a typed payload.
	KeyMessageSchema = "routeflow_message_schema"
	// KeyFromEndpoint is the endpoint key the exchange was first consumed from.
	KeyFromEndpoint = "routeflow_from_endpoint"
	// KeyFromRoute is the id of the route that first handled the exchange.
	KeyFromRoute = "routeflow_from_route"
	// KeyTopic is the broker topic a pub/sub consumer received the message on.
	KeyTopic = "routeflow_topic"
	// KeyTimerFiredAt is set by timer consumers.
	KeyTimerFiredAt = "routeflow_timer_fired_at"
	// KeyTimerCounter is the 1-based tick number of a timer consumer.
	KeyTimerCounter = "routeflow_timer_counter"
)

// consumerLocal keys describe how this process received a message and are
// not forwarded to a broker.
var consumerLocal = map[string]struct{}{
	KeyTopic: {},
}
