// Package metadata holds the headers of an exchange message and the header
// keys the runtime sets itself.
package metadata

// Metadata is the header map of an exchange message.
type Metadata map[string]string

// New builds headers from alternating key/value pairs. A trailing key without
// a value is dropped.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// Clone never returns nil.
func (m Metadata) Clone() Metadata {
	cloned := make(Metadata, len(m))
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Get returns the value for key or "".
func (m Metadata) Get(key string) string {
	if m == nil {
		return ""
	}
	return m[key]
}

func (m Metadata) CorrelationID() string { return m.Get(KeyCorrelationID) }

// WithOrigin returns m, allocated when nil, carrying the endpoint and route an
// exchange first entered. Origin headers already present are kept, so a
// message reports its first origin after hops across routes and brokers.
func (m Metadata) WithOrigin(endpointKey, routeID string) Metadata {
	if m == nil {
		m = Metadata{}
	}
	if _, ok := m[KeyFromEndpoint]; !ok && endpointKey != "" {
		m[KeyFromEndpoint] = endpointKey
	}
	if _, ok := m[KeyFromRoute]; !ok && routeID != "" {
		m[KeyFromRoute] = routeID
	}
	return m
}
