package component

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/routeflow/internal/runtime/errors"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		raw    string
		scheme string
		path   string
		key    string
	}{
		{"direct:start", "direct", "start", "direct://start"},
		{"seda://orders?size=10", "seda", "orders", "seda://orders?size=10"},
		{"Kafka:events?b=2&a=1", "kafka", "events", "kafka://events?a=1&b=2"},
		{"timer:tick?period=1s", "timer", "tick", "timer://tick?period=1s"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			u, err := ParseURI(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.scheme, u.Scheme)
			assert.Equal(t, tt.path, u.Path)
			assert.Equal(t, tt.key, u.Key())
			assert.Equal(t, tt.raw, u.String())
		})
	}
}

func TestParseURIEquivalentSpellingsShareKey(t *testing.T) {
	a := MustParseURI("seda:q?size=5&concurrentConsumers=2")
	b := MustParseURI("seda://q?concurrentConsumers=2&size=5")
	assert.Equal(t, a.Key(), b.Key())
}

func TestParseURIRejectsMissingScheme(t *testing.T) {
	_, err := ParseURI("no-scheme")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errspkg.ErrInvalidURI))

	assert.Panics(t, func() { MustParseURI(":x") })
}

func TestURIParams(t *testing.T) {
	u := MustParseURI("seda:q?size=5&block=true&timeout=250&period=2s&bad=x")

	assert.Equal(t, "5", u.Param("size", ""))
	assert.Equal(t, "fallback", u.Param("missing", "fallback"))

	n, err := u.IntParam("size", 1)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = u.IntParam("missing", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = u.IntParam("bad", 0)
	assert.Error(t, err)

	b, err := u.BoolParam("block", false)
	require.NoError(t, err)
	assert.True(t, b)

	_, err = u.BoolParam("bad", false)
	assert.Error(t, err)

	d, err := u.DurationParam("timeout", 0)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	d, err = u.DurationParam("period", 0)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)

	_, err = u.DurationParam("bad", 0)
	assert.Error(t, err)
}
