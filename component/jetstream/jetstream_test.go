package jetstream

import (
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/routeflow/component"
)

// fakeJS implements the parts of nats.JetStreamContext the client calls.
type fakeJS struct {
	nats.JetStreamContext

	addErr    error
	updateErr error
	pubErr    error
	streams   []*nats.StreamConfig
	published []*nats.Msg
}

func (f *fakeJS) AddStream(cfg *nats.StreamConfig, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	f.streams = append(f.streams, cfg)
	if f.addErr != nil {
		return nil, f.addErr
	}
	return &nats.StreamInfo{Config: *cfg}, nil
}

func (f *fakeJS) UpdateStream(cfg *nats.StreamConfig, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return &nats.StreamInfo{Config: *cfg}, nil
}

func (f *fakeJS) PublishMsg(m *nats.Msg, _ ...nats.PubOpt) (*nats.PubAck, error) {
	if f.pubErr != nil {
		return nil, f.pubErr
	}
	f.published = append(f.published, m)
	return &nats.PubAck{Stream: DefaultStreamName}, nil
}

func TestRegister(t *testing.T) {
	original := component.DefaultRegistry
	defer func() { component.DefaultRegistry = original }()

	component.DefaultRegistry = component.NewRegistry()
	Register()

	caps := component.GetCapabilities(ComponentName)
	assert.Equal(t, "nats-jetstream", caps.Name)
	assert.True(t, caps.SupportsReliableDelivery())
	assert.False(t, caps.SupportsMultipleConsumers)
	assert.Equal(t, component.NATSJetStreamCapabilities, Capabilities())
}

func TestConfig_withDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultStreamName, cfg.StreamName)
	assert.Equal(t, DefaultMaxDeliver, cfg.MaxDeliver)
	assert.Equal(t, DefaultAckWait, cfg.AckWait)
	assert.Equal(t, 1, cfg.Replicas)
	assert.Equal(t, nats.LimitsPolicy, cfg.retention())

	custom := Config{StreamName: "ORDERS", MaxDeliver: 5, AckWait: time.Minute, Replicas: 3, RetentionPolicy: "workqueue"}.withDefaults()
	assert.Equal(t, "ORDERS", custom.StreamName)
	assert.Equal(t, 5, custom.MaxDeliver)
	assert.Equal(t, 3, custom.Replicas)
	assert.Equal(t, nats.WorkQueuePolicy, custom.retention())
	assert.Equal(t, nats.InterestPolicy, Config{RetentionPolicy: "interest"}.retention())
}

func TestNewEnsuresStream(t *testing.T) {
	t.Run("adds stream", func(t *testing.T) {
		js := &fakeJS{}
		c, err := New(js, Config{}, nil)
		require.NoError(t, err)
		require.Len(t, js.streams, 1)
		assert.Equal(t, []string{"ROUTEFLOW.>"}, js.streams[0].Subjects)
		assert.Equal(t, "ROUTEFLOW.orders", c.Subject("orders"))
	})

	t.Run("falls back to update", func(t *testing.T) {
		js := &fakeJS{addErr: errors.New("exists")}
		_, err := New(js, Config{}, nil)
		require.NoError(t, err)
	})

	t.Run("fails when update fails", func(t *testing.T) {
		js := &fakeJS{addErr: errors.New("exists"), updateErr: errors.New("denied")}
		_, err := New(js, Config{}, nil)
		assert.ErrorContains(t, err, "denied")
	})
}

func TestPublish(t *testing.T) {
	js := &fakeJS{}
	c, err := New(js, Config{}, nil)
	require.NoError(t, err)

	msg := message.NewMessage("id-1", []byte("body"))
	msg.Metadata.Set("k", "v")
	require.NoError(t, c.Publish("orders", msg))

	require.Len(t, js.published, 1)
	got := js.published[0]
	assert.Equal(t, "ROUTEFLOW.orders", got.Subject)
	assert.Equal(t, "id-1", got.Header.Get(nats.MsgIdHdr))
	assert.Equal(t, "v", got.Header.Get("k"))

	js.pubErr = errors.New("no responders")
	assert.ErrorContains(t, c.Publish("orders", msg), "no responders")

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Publish("orders", msg), ErrClosed)
}

func TestMessageConversion(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	msg := message.NewMessage("id-2", []byte("x"))
	msg.Metadata.Set(MetadataDelay, "1500")

	m := toNATS("S.t", msg, now)
	assert.Equal(t, 1500*time.Millisecond, remainingDelay(m, now))
	assert.Zero(t, remainingDelay(&nats.Msg{Header: nats.Header{}}, now))

	back := fromNATS(m)
	assert.Equal(t, "id-2", back.UUID)
	assert.Equal(t, "1500", back.Metadata.Get(MetadataDelay))
	assert.Empty(t, back.Metadata.Get(headerDelayUntil))

	anon := fromNATS(&nats.Msg{Data: []byte("y"), Header: nats.Header{}})
	assert.NotEmpty(t, anon.UUID)
}

func TestDurableName(t *testing.T) {
	assert.Equal(t, "routeflow_orders_created", durableName("orders.created"))
}
