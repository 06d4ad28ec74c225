// Package jetstream provides a NATS JetStream component with durable pull
// consumers. Every topic maps to a subject inside one stream.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/routeflow/component"
	"github.com/drblury/routeflow/internal/runtime/ids"
)

// ComponentName is the URI scheme.
const ComponentName = "nats-jetstream"

const (
	// DefaultStreamName is used when Config.StreamName is empty.
	DefaultStreamName = "ROUTEFLOW"

	// DefaultMaxDeliver is the default max delivery attempts.
	DefaultMaxDeliver = 3

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second

	// MetadataDelay asks the consumer side to hold a message back for the
	// given number of milliseconds.
	MetadataDelay = "routeflow_delay_ms"

	headerDelayUntil = "routeflow_delay_until"
	fetchBatch       = 10
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("jetstream: client is closed")

// Connect allows overriding the NATS connection for testing.
var Connect = func(url string) (*nats.Conn, error) {
	return nats.Connect(url)
}

func init() {
	Register()
}

// Register adds the jetstream component to the default registry.
func Register() {
	component.RegisterWithCapabilities(ComponentName, Build, component.NATSJetStreamCapabilities)
}

// Build connects to the configured NATS server and ensures the stream exists.
func Build(_ context.Context, cfg component.Config, logger watermill.LoggerAdapter) (component.Component, error) {
	nc, err := Connect(cfg.GetNATSURL())
	if err != nil {
		return nil, fmt.Errorf("jetstream: connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: context: %w", err)
	}

	c, err := New(js, Config{}, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	c.conn = nc
	return component.NewPubSub(ComponentName, component.NATSJetStreamCapabilities, c, c, logger), nil
}

// Capabilities returns the capabilities of this component.
func Capabilities() component.Capabilities {
	return component.NATSJetStreamCapabilities
}

// Config holds JetStream specific settings.
type Config struct {
	StreamName string
	MaxDeliver int
	AckWait    time.Duration
	Replicas   int

	// RetentionPolicy is "limits" (default), "interest" or "workqueue".
	RetentionPolicy string
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

func (c Config) retention() nats.RetentionPolicy {
	switch c.RetentionPolicy {
	case "interest":
		return nats.InterestPolicy
	case "workqueue":
		return nats.WorkQueuePolicy
	default:
		return nats.LimitsPolicy
	}
}

// Client publishes to and pulls from one JetStream stream.
type Client struct {
	js     nats.JetStreamContext
	conn   *nats.Conn
	config Config
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed chan struct{}
	once   sync.Once
}

// New wraps an existing JetStream context.
func New(js nats.JetStreamContext, cfg Config, logger watermill.LoggerAdapter) (*Client, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	c := &Client{
		js:     js,
		config: cfg.withDefaults(),
		logger: logger,
		closed: make(chan struct{}),
	}
	if err := c.ensureStream(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:      c.config.StreamName,
		Subjects:  []string{c.config.StreamName + ".>"},
		MaxAge:    7 * 24 * time.Hour,
		Replicas:  c.config.Replicas,
		Retention: c.config.retention(),
	}
	if _, err := c.js.AddStream(streamCfg); err == nil {
		return nil
	}
	if _, err := c.js.UpdateStream(streamCfg); err != nil {
		return fmt.Errorf("jetstream: ensure stream %s: %w", c.config.StreamName, err)
	}
	return nil
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Subject returns the stream subject for topic.
func (c *Client) Subject(topic string) string {
	return c.config.StreamName + "." + topic
}

func durableName(topic string) string {
	return "routeflow_" + strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(topic)
}

// Publish stores messages in the stream. The message UUID becomes the
// JetStream message id so broker-side deduplication applies.
func (c *Client) Publish(topic string, messages ...*message.Message) error {
	if c.isClosed() {
		return ErrClosed
	}
	subject := c.Subject(topic)
	for _, msg := range messages {
		if _, err := c.js.PublishMsg(toNATS(subject, msg, time.Now())); err != nil {
			return fmt.Errorf("jetstream: publish %s: %w", subject, err)
		}
	}
	return nil
}

func toNATS(subject string, msg *message.Message, now time.Time) *nats.Msg {
	header := nats.Header{}
	for k, v := range msg.Metadata {
		header.Set(k, v)
	}
	header.Set(nats.MsgIdHdr, msg.UUID)
	if raw := msg.Metadata.Get(MetadataDelay); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
			header.Set(headerDelayUntil, strconv.FormatInt(now.Add(time.Duration(ms)*time.Millisecond).UnixMilli(), 10))
		}
	}
	return &nats.Msg{Subject: subject, Data: msg.Payload, Header: header}
}

func fromNATS(m *nats.Msg) *message.Message {
	id := m.Header.Get(nats.MsgIdHdr)
	if id == "" {
		id = ids.New(ids.Message)
	}
	msg := message.NewMessage(id, m.Data)
	for k, v := range m.Header {
		if k == nats.MsgIdHdr || k == headerDelayUntil || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	return msg
}

// remainingDelay reports how long a fetched message must still wait.
func remainingDelay(m *nats.Msg, now time.Time) time.Duration {
	raw := m.Header.Get(headerDelayUntil)
	if raw == "" {
		return 0
	}
	until, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return time.UnixMilli(until).Sub(now)
}

// Subscribe creates or updates a durable pull consumer for topic.
func (c *Client) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	subject := c.Subject(topic)
	durable := durableName(topic)
	consumerCfg := &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    c.config.MaxDeliver,
		AckWait:       c.config.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if _, err := c.js.AddConsumer(c.config.StreamName, consumerCfg); err != nil {
		if _, err := c.js.UpdateConsumer(c.config.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("jetstream: consumer %s: %w", durable, err)
		}
	}

	sub, err := c.js.PullSubscribe(subject, durable, nats.Bind(c.config.StreamName, durable))
	if err != nil {
		return nil, fmt.Errorf("jetstream: subscribe %s: %w", subject, err)
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	out := make(chan *message.Message)
	go c.pull(ctx, sub, topic, out)
	return out, nil
}

func (c *Client) pull(ctx context.Context, sub *nats.Subscription, topic string, out chan<- *message.Message) {
	defer close(out)
	fields := watermill.LogFields{"topic": topic}
	for ctx.Err() == nil && !c.isClosed() {
		batch, err := sub.Fetch(fetchBatch, nats.MaxWait(time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if c.isClosed() || errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
				return
			}
			c.logger.Error("Failed to fetch from JetStream", err, fields)
			continue
		}
		for _, m := range batch {
			if d := remainingDelay(m, time.Now()); d > 0 {
				if err := m.NakWithDelay(d); err != nil {
					c.logger.Error("Failed to nak delayed message", err, fields)
				}
				continue
			}
			if !c.hand(ctx, m, out, fields) {
				return
			}
		}
	}
}

func (c *Client) hand(ctx context.Context, m *nats.Msg, out chan<- *message.Message, fields watermill.LogFields) bool {
	msg := fromNATS(m)
	select {
	case out <- msg:
	case <-ctx.Done():
		_ = m.Nak()
		return false
	}
	select {
	case <-msg.Acked():
		if err := m.Ack(); err != nil {
			c.logger.Error("Failed to ack", err, fields)
		}
	case <-msg.Nacked():
		if err := m.Nak(); err != nil {
			c.logger.Error("Failed to nak", err, fields)
		}
	case <-ctx.Done():
		return false
	}
	return true
}

// Close unsubscribes every pull consumer and drops the connection when the
// client owns it.
func (c *Client) Close() error {
	var errs []error
	c.once.Do(func() {
		close(c.closed)
		c.mu.Lock()
		for _, sub := range c.subs {
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				errs = append(errs, err)
			}
		}
		c.subs = nil
		c.mu.Unlock()
		if c.conn != nil {
			c.conn.Close()
		}
	})
	return errors.Join(errs...)
}
