// Package io provides a file journal component. Producers append one JSON
// line per exchange; consumers tail the file and pick up lines written to
// their topic, which is the URI path.
package io

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/routeflow/component"
	"github.com/drblury/routeflow/internal/runtime/jsoncodec"
)

// ComponentName is the URI scheme.
const ComponentName = "io"

// DefaultFilePath is used when the configuration names no file.
const DefaultFilePath = "routeflow.journal"

// PollInterval is how long a consumer waits at the end of the file before
// looking for new lines.
var PollInterval = 50 * time.Millisecond

// Register adds the io component to the default registry. It is not called
// from init; import the components package or call it explicitly.
func Register() {
	component.RegisterWithCapabilities(ComponentName, Build, component.IOCapabilities)
}

// Build creates a journal on the configured file.
func Build(_ context.Context, cfg component.Config, logger watermill.LoggerAdapter) (component.Component, error) {
	path := cfg.GetIOFile()
	if path == "" {
		path = DefaultFilePath
	}
	j := NewJournal(path, logger)
	return component.NewPubSub(ComponentName, component.IOCapabilities, j, j, logger), nil
}

// Capabilities returns the capabilities of this component.
func Capabilities() component.Capabilities {
	return component.IOCapabilities
}

type record struct {
	UUID     string            `json:"uuid"`
	Topic    string            `json:"topic"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  []byte            `json:"payload"`
}

// Journal is both the publisher and the subscriber of an io component.
type Journal struct {
	path   string
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewJournal returns a journal appending to and reading from path.
func NewJournal(path string, logger watermill.LoggerAdapter) *Journal {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Journal{path: path, logger: logger, closed: make(chan struct{})}
}

// Path returns the journal file.
func (j *Journal) Path() string { return j.path }

// Publish appends messages to the journal.
func (j *Journal) Publish(topic string, messages ...*message.Message) error {
	select {
	case <-j.closed:
		return errors.New("io: journal is closed")
	default:
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, msg := range messages {
		line, err := jsoncodec.Marshal(record{
			UUID:     msg.UUID,
			Topic:    topic,
			Metadata: msg.Metadata,
			Payload:  msg.Payload,
		})
		if err != nil {
			return err
		}
		line = append(line, '\n')
		if _, err := w.Write(line); err != nil {
			return err
		}
	}
	return w.Flush()
}

// Subscribe tails the journal from the beginning and delivers records for
// topic one at a time, waiting for each to be acked or nacked.
func (j *Journal) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	f, err := os.OpenFile(j.path, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}

	out := make(chan *message.Message)
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		defer close(out)
		defer f.Close()
		j.tail(ctx, f, topic, out)
	}()
	return out, nil
}

func (j *Journal) tail(ctx context.Context, f *os.File, topic string, out chan<- *message.Message) {
	reader := bufio.NewReader(f)
	var partial []byte
	for {
		chunk, err := reader.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			j.logger.Error("Failed to read journal", err, watermill.LogFields{"path": j.path})
			return
		}
		partial = append(partial, chunk...)
		if err != nil {
			// io.EOF: wait for the writer to finish the line.
			if !j.wait(ctx) {
				return
			}
			continue
		}

		line := partial
		partial = nil
		if !j.deliver(ctx, line, topic, out) {
			return
		}
	}
}

func (j *Journal) wait(ctx context.Context) bool {
	t := time.NewTimer(PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-j.closed:
		return false
	case <-t.C:
		return true
	}
}

func (j *Journal) deliver(ctx context.Context, line []byte, topic string, out chan<- *message.Message) bool {
	var rec record
	if err := jsoncodec.Unmarshal(line, &rec); err != nil {
		j.logger.Error("Skipping malformed journal line", err, watermill.LogFields{"path": j.path})
		return true
	}
	if rec.Topic != topic {
		return true
	}

	msg := message.NewMessage(rec.UUID, rec.Payload)
	for k, v := range rec.Metadata {
		msg.Metadata.Set(k, v)
	}

	select {
	case out <- msg:
	case <-ctx.Done():
		return false
	case <-j.closed:
		return false
	}

	select {
	case <-msg.Acked():
	case <-msg.Nacked():
		j.logger.Debug("Journal record nacked", watermill.LogFields{"uuid": msg.UUID, "topic": topic})
	case <-ctx.Done():
		return false
	case <-j.closed:
		return false
	}
	return true
}

// Close stops all tailing subscriptions.
func (j *Journal) Close() error {
	j.once.Do(func() { close(j.closed) })
	j.wg.Wait()
	return nil
}
