package io

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/routeflow/component"
	"github.com/drblury/routeflow/component/componenttest"
)

func receive(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestRegister(t *testing.T) {
	original := component.DefaultRegistry
	defer func() { component.DefaultRegistry = original }()

	component.DefaultRegistry = component.NewRegistry()
	Register()

	caps := component.GetCapabilities(ComponentName)
	assert.Equal(t, "io", caps.Name)
	assert.True(t, caps.SupportsOrdering)
	assert.False(t, caps.SupportsAck)
	assert.Equal(t, component.IOCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	t.Run("uses configured file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "j.log")
		c, err := Build(context.Background(), &componenttest.Config{IOFile: path}, watermill.NopLogger{})
		require.NoError(t, err)

		j := c.(*component.PubSub).Publisher().(*Journal)
		assert.Equal(t, path, j.Path())
	})

	t.Run("falls back to default file", func(t *testing.T) {
		c, err := Build(context.Background(), &componenttest.Config{}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, DefaultFilePath, c.(*component.PubSub).Publisher().(*Journal).Path())
	})
}

func TestJournalPublish(t *testing.T) {
	path := filepath.Join(t.TempDir(), "publish.log")
	j := NewJournal(path, nil)

	msg := message.NewMessage("uuid-1", []byte("payload"))
	msg.Metadata.Set("key", "value")
	require.NoError(t, j.Publish("orders", msg, message.NewMessage("uuid-2", nil)))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "uuid-1")
	assert.Contains(t, string(content), `"topic":"orders"`)
	assert.Contains(t, string(content), `"key":"value"`)
	assert.Len(t, splitLines(content), 2)
}

func splitLines(b []byte) []string {
	var lines []string
	start := 0
	for i, c := range b {
		if c == '\n' {
			lines = append(lines, string(b[start:i]))
			start = i + 1
		}
	}
	return lines
}

func TestJournalSubscribeFiltersTopic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tail.log")
	j := NewJournal(path, nil)
	defer j.Close()

	require.NoError(t, j.Publish("other", message.NewMessage("x", []byte("skip"))))
	require.NoError(t, j.Publish("orders", message.NewMessage("a", []byte("first"))))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := j.Subscribe(ctx, "orders")
	require.NoError(t, err)

	msg := receive(t, ch)
	assert.Equal(t, "a", msg.UUID)
	assert.Equal(t, "first", string(msg.Payload))
	msg.Ack()

	require.NoError(t, j.Publish("orders", message.NewMessage("b", []byte("second"))))
	msg = receive(t, ch)
	assert.Equal(t, "b", msg.UUID)
	msg.Ack()
}

func TestJournalPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.log")
	j := NewJournal(path, nil)
	defer j.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := j.Subscribe(ctx, "t")
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"uuid":"p","topic":"t",`)
	require.NoError(t, err)
	time.Sleep(3 * PollInterval)
	_, err = f.WriteString(`"payload":null}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	msg := receive(t, ch)
	assert.Equal(t, "p", msg.UUID)
	msg.Ack()
}

func TestJournalCloseEndsSubscriptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "close.log")
	j := NewJournal(path, nil)

	ch, err := j.Subscribe(context.Background(), "t")
	require.NoError(t, err)
	require.NoError(t, j.Close())

	_, ok := <-ch
	assert.False(t, ok)
	assert.Error(t, j.Publish("t", message.NewMessage("late", nil)))
}
