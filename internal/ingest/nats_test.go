package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func TestSubscriberIngestsPublishedEvents(t *testing.T) {
	server := startTestNATSServer(t)
	st := newTestStore(t)
	newTestTrace(t, st, "trace-1")

	svc, err := NewService(nil, st, zap.NewNop())
	require.NoError(t, err)

	sub, err := NewSubscriber(&SubscriberConfig{
		URL:     server.ClientURL(),
		Subject: "observer.events.>",
	}, svc, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, sub.Start(context.Background()))
	defer sub.Close()

	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	data, err := json.Marshal(validEnvelope("trace-1"))
	require.NoError(t, err)
	require.NoError(t, nc.Publish("observer.events.trace-1", data))
	require.NoError(t, nc.Flush())

	// Delivery is asynchronous; poll the store for the appended event.
	require.Eventually(t, func() bool {
		events, err := st.EventsSince(context.Background(), "trace-1", time.Time{})
		return err == nil && len(events) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSubscriberDropsUndecodableMessages(t *testing.T) {
	server := startTestNATSServer(t)
	st := newTestStore(t)
	newTestTrace(t, st, "trace-1")

	svc, err := NewService(nil, st, zap.NewNop())
	require.NoError(t, err)

	sub, err := NewSubscriber(&SubscriberConfig{
		URL:     server.ClientURL(),
		Subject: "observer.events.>",
	}, svc, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, sub.Start(context.Background()))
	defer sub.Close()

	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	require.NoError(t, nc.Publish("observer.events.junk", []byte("not json")))

	// A valid envelope published after the junk still lands.
	data, err := json.Marshal(validEnvelope("trace-1"))
	require.NoError(t, err)
	require.NoError(t, nc.Publish("observer.events.trace-1", data))
	require.NoError(t, nc.Flush())

	require.Eventually(t, func() bool {
		events, err := st.EventsSince(context.Background(), "trace-1", time.Time{})
		return err == nil && len(events) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNewSubscriberValidation(t *testing.T) {
	st := newTestStore(t)
	svc, err := NewService(nil, st, zap.NewNop())
	require.NoError(t, err)

	_, err = NewSubscriber(nil, svc, zap.NewNop())
	assert.Error(t, err)

	_, err = NewSubscriber(&SubscriberConfig{URL: "nats://127.0.0.1:4222"}, svc, zap.NewNop())
	assert.Error(t, err)

	_, err = NewSubscriber(&SubscriberConfig{URL: "nats://127.0.0.1:4222", Subject: "x"}, nil, zap.NewNop())
	assert.Error(t, err)
}
