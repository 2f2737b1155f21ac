package nats_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	natsgo "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	natspkg "github.com/sabiedu/sabiedu-edulms/internal/nats"
)

// startEmbeddedNATS starts a non-JetStream embedded NATS server for testing
// the fire-and-forget operation-log mirror.
func startEmbeddedNATS(t *testing.T) *natsserver.Server {
	t.Helper()

	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}

	srv, err := natsserver.NewServer(opts)
	require.NoError(t, err, "failed to create NATS server")

	srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready for connections")
	}

	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})

	return srv
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestClientConnectAndPublish(t *testing.T) {
	srv := startEmbeddedNATS(t)
	cfg := natspkg.DefaultConfig()
	cfg.URL = srv.ClientURL()

	client := natspkg.NewClient(cfg, testLogger())
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	sub, err := natsgo.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer sub.Close()

	ch := make(chan *natsgo.Msg, 1)
	_, err = sub.ChanSubscribe("opslog.agent-1", ch)
	require.NoError(t, err)

	require.NoError(t, client.Publish("opslog.agent-1", []byte(`{"operation":"dequeue"}`)))

	select {
	case msg := <-ch:
		assert.Equal(t, `{"operation":"dequeue"}`, string(msg.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mirrored message")
	}
}

func TestClientPublishNotConnected(t *testing.T) {
	cfg := natspkg.DefaultConfig()
	client := natspkg.NewClient(cfg, testLogger())

	err := client.Publish("opslog.agent-1", []byte("data"))
	assert.ErrorIs(t, err, natspkg.ErrNotConnected)
}

func TestClientConnectInvalidConfig(t *testing.T) {
	client := natspkg.NewClient(natspkg.Config{URL: ""}, testLogger())
	err := client.Connect(context.Background())
	assert.Error(t, err)
}

func TestClientCloseIsIdempotent(t *testing.T) {
	srv := startEmbeddedNATS(t)
	cfg := natspkg.DefaultConfig()
	cfg.URL = srv.ClientURL()

	client := natspkg.NewClient(cfg, testLogger())
	require.NoError(t, client.Connect(context.Background()))

	client.Close()
	client.Close()
}
