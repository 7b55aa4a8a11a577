//go:build integration

package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startJetStreamContainer runs a NATS server with JetStream enabled and
// returns its client URL.
func startJetStreamContainer(ctx context.Context, t *testing.T) string {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "nats:2.11.7-alpine",
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForListeningPort("4222/tcp"),
		Cmd:          []string{"--js"},
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)

	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func TestIntegration_ConnectAndPublish(t *testing.T) {
	ctx := context.Background()
	url := startJetStreamContainer(ctx, t)

	client, err := NewClient(url, WithName("filterstream-test"))
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	defer client.Close(ctx)

	assert.True(t, client.IsHealthy())
	rtt, err := client.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))

	stream, err := client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:       "TWEETS",
		Subjects:   []string{"tweets.>"},
		Duplicates: time.Minute,
	})
	require.NoError(t, err)

	msg := nats.NewMsg("tweets.in")
	msg.Data = []byte(`{"id":"1"}`)
	msg.Header.Set(jetstream.MsgIDHeader, "1")

	ack, err := client.PublishMsg(ctx, msg)
	require.NoError(t, err)
	assert.False(t, ack.Duplicate)

	again, err := client.PublishMsg(ctx, msg)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)
}

func TestIntegration_EnsureStreamIsIdempotent(t *testing.T) {
	ctx := context.Background()
	url := startJetStreamContainer(ctx, t)

	client, err := NewClient(url)
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	defer client.Close(ctx)

	cfg := jetstream.StreamConfig{Name: "TWEETS", Subjects: []string{"tweets.>"}}
	_, err = client.EnsureStream(ctx, cfg)
	require.NoError(t, err)
	_, err = client.EnsureStream(ctx, cfg)
	require.NoError(t, err)
}
