package jetstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/filterstream/errors"
	"github.com/c360/filterstream/record"
)

type fakeClient struct {
	mu         sync.Mutex
	streams    []jetstream.StreamConfig
	msgs       []*nats.Msg
	seen       map[string]bool
	ensureErr  error
	publishErr error
	failAfter  int
	healthy    bool
	closed     int
}

func newFakeClient() *fakeClient {
	return &fakeClient{seen: make(map[string]bool), healthy: true, failAfter: -1}
}

func (f *fakeClient) EnsureStream(_ context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensureErr != nil {
		return nil, f.ensureErr
	}
	f.streams = append(f.streams, cfg)
	return nil, nil
}

func (f *fakeClient) PublishMsg(_ context.Context, msg *nats.Msg, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAfter >= 0 && len(f.msgs) >= f.failAfter {
		return nil, f.publishErr
	}
	f.msgs = append(f.msgs, msg)
	id := msg.Header.Get(jetstream.MsgIDHeader)
	dup := id != "" && f.seen[id]
	f.seen[id] = true
	return &jetstream.PubAck{Stream: "TWEETS", Sequence: uint64(len(f.msgs)), Duplicate: dup}, nil
}

func (f *fakeClient) IsHealthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeClient) setHealthy(healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = healthy
}

func (f *fakeClient) WaitForConnection(ctx context.Context) error {
	for !f.IsHealthy() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}

func (f *fakeClient) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	f.healthy = false
	return nil
}

func testRecords(n int) []record.Record {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	out := make([]record.Record, n)
	for i := range out {
		out[i] = record.Record{
			Topic:     "tweets",
			Key:       fmt.Sprintf("conv-%d", i),
			Value:     []byte(fmt.Sprintf(`{"id":"%d"}`, i)),
			Timestamp: ts,
			Headers: []record.Header{
				{Key: record.HeaderTweetID, Value: fmt.Sprint(i)},
				{Key: record.HeaderLang, Value: "en"},
			},
		}
	}
	return out
}

func TestNewPublisher_Validation(t *testing.T) {
	_, err := NewPublisher(context.Background(), Config{URL: "nats://localhost:4222"}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestNewPublisher_EnsuresStream(t *testing.T) {
	client := newFakeClient()
	p, err := newPublisher(context.Background(), DefaultConfig("tweets.in"), client, slog.Default())
	require.NoError(t, err)

	require.Len(t, client.streams, 1)
	assert.Equal(t, "TWEETS", client.streams[0].Name)
	assert.Equal(t, []string{"tweets.in"}, client.streams[0].Subjects)
	assert.Equal(t, 2*time.Minute, client.streams[0].Duplicates)
	assert.Equal(t, "jetstream", p.Meta().Name)
	assert.True(t, p.Health().Healthy)
}

func TestNewPublisher_EnsureStreamFails(t *testing.T) {
	client := newFakeClient()
	client.ensureErr = fmt.Errorf("insufficient resources")

	_, err := newPublisher(context.Background(), DefaultConfig("tweets.in"), client, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient resources")
}

func TestPublisher_Publish(t *testing.T) {
	client := newFakeClient()
	p, err := newPublisher(context.Background(), DefaultConfig("tweets.in"), client, slog.Default())
	require.NoError(t, err)

	require.NoError(t, p.Publish(context.Background(), testRecords(2)))

	require.Len(t, client.msgs, 2)
	msg := client.msgs[1]
	assert.Equal(t, "tweets.in", msg.Subject)
	assert.Equal(t, []byte(`{"id":"1"}`), msg.Data)
	assert.Equal(t, "1", msg.Header.Get(jetstream.MsgIDHeader))
	assert.Equal(t, "1", msg.Header.Get(record.HeaderTweetID))
	assert.Equal(t, "en", msg.Header.Get(record.HeaderLang))
	assert.Equal(t, "conv-1", msg.Header.Get(HeaderKey))
	assert.Equal(t, "2024-03-01T12:00:00Z", msg.Header.Get(HeaderTimestamp))
	assert.False(t, p.DataFlow().LastActivity.IsZero())
}

func TestPublisher_RetriedBatchIsDeduplicated(t *testing.T) {
	client := newFakeClient()
	p, err := newPublisher(context.Background(), DefaultConfig("tweets.in"), client, slog.Default())
	require.NoError(t, err)

	batch := testRecords(3)
	client.failAfter = 1
	client.publishErr = fmt.Errorf("no responders")

	err = p.Publish(context.Background(), batch)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, 1, p.Health().ErrorCount)

	client.failAfter = -1
	require.NoError(t, p.Publish(context.Background(), batch))
	assert.Len(t, client.seen, 3)
}

func TestPublisher_NoTweetIDNoMsgID(t *testing.T) {
	p := &Publisher{cfg: DefaultConfig("tweets.in")}
	msg := p.toMsg(record.Record{Value: []byte("{}")})
	assert.Empty(t, msg.Header.Get(jetstream.MsgIDHeader))
	assert.Empty(t, msg.Header.Get(HeaderKey))
	assert.Empty(t, msg.Header.Get(HeaderTimestamp))
}

func TestPublisher_WaitsForReconnect(t *testing.T) {
	client := newFakeClient()
	p, err := newPublisher(context.Background(), DefaultConfig("tweets.in"), client, slog.Default())
	require.NoError(t, err)

	client.setHealthy(false)
	go func() {
		time.Sleep(20 * time.Millisecond)
		client.setHealthy(true)
	}()

	require.NoError(t, p.Publish(context.Background(), testRecords(1)))
	assert.Len(t, client.msgs, 1)
}

func TestPublisher_ReconnectWaitHonoursContext(t *testing.T) {
	client := newFakeClient()
	p, err := newPublisher(context.Background(), DefaultConfig("tweets.in"), client, slog.Default())
	require.NoError(t, err)
	client.setHealthy(false)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = p.Publish(ctx, testRecords(1))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Empty(t, client.msgs)
	assert.Equal(t, 1, p.Health().ErrorCount)
}

func TestPublisher_Close(t *testing.T) {
	client := newFakeClient()
	p, err := newPublisher(context.Background(), DefaultConfig("tweets.in"), client, slog.Default())
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 1, client.closed)
	assert.False(t, p.Health().Healthy)

	err = p.Publish(context.Background(), testRecords(1))
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
	assert.NoError(t, p.Publish(context.Background(), nil))
}
