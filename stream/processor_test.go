package stream

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/filterstream/errors"
	"github.com/c360/filterstream/metric"
)

type post struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type collector struct {
	mu    sync.Mutex
	posts []post
}

func (c *collector) sink(p post) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.posts = append(c.posts, p)
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.posts)
}

// trackingReader records whether Close was called.
type trackingReader struct {
	io.Reader
	closed atomic.Bool
}

func (t *trackingReader) Close() error {
	t.closed.Store(true)
	return nil
}

func staticOpener(body string) (Opener, *trackingReader) {
	reader := &trackingReader{Reader: strings.NewReader(body)}
	return OpenerFunc(func(context.Context) (io.ReadCloser, error) {
		return reader, nil
	}), reader
}

func dataLine(i int) string {
	return fmt.Sprintf(`{"data":{"id":"%d","text":"post %d"}}`, i, i)
}

func lines(from, to int) []string {
	out := make([]string, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, dataLine(i))
	}
	return out
}

func waitDone(t *testing.T, p *Processor[post]) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit")
	}
}

func TestProcessor_WellFormedStream(t *testing.T) {
	body := strings.Join(lines(1, 11), "\r\n") + "\r\n"
	opener, reader := staticOpener(body)
	c := &collector{}
	m := metric.NewMetrics()

	p := NewProcessor(opener, DecodeJSON[post], c.sink, WithMetrics(m))
	require.NoError(t, p.Start(context.Background()))
	waitDone(t, p)

	require.Equal(t, 11, c.len())
	assert.Equal(t, post{ID: "1", Text: "post 1"}, c.posts[0])
	assert.Equal(t, "11", c.posts[10].ID)
	assert.False(t, p.IsRunning())
	assert.NoError(t, p.Err())
	assert.True(t, reader.closed.Load())
	assert.Equal(t, int64(11), p.Events())
	assert.False(t, p.LastEventAt().IsZero())
	assert.Equal(t, 11.0, testutil.ToFloat64(m.EventsReceived))
}

func TestProcessor_FinalLineWithoutNewline(t *testing.T) {
	opener, _ := staticOpener(strings.Join(lines(1, 3), "\n"))
	c := &collector{}

	p := NewProcessor(opener, DecodeJSON[post], c.sink)
	require.NoError(t, p.Start(context.Background()))
	waitDone(t, p)

	assert.Equal(t, 3, c.len())
}

func TestProcessor_BlankLinesAreSkipped(t *testing.T) {
	all := lines(1, 11)
	body := strings.Join(all[:5], "\n") + "\n\r\n   \n" + strings.Join(all[5:], "\n") + "\n"
	opener, _ := staticOpener(body)
	c := &collector{}
	m := metric.NewMetrics()

	p := NewProcessor(opener, DecodeJSON[post], c.sink, WithMetrics(m))
	require.NoError(t, p.Start(context.Background()))
	waitDone(t, p)

	assert.Equal(t, 11, c.len())
	assert.NoError(t, p.Err())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EmptyLines))
}

func TestProcessor_HeartbeatEnvelopeDeliversNothing(t *testing.T) {
	opener, _ := staticOpener("{}\n" + dataLine(1) + "\n")
	c := &collector{}

	p := NewProcessor(opener, DecodeJSON[post], c.sink)
	require.NoError(t, p.Start(context.Background()))
	waitDone(t, p)

	assert.Equal(t, 1, c.len())
}

func TestProcessor_ProtocolErrorsEndTheStream(t *testing.T) {
	tests := []struct {
		name         string
		badLine      string
		wantProblems []string
	}{
		{
			name:    "malformed line",
			badLine: `{"data": {"id": "7", "text": `,
		},
		{
			name:         "error envelope",
			badLine:      `{"errors":[{"title":"ConnectionException","detail":"This stream is currently at the maximum allowed connection limit."},{"title":"OperationalDisconnect"}]}`,
			wantProblems: []string{"This stream is currently at the maximum allowed connection limit.", "OperationalDisconnect"},
		},
		{
			name:         "errors alongside data",
			badLine:      `{"data":{"id":"7","text":"post 7"},"errors":[{"detail":"rule removed"}]}`,
			wantProblems: []string{"rule removed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			all := append(lines(1, 6), tt.badLine)
			all = append(all, lines(8, 11)...)
			opener, reader := staticOpener(strings.Join(all, "\n") + "\n")
			c := &collector{}
			m := metric.NewMetrics()

			p := NewProcessor(opener, DecodeJSON[post], c.sink, WithMetrics(m))
			require.NoError(t, p.Start(context.Background()))
			waitDone(t, p)

			assert.Equal(t, 6, c.len(), "nothing at or after the bad line reaches the sink")
			assert.False(t, p.IsRunning())
			assert.True(t, reader.closed.Load())
			assert.Equal(t, 1.0, testutil.ToFloat64(m.ProtocolErrors))

			var pe *errors.ProtocolError
			require.True(t, stderrors.As(p.Err(), &pe))
			assert.Equal(t, tt.wantProblems, pe.Problems)
			assert.True(t, errors.IsFatal(p.Err()))
		})
	}
}

func TestProcessor_SinkErrorEndsTheStream(t *testing.T) {
	opener, _ := staticOpener(strings.Join(lines(1, 5), "\n") + "\n")
	calls := 0
	sink := func(p post) error {
		calls++
		if p.ID == "3" {
			return fmt.Errorf("queue rejected %s", p.ID)
		}
		return nil
	}
	m := metric.NewMetrics()

	p := NewProcessor(opener, DecodeJSON[post], sink, WithMetrics(m))
	require.NoError(t, p.Start(context.Background()))
	waitDone(t, p)

	assert.Equal(t, 3, calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SinkErrors))
	var pe *errors.ProtocolError
	require.True(t, stderrors.As(p.Err(), &pe))
	assert.Contains(t, pe.Error(), "queue rejected 3")
}

func TestProcessor_OpenFailure(t *testing.T) {
	opener := OpenerFunc(func(context.Context) (io.ReadCloser, error) {
		return nil, fmt.Errorf("connection refused")
	})
	c := &collector{}

	p := NewProcessor(opener, DecodeJSON[post], c.sink)
	err := p.Start(context.Background())
	require.Error(t, err)

	var te *errors.TransportError
	require.True(t, stderrors.As(err, &te))
	assert.Equal(t, "open filtered stream", te.Operation)
	assert.Contains(t, err.Error(), "connection refused")
	assert.False(t, p.IsRunning())
	assert.NoError(t, p.Close())
}

func TestProcessor_OpenFailureKeepsTransportError(t *testing.T) {
	opener := OpenerFunc(func(context.Context) (io.ReadCloser, error) {
		return nil, &errors.TransportError{Operation: "GET stream", StatusCode: 401}
	})

	p := NewProcessor(opener, DecodeJSON[post], (&collector{}).sink)
	err := p.Start(context.Background())

	var te *errors.TransportError
	require.True(t, stderrors.As(err, &te))
	assert.Equal(t, 401, te.StatusCode)
}

func TestProcessor_StartTwice(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	opener := OpenerFunc(func(context.Context) (io.ReadCloser, error) { return pr, nil })

	p := NewProcessor(opener, DecodeJSON[post], (&collector{}).sink)
	require.NoError(t, p.Start(context.Background()))
	defer p.Close()

	assert.ErrorIs(t, p.Start(context.Background()), errors.ErrAlreadyStarted)
}

func TestProcessor_CloseWhileBlockedOnRead(t *testing.T) {
	pr, pw := io.Pipe()
	opener := OpenerFunc(func(context.Context) (io.ReadCloser, error) { return pr, nil })
	c := &collector{}

	p := NewProcessor(opener, DecodeJSON[post], c.sink)
	require.NoError(t, p.Start(context.Background()))

	_, err := io.WriteString(pw, dataLine(1)+"\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, p.IsRunning())

	start := time.Now()
	require.NoError(t, p.Close())
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, p.IsRunning())
	assert.NoError(t, p.Err(), "read errors after Close are ignored")

	// Writes after close fail because the reader side is gone
	_, err = io.WriteString(pw, dataLine(2)+"\n")
	assert.Error(t, err)
	assert.Equal(t, 1, c.len())
}

func TestProcessor_CloseIsIdempotent(t *testing.T) {
	p := NewProcessor(OpenerFunc(func(context.Context) (io.ReadCloser, error) {
		pr, _ := io.Pipe()
		return pr, nil
	}), DecodeJSON[post], (&collector{}).sink)

	// Before Start
	assert.NoError(t, p.Close())
	assert.False(t, p.IsRunning())

	require.NoError(t, p.Start(context.Background()))
	assert.NoError(t, p.Close())
	assert.NoError(t, p.Close())
	assert.False(t, p.IsRunning())
}

func TestProcessor_CloseTimesOutOnStuckSink(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	sink := func(post) error {
		close(entered)
		<-release
		return nil
	}
	opener, _ := staticOpener(dataLine(1) + "\n")

	p := NewProcessor(opener, DecodeJSON[post], sink, WithShutdownTimeout(50*time.Millisecond))
	require.NoError(t, p.Start(context.Background()))
	<-entered

	start := time.Now()
	assert.NoError(t, p.Close())
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.True(t, p.IsRunning(), "worker is still inside the sink")

	close(release)
	waitDone(t, p)
	assert.False(t, p.IsRunning())
}

func TestProcessor_ContextCancelStopsWorker(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	opener := OpenerFunc(func(context.Context) (io.ReadCloser, error) { return pr, nil })

	ctx, cancel := context.WithCancel(context.Background())
	p := NewProcessor(opener, DecodeJSON[post], (&collector{}).sink)
	require.NoError(t, p.Start(ctx))

	cancel()
	waitDone(t, p)
	assert.False(t, p.IsRunning())
	assert.NoError(t, p.Err())
}

func TestDecodeJSON(t *testing.T) {
	env, err := DecodeJSON[post]([]byte(`{"data":{"id":"1","text":"hi"},"errors":[{"title":"t","detail":"d"}]}`))
	require.NoError(t, err)
	require.NotNil(t, env.Data)
	assert.Equal(t, "hi", env.Data.Text)
	assert.True(t, env.HasErrors())
	assert.Equal(t, "d", env.Errors[0].String())

	_, err = DecodeJSON[post]([]byte(`not json`))
	assert.Error(t, err)
}

func TestProblem_String(t *testing.T) {
	assert.Equal(t, "detail", Problem{Title: "title", Detail: "detail"}.String())
	assert.Equal(t, "title", Problem{Title: "title", Type: "about:blank"}.String())
	assert.Equal(t, "about:blank", Problem{Type: "about:blank"}.String())
}
