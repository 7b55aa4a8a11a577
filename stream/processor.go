// Package stream reads a long-lived, line-delimited JSON stream and hands each
// decoded event to a sink.
//
// A Processor owns exactly one connection and one worker goroutine. Any
// protocol error ends the connection; reconnecting is the caller's decision.
package stream

import (
	"bufio"
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/filterstream/errors"
	"github.com/c360/filterstream/metric"
)

// LevelTrace sits below debug and is used for raw stream lines.
const LevelTrace = slog.LevelDebug - 4

// DefaultShutdownTimeout bounds how long Close waits for the worker.
const DefaultShutdownTimeout = 5000 * time.Millisecond

// Opener opens the stream connection.
type Opener interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context) (io.ReadCloser, error)

// Open calls f(ctx)
func (f OpenerFunc) Open(ctx context.Context) (io.ReadCloser, error) {
	return f(ctx)
}

// Decoder turns one non-blank line into an envelope.
type Decoder[T any] func(line []byte) (Envelope[T], error)

// Sink receives each delivered event exactly once, on the worker goroutine.
type Sink[T any] func(T) error

type options struct {
	shutdownTimeout time.Duration
	logger          *slog.Logger
	metrics         *metric.Metrics
}

// Option configures a Processor
type Option func(*options)

// WithShutdownTimeout sets how long Close waits for the worker to exit
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records events, empty lines and errors
func WithMetrics(m *metric.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// Processor reads the stream on a single worker goroutine.
type Processor[T any] struct {
	opener  Opener
	decode  Decoder[T]
	sink    Sink[T]
	timeout time.Duration
	logger  *slog.Logger
	metrics *metric.Metrics

	lifecycleMu sync.Mutex
	started     atomic.Bool
	running     atomic.Bool
	cancel      context.CancelFunc
	done        chan struct{}
	closeOnce   sync.Once

	readerMu    sync.Mutex
	reader      io.ReadCloser
	readerOnce  sync.Once
	lastErr     atomic.Pointer[error]
	lastEventAt atomic.Int64
	events      atomic.Int64
}

// NewProcessor creates a processor. No I/O happens until Start.
func NewProcessor[T any](opener Opener, decode Decoder[T], sink Sink[T], opts ...Option) *Processor[T] {
	o := options{
		shutdownTimeout: DefaultShutdownTimeout,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Processor[T]{
		opener:  opener,
		decode:  decode,
		sink:    sink,
		timeout: o.shutdownTimeout,
		logger:  o.logger.With("component", "stream-processor"),
		metrics: o.metrics,
		done:    make(chan struct{}),
	}
}

// Start opens the stream and spawns the worker. Cancelling ctx later stops
// the worker the same way Close does. An open failure is returned as a
// TransportError and leaves the processor not running.
func (p *Processor[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started.Load() {
		return errors.ErrAlreadyStarted
	}

	p.logger.Info("Starting the stream processor")
	reader, err := p.opener.Open(ctx)
	if err != nil {
		var te *errors.TransportError
		if !stderrors.As(err, &te) {
			err = &errors.TransportError{Operation: "open filtered stream", Err: err}
		}
		return errors.Wrap(err, "Processor", "Start", "open stream")
	}

	workerCtx, cancel := context.WithCancel(ctx)
	p.readerMu.Lock()
	p.reader = reader
	p.readerMu.Unlock()
	p.cancel = cancel
	p.running.Store(true)
	p.started.Store(true)

	// A blocked read only returns once the body is closed
	stopClose := context.AfterFunc(workerCtx, p.closeReader)

	go p.run(workerCtx, reader, stopClose)
	return nil
}

func (p *Processor[T]) run(ctx context.Context, reader io.Reader, stopClose func() bool) {
	defer func() {
		p.running.Store(false)
		stopClose()
		p.closeReader()
		close(p.done)
		p.logger.Info("Stream processor worker exited")
	}()

	r := bufio.NewReader(reader)
	for p.running.Load() {
		line, readErr := r.ReadBytes('\n')

		if !p.running.Load() {
			return
		}

		if len(line) > 0 {
			if err := p.handleLine(ctx, bytes.TrimRight(line, "\r\n")); err != nil {
				p.logger.Error("Error while processing stream line, closing the stream", "error", err)
				p.setErr(err)
				return
			}
		}

		if readErr != nil {
			switch {
			case stderrors.Is(readErr, io.EOF):
				p.logger.Info("Stream ended by server")
			case ctx.Err() != nil || !p.running.Load():
				// Reader closed underneath us during shutdown
			default:
				p.logger.Error("Error reading from stream", "error", readErr)
				p.setErr(&errors.TransportError{Operation: "read filtered stream", Err: readErr})
			}
			return
		}
	}
}

func (p *Processor[T]) handleLine(ctx context.Context, line []byte) error {
	if isBlank(line) {
		p.logger.Warn("Empty line received")
		p.metrics.RecordEmptyLine()
		return nil
	}
	p.logger.Log(ctx, LevelTrace, "Stream processor received line", "line", string(line))

	env, err := p.decode(line)
	if err != nil {
		p.metrics.RecordProtocolError()
		return &errors.ProtocolError{Message: "malformed stream line", Err: err}
	}

	if env.HasErrors() {
		details := problemStrings(env.Errors)
		for _, d := range details {
			p.logger.Warn("Received error response from stream", "problem", d)
		}
		p.metrics.RecordProtocolError()
		return &errors.ProtocolError{Message: "error response from stream", Problems: details}
	}

	if env.Data == nil {
		return nil
	}

	if err := p.sink(*env.Data); err != nil {
		p.metrics.RecordSinkError()
		return &errors.ProtocolError{Message: "sink rejected event", Err: err}
	}
	p.metrics.RecordEventReceived()
	p.events.Add(1)
	p.lastEventAt.Store(time.Now().UnixNano())
	return nil
}

func (p *Processor[T]) closeReader() {
	p.readerOnce.Do(func() {
		p.readerMu.Lock()
		reader := p.reader
		p.readerMu.Unlock()
		if reader == nil {
			return
		}
		p.logger.Info("Closing the stream reader")
		if err := reader.Close(); err != nil {
			p.logger.Warn("Error while closing the stream reader", "error", err)
		}
	})
}

func (p *Processor[T]) setErr(err error) {
	p.lastErr.Store(&err)
}

// Close stops the worker: it clears the running flag, closes the reader and
// waits up to the shutdown timeout. It never returns an error and is a no-op
// when called twice or before Start.
func (p *Processor[T]) Close() error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started.Load() {
		return nil
	}

	p.closeOnce.Do(func() {
		p.logger.Info("Shutting down the stream processor")
		p.running.Store(false)
		p.closeReader()
		p.cancel()

		select {
		case <-p.done:
			p.logger.Info("Stream processor shut down")
		case <-time.After(p.timeout):
			p.logger.Warn("Stream processor did not terminate before timeout",
				"timeout_ms", p.timeout.Milliseconds())
		}
	})
	return nil
}

// IsRunning reports whether the worker may still deliver events: the running
// flag is set or the worker has not yet exited.
func (p *Processor[T]) IsRunning() bool {
	if p.running.Load() {
		return true
	}
	if !p.started.Load() {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Done is closed when the worker exits. It never closes for a processor
// that was not started.
func (p *Processor[T]) Done() <-chan struct{} {
	return p.done
}

// Err returns the error that ended the worker, or nil after a clean EOF or
// Close.
func (p *Processor[T]) Err() error {
	if e := p.lastErr.Load(); e != nil {
		return *e
	}
	return nil
}

// Events returns how many events reached the sink
func (p *Processor[T]) Events() int64 {
	return p.events.Load()
}

// LastEventAt returns when the sink last accepted an event
func (p *Processor[T]) LastEventAt() time.Time {
	ns := p.lastEventAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
