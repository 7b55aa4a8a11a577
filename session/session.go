// Package session sequences one filtered stream connection: reconcile the
// server-side rules, open the stream, run the processor and close it again.
//
// The lifecycle is a looplab/fsm state machine:
//
//	idle -> reconciling -> streaming -> closing -> closed
//	        reconciling -> closed              (startup failure)
//	idle -> closed                             (closed before start)
//	        reconciling -> closed              (closed during startup)
//
// Close never waits on startup: closing a reconciling session cancels the
// startup context and returns, and Start then fails without opening the
// stream.
//
// A session is single use. Once closed, build a new one to reconnect.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/c360/filterstream/errors"
	"github.com/c360/filterstream/metric"
	"github.com/c360/filterstream/stream"
)

// State is a session lifecycle state
type State string

// Session states
const (
	StateIdle        State = "idle"
	StateReconciling State = "reconciling"
	StateStreaming   State = "streaming"
	StateClosing     State = "closing"
	StateClosed      State = "closed"
)

// Startup stages reported by StartupError
const (
	StageReconcile = "reconcile"
	StageOpen      = "open"
)

const (
	eventReconcile = "reconcile"
	eventStream    = "stream"
	eventFail      = "fail"
	eventClose     = "close"
	eventFinish    = "finish"
	eventAbandon   = "abandon"
)

// gaugeValue maps a state onto the session_state gauge
func (s State) gaugeValue() int {
	switch s {
	case StateIdle:
		return 0
	case StateReconciling:
		return 1
	case StateStreaming:
		return 2
	case StateClosing:
		return 3
	case StateClosed:
		return 4
	default:
		return -1
	}
}

// Reconciler establishes the server-side rules before streaming
type Reconciler interface {
	Reconcile(ctx context.Context, keywords []string) error
}

type options struct {
	shutdownTimeout time.Duration
	logger          *slog.Logger
	metrics         *metric.Metrics
}

// Option configures a Session
type Option func(*options)

// WithShutdownTimeout bounds how long Close waits for the stream worker
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

// WithMetrics records state transitions and stream events
func WithMetrics(m *metric.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// Session owns one reconcile-then-stream lifecycle.
type Session[T any] struct {
	reconciler Reconciler
	processor  *stream.Processor[T]
	keywords   []string

	logger  *slog.Logger
	metrics *metric.Metrics

	// mu serializes lifecycle transitions; fsm guards its own state. It is
	// not held across Reconcile or the stream open.
	mu     sync.Mutex
	fsm    *fsm.FSM
	cancel context.CancelFunc
	closed chan struct{}
	once   sync.Once
}

// New builds an idle session. Nothing is contacted until Start.
func New[T any](
	reconciler Reconciler,
	opener stream.Opener,
	decode stream.Decoder[T],
	sink stream.Sink[T],
	keywords []string,
	opts ...Option,
) *Session[T] {
	o := options{
		shutdownTimeout: stream.DefaultShutdownTimeout,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Session[T]{
		reconciler: reconciler,
		keywords:   append([]string(nil), keywords...),
		logger:     o.logger.With("component", "stream-session"),
		metrics:    o.metrics,
		closed:     make(chan struct{}),
	}
	s.processor = stream.NewProcessor(opener, decode, sink,
		stream.WithShutdownTimeout(o.shutdownTimeout),
		stream.WithLogger(o.logger),
		stream.WithMetrics(o.metrics),
	)

	s.fsm = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: eventReconcile, Src: []string{string(StateIdle)}, Dst: string(StateReconciling)},
			{Name: eventStream, Src: []string{string(StateReconciling)}, Dst: string(StateStreaming)},
			{Name: eventFail, Src: []string{string(StateReconciling)}, Dst: string(StateClosed)},
			{Name: eventClose, Src: []string{string(StateStreaming)}, Dst: string(StateClosing)},
			{Name: eventFinish, Src: []string{string(StateClosing)}, Dst: string(StateClosed)},
			{Name: eventAbandon, Src: []string{string(StateIdle), string(StateReconciling)}, Dst: string(StateClosed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.metrics.RecordSessionState(State(e.Dst).gaugeValue())
				s.logger.Debug("Session state changed", "from", e.Src, "to", e.Dst, "event", e.Event)
			},
			"enter_" + string(StateClosed): func(_ context.Context, _ *fsm.Event) {
				s.once.Do(func() { close(s.closed) })
			},
		},
	)
	s.metrics.RecordSessionState(StateIdle.gaugeValue())

	return s
}

// Start reconciles the rules and opens the stream. Any failure leaves the
// session closed and is returned as a StartupError naming the stage.
// Cancelling ctx later stops the stream the same way Close does.
func (s *Session[T]) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.State() != StateIdle {
		s.mu.Unlock()
		return errors.ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.transition(eventReconcile)
	s.mu.Unlock()

	s.logger.Info("Reconciling stream rules", "keywords", s.keywords)
	err := s.reconciler.Reconcile(runCtx, s.keywords)
	if err := s.checkStartup(StageReconcile, err); err != nil {
		return err
	}

	err = s.processor.Start(runCtx)
	if err := s.checkStartup(StageOpen, err); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateReconciling {
		_ = s.processor.Close()
		return &errors.StartupError{Stage: StageOpen, Err: errors.ErrShuttingDown}
	}
	s.transition(eventStream)
	go s.watch()

	s.logger.Info("Streaming started")
	return nil
}

// checkStartup ends a startup step. It fails the session on err and reports
// a Close that happened while the step ran.
func (s *Session[T]) checkStartup(stage string, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateReconciling {
		if stage == StageOpen && err == nil {
			_ = s.processor.Close()
		}
		s.logger.Info("Session closed during startup", "stage", stage)
		if err != nil {
			return &errors.StartupError{Stage: stage, Err: fmt.Errorf("%w: %w", errors.ErrShuttingDown, err)}
		}
		return &errors.StartupError{Stage: stage, Err: errors.ErrShuttingDown}
	}

	if err != nil {
		s.transition(eventFail)
		s.cancel()
		if stage == StageReconcile {
			s.logger.Error("Rule reconciliation failed", "error", err)
		} else {
			s.logger.Error("Opening the filtered stream failed", "error", err)
		}
		return &errors.StartupError{Stage: stage, Err: err}
	}
	return nil
}

// watch closes the session when the worker ends on its own.
func (s *Session[T]) watch() {
	<-s.processor.Done()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateStreaming {
		return
	}

	if err := s.processor.Err(); err != nil {
		s.logger.Warn("Stream ended with an error", "error", err)
	} else {
		s.logger.Info("Stream ended")
	}

	s.transition(eventClose)
	_ = s.processor.Close()
	s.cancel()
	s.transition(eventFinish)
}

// Stop is Close.
func (s *Session[T]) Stop() error {
	return s.Close()
}

// Close stops the stream and waits for the worker up to the shutdown
// timeout. It is idempotent, safe before Start and does not wait for a
// startup in progress.
func (s *Session[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateIdle:
		s.transition(eventAbandon)
	case StateReconciling:
		s.logger.Info("Abandoning stream session startup")
		s.cancel()
		s.transition(eventAbandon)
	case StateStreaming:
		s.logger.Info("Stopping the stream session")
		s.transition(eventClose)
		_ = s.processor.Close()
		s.cancel()
		s.transition(eventFinish)
	}
	return nil
}

// IsRunning reports whether the stream worker is alive.
func (s *Session[T]) IsRunning() bool {
	return s.processor.IsRunning()
}

// State returns the current lifecycle state
func (s *Session[T]) State() State {
	return State(s.fsm.Current())
}

// Done is closed once the session reaches StateClosed.
func (s *Session[T]) Done() <-chan struct{} {
	return s.closed
}

// Err returns the error that ended the stream, if any.
func (s *Session[T]) Err() error {
	return s.processor.Err()
}

// Events returns how many events reached the sink
func (s *Session[T]) Events() int64 {
	return s.processor.Events()
}

// LastEventAt returns when the sink last accepted an event
func (s *Session[T]) LastEventAt() time.Time {
	return s.processor.LastEventAt()
}

// transition fires an event whose source state the caller has checked. The
// fsm drops transitions under a cancelled context, so none is passed.
func (s *Session[T]) transition(event string) {
	if err := s.fsm.Event(context.Background(), event); err != nil {
		s.logger.Error("Invalid session transition", "event", event, "state", s.fsm.Current(), "error", err)
	}
}
