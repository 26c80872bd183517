package live

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/plantassist/pkg/audio"
	"github.com/vango-go/plantassist/pkg/core"
	"github.com/vango-go/plantassist/pkg/i18n"
	"github.com/vango-go/plantassist/pkg/metrics"
)

// Options configures a Controller.
type Options struct {
	Model    string
	Messages i18n.Catalog
	Encoder  audio.Encoder
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Controller runs at most one live session at a time.
type Controller struct {
	mic     Microphone
	conn    Connector
	model   string
	msgs    i18n.Catalog
	enc     audio.Encoder
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	state       State
	err         error
	gen         uint64
	sess        *session
	startCancel context.CancelFunc
	watchers    map[int]func(StateChange)
	nextW       int
}

type session struct {
	capture Capture
	stream  Stream
	onEvent func(Event)
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time

	sendMu sync.Mutex
	closed bool

	once sync.Once
}

// shutdown releases every resource of the session. The stream is closed
// first so a blocked Send or Receive returns; after shutdown no frame can be
// sent.
func (s *session) shutdown() {
	s.once.Do(func() {
		_ = s.stream.Close()
		s.sendMu.Lock()
		s.closed = true
		s.sendMu.Unlock()
		_ = s.capture.Close()
		s.cancel()
	})
}

// NewController builds a controller over the given microphone and remote
// connector.
func NewController(mic Microphone, conn Connector, opts Options) *Controller {
	c := &Controller{
		mic:      mic,
		conn:     conn,
		model:    opts.Model,
		msgs:     opts.Messages,
		enc:      opts.Encoder,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		watchers: make(map[int]func(StateChange)),
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.msgs.Lang == "" {
		c.msgs = i18n.Default()
	}
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Active reports whether a session is starting or open.
func (c *Controller) Active() bool {
	st := c.State()
	return st == StateStarting || st == StateOpen
}

// Err returns the last session error, cleared by the next Start.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Watch registers fn for state transitions.
func (c *Controller) Watch(fn func(StateChange)) func() {
	c.mu.Lock()
	id := c.nextW
	c.nextW++
	c.watchers[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, id)
			c.mu.Unlock()
		})
	}
}

// Start acquires the microphone, opens a connection configured for audio out
// and transcription in both directions, and begins streaming. It returns
// once the session is open or has failed. Calling Start while a session is
// starting or open does nothing. If ctx ends before the session is open,
// everything acquired so far is released and Start returns ErrStartAborted.
//
// onEvent receives every inbound event on the receive goroutine. It may call
// Stop.
func (c *Controller) Start(ctx context.Context, systemInstruction string, onEvent func(Event)) error {
	c.mu.Lock()
	if c.state == StateStarting || c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	c.state = StateStarting
	c.err = nil
	startCtx, cancel := context.WithCancel(ctx)
	c.startCancel = cancel
	c.mu.Unlock()
	defer cancel()

	c.notify(StateChange{State: StateStarting})

	capture, err := c.mic.Open(startCtx)
	if err != nil {
		if !c.current(gen) {
			return ErrStartAborted
		}
		if ctx.Err() != nil {
			c.abort(gen)
			return ErrStartAborted
		}
		c.fail(gen, &SessionError{
			Message: c.msgs.MicUnavailable,
			Err:     core.NewCapabilityUnavailableError("microphone", err),
		})
		c.metrics.RecordLiveSessionFailed()
		return c.Err()
	}
	if !c.current(gen) || ctx.Err() != nil {
		_ = capture.Close()
		c.abort(gen)
		return ErrStartAborted
	}

	stream, err := c.conn.Connect(startCtx, SessionConfig{
		Model:               c.model,
		SystemInstruction:   systemInstruction,
		AudioOutput:         true,
		InputTranscription:  true,
		OutputTranscription: true,
	})
	if err != nil {
		_ = capture.Close()
		if !c.current(gen) {
			return ErrStartAborted
		}
		if ctx.Err() != nil {
			c.abort(gen)
			return ErrStartAborted
		}
		c.fail(gen, &SessionError{
			Message: c.msgs.ConnectionError,
			Err:     core.NewProviderError("live", err),
		})
		c.metrics.RecordLiveSessionFailed()
		return c.Err()
	}

	// Connectors may ignore ctx while dialing.
	if ctx.Err() != nil {
		_ = stream.Close()
		_ = capture.Close()
		c.abort(gen)
		return ErrStartAborted
	}

	sessCtx, sessCancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		capture: capture,
		stream:  stream,
		onEvent: onEvent,
		ctx:     sessCtx,
		cancel:  sessCancel,
		started: time.Now(),
	}

	c.mu.Lock()
	if c.gen != gen || c.state != StateStarting {
		c.mu.Unlock()
		s.shutdown()
		return ErrStartAborted
	}
	c.sess = s
	c.state = StateOpen
	c.startCancel = nil
	c.mu.Unlock()

	c.metrics.RecordLiveSessionStart()
	c.logger.Info("live session open", "model", c.model)
	c.notify(StateChange{State: StateOpen})

	go c.pump(s)
	go c.receive(s)
	return nil
}

// Stop tears the session down and returns to Idle. It is idempotent and safe
// to call from the event callback. A Start still in progress is aborted and
// releases whatever it acquired.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state == StateIdle && c.sess == nil {
		c.mu.Unlock()
		return
	}
	c.gen++
	s := c.sess
	c.sess = nil
	if c.startCancel != nil {
		c.startCancel()
		c.startCancel = nil
	}
	c.state = StateIdle
	c.mu.Unlock()

	if s != nil {
		s.shutdown()
		c.metrics.RecordLiveSessionEnd("ok", time.Since(s.started))
		c.logger.Info("live session stopped", "duration_ms", time.Since(s.started).Milliseconds())
	}
	c.notify(StateChange{State: StateIdle})
}

func (c *Controller) pump(s *session) {
	frames := s.capture.Frames()
	for {
		select {
		case <-s.ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			blob := c.enc.Encode(f)
			s.sendMu.Lock()
			if s.closed {
				s.sendMu.Unlock()
				return
			}
			err := s.stream.Send(blob)
			s.sendMu.Unlock()
			if err != nil {
				c.end(s, err)
				return
			}
			c.metrics.RecordLiveAudio("in", len(blob.Data))
		}
	}
}

func (c *Controller) receive(s *session) {
	for {
		ev, err := s.stream.Receive()
		if err != nil {
			if errors.Is(err, ErrStreamClosed) || errors.Is(err, io.EOF) {
				c.end(s, nil)
			} else {
				c.end(s, err)
			}
			return
		}
		c.metrics.RecordLiveAudio("out", len(ev.ModelAudio))
		if s.onEvent != nil {
			s.onEvent(ev)
		}
	}
}

// end handles a close or error originating from the session itself. It is a
// no-op if the session was already stopped.
func (c *Controller) end(s *session, cause error) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.gen++
	var sessErr error
	if cause != nil {
		sessErr = &SessionError{Message: c.msgs.ConnectionError, Err: core.NewProviderError("live", cause)}
		c.state = StateError
		c.err = sessErr
	} else {
		c.state = StateIdle
	}
	c.mu.Unlock()

	s.shutdown()
	if cause != nil {
		c.metrics.RecordLiveSessionEnd("error", time.Since(s.started))
		c.logger.Warn("live session failed", "error", cause)
		c.notify(StateChange{State: StateError, Err: sessErr})
		c.settleIdle()
		return
	}
	c.metrics.RecordLiveSessionEnd("ok", time.Since(s.started))
	c.logger.Info("live session closed by remote")
	c.notify(StateChange{State: StateIdle})
}

// fail records a start failure: Error is published, then the controller
// settles back to Idle.
func (c *Controller) fail(gen uint64, err *SessionError) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.state = StateError
	c.err = err
	c.startCancel = nil
	c.mu.Unlock()

	c.logger.Warn("live session start failed", "error", err)
	c.notify(StateChange{State: StateError, Err: err})
	c.settleIdle()
}

// abort returns a start whose caller went away to Idle. It is a no-op when
// Stop already did so.
func (c *Controller) abort(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateStarting {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.state = StateIdle
	c.startCancel = nil
	c.mu.Unlock()
	c.logger.Debug("live session start abandoned by caller")
	c.notify(StateChange{State: StateIdle})
}

func (c *Controller) settleIdle() {
	c.mu.Lock()
	if c.state != StateError {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	err := c.err
	c.mu.Unlock()
	c.notify(StateChange{State: StateIdle, Err: err})
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && c.state == StateStarting
}

func (c *Controller) notify(ch StateChange) {
	c.mu.Lock()
	fns := make([]func(StateChange), 0, len(c.watchers))
	for _, fn := range c.watchers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
}
