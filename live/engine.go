// Package live implements the live voice session engine: a duplex audio
// session with a remote conversational endpoint, gapless playback of the
// remote voice, transcript coalescing, tool-call routing and an activity
// signal for display.
//
// An Engine owns at most one connection at a time. Each connection is served
// by a single loop goroutine that consumes microphone frames, remote events
// and internal completions (playback ends, tool results) in order. Every
// effect is applied only if its connection is still current, so work that
// finishes after Disconnect is discarded.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/room4-2/revo-live/audio"
	"github.com/room4-2/revo-live/observe"
)

const (
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultFrameSize        = 4096
	DefaultHandshakeTimeout = 15 * time.Second

	inboxSize = 64
)

// ErrAborted is returned by Connect when Disconnect interrupted it.
var ErrAborted = errors.New("live: connect aborted")

// Config is fixed for the lifetime of an Engine.
type Config struct {
	// APIKey is the credential for the remote endpoint. Connect fails with
	// ErrCapabilityUnavailable when it is empty.
	APIKey            string
	SystemInstruction string
	Toolbox           *Toolbox

	InputSampleRate  int
	OutputSampleRate int
	FrameSize        int
	CoalesceWindow   time.Duration
	HandshakeTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.InputSampleRate <= 0 {
		c.InputSampleRate = DefaultInputSampleRate
	}
	if c.OutputSampleRate <= 0 {
		c.OutputSampleRate = DefaultOutputSampleRate
	}
	if c.FrameSize <= 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.CoalesceWindow <= 0 {
		c.CoalesceWindow = DefaultCoalesceWindow
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Toolbox == nil {
		c.Toolbox = NewToolbox()
	}
}

// Status is a point-in-time view for the display surface.
type Status struct {
	State         State
	ActivityLevel float64
	ModelSpeaking bool
	// Err is the failure that put the engine in StateError.
	Err error
}

// Option configures an Engine.
type Option func(*Engine)

// WithListener sets the observer notified of state, transcript and signal changes.
func WithListener(l Listener) Option {
	return func(e *Engine) {
		if l != nil {
			e.listener = l
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the metric instruments. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock sets the wall clock used for transcript timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator sets the message ID generator.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) {
		if newID != nil {
			e.newID = newID
		}
	}
}

// Engine runs live sessions for one conversational context.
type Engine struct {
	cfg        Config
	dialer     Dialer
	mic        Microphone
	speaker    Speaker
	listener   Listener
	logger     *slog.Logger
	metrics    *observe.Metrics
	now        func() time.Time
	newID      func() string
	transcript *Aggregator

	// notifyMu serializes listener notifications. Listeners must not call
	// Connect or Disconnect synchronously.
	notifyMu sync.Mutex

	mu    sync.Mutex
	state State
	err   error
	vis   visualizer
	conn  *connection
}

// New creates a disconnected Engine.
func New(cfg Config, dialer Dialer, mic Microphone, speaker Speaker, opts ...Option) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:      cfg,
		dialer:   dialer,
		mic:      mic,
		speaker:  speaker,
		listener: nopListener{},
		logger:   slog.Default(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	e.transcript = NewAggregator(cfg.CoalesceWindow, e.now, e.newID)
	return e
}

// connection holds everything acquired by one Connect call.
type connection struct {
	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan any

	mu       sync.Mutex
	released bool
	sink     Sink
	sched    *Scheduler
	capture  Capture
	channel  Channel

	releaseOnce sync.Once
}

type playbackEnded struct{ id uint64 }

type toolDone struct {
	call ToolCall
	res  *ToolResult
	err  error
	took time.Duration
}

// adopt records an acquired resource. If the connection has already been
// released the resource is closed instead and adopt reports false.
func (c *connection) adopt(set func(), closeFn func() error) bool {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		_ = closeFn()
		return false
	}
	set()
	c.mu.Unlock()
	return true
}

// post hands msg to the loop unless the connection is gone.
func (c *connection) post(msg any) {
	select {
	case c.inbox <- msg:
	case <-c.ctx.Done():
	}
}

// release closes the channel, capture, playback and sink exactly once.
func (c *connection) release(logger *slog.Logger) {
	c.releaseOnce.Do(func() {
		c.mu.Lock()
		c.released = true
		channel, capture, sched, sink := c.channel, c.capture, c.sched, c.sink
		c.mu.Unlock()

		c.cancel()

		if channel != nil {
			if err := channel.Close(); err != nil {
				logger.Debug("close channel", "error", err)
			}
		}
		if capture != nil {
			if err := capture.Close(); err != nil {
				logger.Debug("close capture", "error", err)
			}
		}
		if sched != nil {
			sched.Reset()
		}
		if sink != nil {
			if err := sink.Close(); err != nil {
				logger.Debug("close sink", "error", err)
			}
		}
	})
}

// Connect acquires the output sink, the microphone and the remote channel,
// waits for the remote ready signal and starts streaming. Any failure tears
// everything down and leaves the engine in StateError.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	if e.state.Live() {
		e.mu.Unlock()
		return ErrSessionActive
	}
	if e.cfg.APIKey == "" {
		e.state = StateError
		e.err = ErrCapabilityUnavailable
		e.mu.Unlock()

		e.logger.Error("live session unavailable", "error", ErrCapabilityUnavailable)
		e.metrics.RecordConnect(ctx, connectStatus(ErrCapabilityUnavailable), 0)
		e.publishState()
		return ErrCapabilityUnavailable
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &connection{ctx: cctx, cancel: cancel, inbox: make(chan any, inboxSize)}
	e.conn = c
	e.state = StateConnecting
	e.err = nil
	e.mu.Unlock()

	e.logger.Info("live session connecting")
	e.publishState()

	started := time.Now()
	pending, err := e.open(ctx, c)
	if err != nil {
		e.metrics.RecordConnect(ctx, connectStatus(err), time.Since(started))
		return err
	}

	e.mu.Lock()
	if e.conn != c {
		e.mu.Unlock()
		c.release(e.logger)
		e.metrics.RecordConnect(ctx, connectStatus(ErrAborted), time.Since(started))
		return ErrAborted
	}
	e.state = StateConnected
	e.mu.Unlock()

	e.metrics.RecordConnect(ctx, "ok", time.Since(started))
	e.metrics.ActiveSessions.Add(ctx, 1)
	e.logger.Info("live session connected", "took", time.Since(started))
	e.publishState()

	go e.run(c, pending)
	return nil
}

// open acquires resources for c in order and waits for the ready signal.
// Events that arrive before ready are returned for replay.
func (e *Engine) open(ctx context.Context, c *connection) ([]Event, error) {
	sink, err := e.speaker.Open(ctx, e.cfg.OutputSampleRate)
	if err != nil {
		return nil, e.fail(c, fmt.Errorf("%w: output: %w", ErrDeviceAcquisition, err))
	}
	if !c.adopt(func() {
		c.sink = sink
		c.sched = NewScheduler(sink, func(id uint64) { c.post(playbackEnded{id: id}) })
	}, sink.Close) {
		return nil, ErrAborted
	}

	capture, err := e.mic.Open(ctx, e.cfg.InputSampleRate, e.cfg.FrameSize)
	if err != nil {
		return nil, e.fail(c, fmt.Errorf("%w: microphone: %w", ErrDeviceAcquisition, err))
	}
	if !c.adopt(func() { c.capture = capture }, capture.Close) {
		return nil, ErrAborted
	}

	channel, err := e.dialer.Dial(ctx, ChannelConfig{
		APIKey:            e.cfg.APIKey,
		SystemInstruction: e.cfg.SystemInstruction,
		Tools:             e.cfg.Toolbox.Tools(),
		InputSampleRate:   e.cfg.InputSampleRate,
	})
	if err != nil {
		return nil, e.fail(c, fmt.Errorf("%w: %w", ErrChannelHandshake, err))
	}
	if !c.adopt(func() { c.channel = channel }, channel.Close) {
		return nil, ErrAborted
	}

	pending, err := e.awaitReady(ctx, c, channel)
	if err != nil {
		if errors.Is(err, ErrAborted) {
			return nil, err
		}
		return nil, e.fail(c, err)
	}
	return pending, nil
}

func (e *Engine) awaitReady(ctx context.Context, c *connection, ch Channel) ([]Event, error) {
	timer := time.NewTimer(e.cfg.HandshakeTimeout)
	defer timer.Stop()

	var pending []Event
	for {
		select {
		case ev, ok := <-ch.Events():
			if !ok {
				return nil, fmt.Errorf("%w: channel closed before ready", ErrChannelHandshake)
			}
			switch ev := ev.(type) {
			case ReadyEvent:
				return pending, nil
			case ClosedEvent:
				return nil, fmt.Errorf("%w: remote closed before ready", ErrChannelHandshake)
			case ErrorEvent:
				return nil, fmt.Errorf("%w: %w", ErrChannelHandshake, ev.Err)
			default:
				pending = append(pending, ev)
			}
		case <-timer.C:
			return nil, fmt.Errorf("%w: no ready signal within %s", ErrChannelHandshake, e.cfg.HandshakeTimeout)
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrChannelHandshake, ctx.Err())
		case <-c.ctx.Done():
			return nil, ErrAborted
		}
	}
}

// fail tears c down into StateError and returns err.
func (e *Engine) fail(c *connection, err error) error {
	if !e.teardown(c, StateError, err) {
		return ErrAborted
	}
	return err
}

// Disconnect tears down the current connection. It is safe from any state
// and any goroutine other than a Listener callback; once disconnected it does
// nothing.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	c := e.conn
	if c == nil {
		changed := e.state != StateDisconnected
		e.state = StateDisconnected
		e.err = nil
		e.mu.Unlock()
		if changed {
			e.publishState()
		}
		return
	}
	e.mu.Unlock()

	e.teardown(c, StateDisconnected, nil)
}

// teardown releases c and moves to final if c is still current.
func (e *Engine) teardown(c *connection, final State, cause error) bool {
	e.mu.Lock()
	if e.conn != c {
		e.mu.Unlock()
		return false
	}
	wasConnected := e.state == StateConnected
	e.conn = nil
	e.state = final
	e.err = cause
	e.vis.reset()
	e.mu.Unlock()

	c.release(e.logger)

	if wasConnected {
		e.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	if cause != nil {
		e.logger.Error("live session failed", "error", cause)
	} else {
		e.logger.Info("live session disconnected")
	}
	e.publishState()
	e.publishSignal()
	return true
}

// run is the per-connection loop.
func (e *Engine) run(c *connection, pending []Event) {
	for _, ev := range pending {
		if e.handleEvent(c, ev) {
			return
		}
	}

	frames := c.capture.Frames()
	events := c.channel.Events()
	for {
		if c.ctx.Err() != nil {
			return
		}
		select {
		case <-c.ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				e.fail(c, fmt.Errorf("%w: capture stopped", ErrDeviceAcquisition))
				return
			}
			e.handleFrame(c, frame)
		case ev, ok := <-events:
			if !ok {
				e.teardown(c, StateDisconnected, nil)
				return
			}
			if e.handleEvent(c, ev) {
				return
			}
		case msg := <-c.inbox:
			e.handleInternal(c, msg)
		}
	}
}

// handleFrame encodes and sends one microphone frame. Silent frames are sent
// too; voice activity detection is the remote side's job.
func (e *Engine) handleFrame(c *connection, frame []float32) {
	pcm := audio.EncodePCM16(frame)
	rms := audio.RMS(frame)
	e.updateSignal(c, func(v *visualizer) bool { return v.mic(rms) })

	if err := c.channel.SendAudio(pcm); err != nil {
		if c.ctx.Err() == nil {
			e.logger.Warn("send audio frame", "error", err)
		}
		return
	}
	e.metrics.FramesSent.Add(c.ctx, 1)
}

// current reports whether c is still the engine's connection.
func (e *Engine) current(c *connection) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn == c
}

// handleEvent applies one remote event and reports whether the loop must stop.
// Events for a connection that is no longer current are discarded.
func (e *Engine) handleEvent(c *connection, ev Event) bool {
	if !e.current(c) {
		return true
	}
	switch ev := ev.(type) {
	case TranscriptEvent:
		if ev.Text == "" {
			return false
		}
		// e.mu orders the append against teardown.
		e.mu.Lock()
		if e.conn != c {
			e.mu.Unlock()
			return true
		}
		frag, msg := e.transcript.Add(ev.Role, ev.Text)
		e.mu.Unlock()
		e.listener.Transcript(frag, msg)

	case AudioChunkEvent:
		e.playChunk(c, ev)

	case ToolCallEvent:
		for _, call := range ev.Calls {
			e.dispatchTool(c, call)
		}

	case InterruptedEvent:
		stopped := c.sched.Interrupt()
		e.metrics.Interruptions.Add(c.ctx, 1)
		e.logger.Debug("playback interrupted", "stopped", stopped, "cursor", c.sched.Cursor())
		e.updateSignal(c, func(v *visualizer) bool { return v.speaking(false) })

	case ReadyEvent:

	case ClosedEvent:
		e.teardown(c, StateDisconnected, nil)
		return true

	case ErrorEvent:
		e.teardown(c, StateError, fmt.Errorf("%w: %w", ErrChannelRuntime, ev.Err))
		return true
	}
	return false
}

// playChunk decodes and schedules one remote chunk. A chunk that fails to
// decode is dropped without touching the cursor.
func (e *Engine) playChunk(c *connection, ev AudioChunkEvent) {
	if len(ev.Data) == 0 {
		return
	}
	rate, channels := ev.SampleRate, ev.Channels
	if rate <= 0 {
		rate = e.cfg.OutputSampleRate
	}
	if channels <= 0 {
		channels = 1
	}

	buf, err := audio.DecodePCM16(ev.Data, rate, channels)
	if err != nil {
		e.metrics.DecodeFailures.Add(c.ctx, 1)
		e.logger.Warn("dropping audio chunk", "error", fmt.Errorf("%w: %w", ErrDecode, err), "bytes", len(ev.Data))
		return
	}
	if c.ctx.Err() != nil {
		return
	}

	s, err := c.sched.Schedule(buf)
	if err != nil {
		if !errors.Is(err, ErrSchedulerClosed) {
			e.logger.Warn("dropping audio chunk", "error", err)
		}
		return
	}
	e.metrics.ChunksScheduled.Add(c.ctx, 1)
	e.logger.Debug("scheduled audio chunk", "id", s.ID, "start", s.Start, "end", s.End)
	e.updateSignal(c, func(v *visualizer) bool { return v.speaking(true) })
}

// dispatchTool runs the handler off the loop and posts its result back.
func (e *Engine) dispatchTool(c *connection, call ToolCall) {
	e.logger.Info("tool call", "tool", call.Name, "id", call.ID)
	go func() {
		started := time.Now()
		res, err := e.cfg.Toolbox.Invoke(c.ctx, call)
		c.post(toolDone{call: call, res: res, err: err, took: time.Since(started)})
	}()
}

func (e *Engine) handleInternal(c *connection, msg any) {
	if !e.current(c) {
		return
	}
	switch m := msg.(type) {
	case playbackEnded:
		if !c.sched.Speaking() {
			e.updateSignal(c, func(v *visualizer) bool { return v.speaking(false) })
		}

	case toolDone:
		if m.err != nil {
			e.metrics.RecordToolCall(c.ctx, m.call.Name, "error", m.took)
			e.logger.Warn("tool call failed", "tool", m.call.Name, "id", m.call.ID, "error", m.err)
			return
		}
		e.metrics.RecordToolCall(c.ctx, m.call.Name, "ok", m.took)

		if m.res != nil && m.res.Guide != nil {
			e.mu.Lock()
			if e.conn != c {
				e.mu.Unlock()
				return
			}
			msg := e.transcript.AddGuide(RoleModel, m.res.Summary, m.res.Guide)
			e.mu.Unlock()
			e.listener.Transcript(Fragment{Role: RoleModel, Text: msg.Text, At: msg.UpdatedAt}, msg)
		}

		resp, ok := m.res.response(m.call)
		if !ok {
			e.logger.Debug("tool call produced no response", "tool", m.call.Name, "id", m.call.ID)
			return
		}
		if err := c.channel.SendToolResponse(resp); err != nil {
			e.logger.Warn("send tool response", "tool", m.call.Name, "id", m.call.ID, "error", err)
		}
	}
}

// updateSignal applies fn to the visualizer if c is still current.
func (e *Engine) updateSignal(c *connection, fn func(*visualizer) bool) {
	e.mu.Lock()
	if e.conn != c {
		e.mu.Unlock()
		return
	}
	changed := fn(&e.vis)
	e.mu.Unlock()

	if changed {
		e.publishSignal()
	}
}

// publishState reports the current state. Notifications are serialized and
// always read the latest value, so the last one a listener sees is current.
func (e *Engine) publishState() {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	st := e.Status()
	e.listener.StateChanged(st.State, st.Err)
}

func (e *Engine) publishSignal() {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	e.mu.Lock()
	sig := e.vis.sig
	e.mu.Unlock()
	e.listener.SignalChanged(sig)
}

// Status returns the current state and display signal.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		State:         e.state,
		ActivityLevel: e.vis.sig.Level,
		ModelSpeaking: e.vis.sig.Speaking,
		Err:           e.err,
	}
}

// Messages returns the conversation so far.
func (e *Engine) Messages() []Message {
	return e.transcript.History()
}

// Notice appends a system message to the conversation.
func (e *Engine) Notice(text string) Message {
	msg := e.transcript.Post(RoleSystem, text)
	e.listener.Transcript(Fragment{Role: RoleSystem, Text: text, At: msg.UpdatedAt}, msg)
	return msg
}

// SystemInstruction returns the instruction sent at every connect.
func (e *Engine) SystemInstruction() string {
	return e.cfg.SystemInstruction
}
