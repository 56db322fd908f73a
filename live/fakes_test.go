package live

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/room4-2/revo-live/audio"
	"github.com/room4-2/revo-live/observe"
)

// ─── channel ─────────────────────────────────────────────────────────────────

type fakeChannel struct {
	events chan Event
	done   chan struct{}

	mu        sync.Mutex
	audio     [][]byte
	responses []ToolResponse
	closes    int
	closeOnce sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan Event, 32), done: make(chan struct{})}
}

func (c *fakeChannel) SendAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = append(c.audio, append([]byte(nil), pcm...))
	return nil
}

func (c *fakeChannel) SendToolResponse(resp ToolResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, resp)
	return nil
}

func (c *fakeChannel) Events() <-chan Event { return c.events }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// push delivers ev unless the channel has been closed.
func (c *fakeChannel) push(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *fakeChannel) sentFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.audio...)
}

func (c *fakeChannel) sentResponses() []ToolResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ToolResponse(nil), c.responses...)
}

func (c *fakeChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

type fakeDialer struct {
	channel *fakeChannel
	err     error
	// ready queues a ReadyEvent on dial.
	ready bool

	mu    sync.Mutex
	dials int
	cfg   ChannelConfig
}

func (d *fakeDialer) Dial(_ context.Context, cfg ChannelConfig) (Channel, error) {
	d.mu.Lock()
	d.dials++
	d.cfg = cfg
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	if d.ready {
		d.channel.push(ReadyEvent{})
	}
	return d.channel, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// ─── microphone ──────────────────────────────────────────────────────────────

type fakeCapture struct {
	frames chan []float32

	mu     sync.Mutex
	closes int
}

func (c *fakeCapture) Frames() <-chan []float32 { return c.frames }

func (c *fakeCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeCapture) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

type fakeMic struct {
	capture *fakeCapture
	err     error

	mu    sync.Mutex
	opens int
}

func (m *fakeMic) Open(context.Context, int, int) (Capture, error) {
	m.mu.Lock()
	m.opens++
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.capture, nil
}

func (m *fakeMic) openCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// ─── speaker ─────────────────────────────────────────────────────────────────

type fakePlayback struct {
	at, length time.Duration

	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	stopped bool
}

func (p *fakePlayback) Done() <-chan struct{} { return p.done }

func (p *fakePlayback) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.once.Do(func() { close(p.done) })
}

// finish ends playback naturally.
func (p *fakePlayback) finish() { p.once.Do(func() { close(p.done) }) }

func (p *fakePlayback) wasStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// fakeSink has a manual clock.
type fakeSink struct {
	mu        sync.Mutex
	now       time.Duration
	failNext  error
	playbacks []*fakePlayback
	closes    int
}

func (s *fakeSink) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *fakeSink) setNow(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = d
}

func (s *fakeSink) Schedule(buf *audio.Buffer, at time.Duration) (Playback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext; err != nil {
		s.failNext = nil
		return nil, err
	}
	pb := &fakePlayback{at: at, length: buf.Duration(), done: make(chan struct{})}
	s.playbacks = append(s.playbacks, pb)
	return pb, nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSink) scheduled() []*fakePlayback {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakePlayback(nil), s.playbacks...)
}

func (s *fakeSink) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type fakeSpeaker struct {
	sink *fakeSink
	err  error

	mu    sync.Mutex
	opens int
}

func (sp *fakeSpeaker) Open(context.Context, int) (Sink, error) {
	sp.mu.Lock()
	sp.opens++
	sp.mu.Unlock()
	if sp.err != nil {
		return nil, sp.err
	}
	return sp.sink, nil
}

// ─── listener ────────────────────────────────────────────────────────────────

type recordingListener struct {
	mu      sync.Mutex
	states  []State
	frags   []Fragment
	signals []Signal
}

func (l *recordingListener) StateChanged(s State, _ error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *recordingListener) Transcript(f Fragment, _ Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frags = append(l.frags, f)
}

func (l *recordingListener) SignalChanged(sig Signal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.signals = append(l.signals, sig)
}

func (l *recordingListener) stateLog() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

// gateListener blocks the first Transcript callback until release is closed.
type gateListener struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once

	mu    sync.Mutex
	calls int
}

func newGateListener() *gateListener {
	return &gateListener{entered: make(chan struct{}), release: make(chan struct{})}
}

func (l *gateListener) StateChanged(State, error) {}
func (l *gateListener) SignalChanged(Signal) {}

func (l *gateListener) Transcript(Fragment, Message) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	l.once.Do(func() {
		close(l.entered)
		<-l.release
	})
}

func (l *gateListener) transcriptCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// manualClock is a wall clock advanced by hand.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ─── harness ─────────────────────────────────────────────────────────────────

type harness struct {
	engine   *Engine
	dialer   *fakeDialer
	channel  *fakeChannel
	mic      *fakeMic
	capture  *fakeCapture
	speaker  *fakeSpeaker
	sink     *fakeSink
	listener *recordingListener
	toolbox  *Toolbox
	// opts are appended to the engine options.
	opts []Option
}

// newHarness builds an engine on fakes. mutate may adjust the config and
// fakes before the engine is created.
func newHarness(t *testing.T, mutate func(*Config, *harness)) *harness {
	t.Helper()

	h := &harness{
		channel:  newFakeChannel(),
		capture:  &fakeCapture{frames: make(chan []float32, 8)},
		sink:     &fakeSink{},
		listener: &recordingListener{},
		toolbox:  NewToolbox(),
	}
	h.dialer = &fakeDialer{channel: h.channel, ready: true}
	h.mic = &fakeMic{capture: h.capture}
	h.speaker = &fakeSpeaker{sink: h.sink}

	cfg := Config{
		APIKey:            "test-key",
		SystemInstruction: "You are Revo, an expert mechanic.",
		Toolbox:           h.toolbox,
		HandshakeTimeout:  time.Second,
	}
	if mutate != nil {
		mutate(&cfg, h)
	}

	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	var n int
	var idMu sync.Mutex
	opts := []Option{
		WithListener(h.listener),
		WithMetrics(metrics),
		WithIDGenerator(func() string {
			idMu.Lock()
			defer idMu.Unlock()
			n++
			return "msg-" + strconv.Itoa(n)
		}),
	}
	h.engine = New(cfg, h.dialer, h.mic, h.speaker, append(opts, h.opts...)...)
	t.Cleanup(h.engine.Disconnect)
	return h
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	if err := h.engine.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := h.engine.Status().State; got != StateConnected {
		t.Fatalf("State = %v; want connected", got)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// pcmSeconds returns d of mono PCM16 silence at rate.
func pcmSeconds(d time.Duration, rate int) []byte {
	samples := int(d.Seconds() * float64(rate))
	return make([]byte, samples*2)
}
