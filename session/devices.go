package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/room4-2/revo-live/audio"
	"github.com/room4-2/revo-live/live"
	"github.com/room4-2/revo-live/messages"
	"github.com/room4-2/revo-live/observe"
)

const captureQueue = 16

// ErrSinkClosed is returned by Schedule after the sink is closed.
var ErrSinkClosed = errors.New("session: output closed")

// browserMic exposes the client's binary audio frames as a capture device.
// Only one capture is open at a time; frames arriving with none open are
// dropped.
type browserMic struct {
	maxSize int
	send    func(any)
	logger  *slog.Logger
	metrics *observe.Metrics

	mu      sync.Mutex
	current *browserCapture
}

func (m *browserMic) Open(_ context.Context, sampleRate, frameSize int) (live.Capture, error) {
	c := &browserCapture{
		mic:       m,
		assembler: NewFrameAssembler(frameSize, m.maxSize),
		frames:    make(chan []float32, captureQueue),
	}
	m.mu.Lock()
	m.current = c
	m.mu.Unlock()

	m.send(messages.NewStatusMessage("", "capture_started", fmt.Sprintf("rate=%d;frame=%d", sampleRate, frameSize)))
	return c, nil
}

// feed hands decoded client samples to the open capture.
func (m *browserMic) feed(samples []float32) error {
	m.mu.Lock()
	c := m.current
	m.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.push(samples)
}

type browserCapture struct {
	mic       *browserMic
	assembler *FrameAssembler
	frames    chan []float32

	mu     sync.Mutex
	closed bool
}

func (c *browserCapture) Frames() <-chan []float32 { return c.frames }

func (c *browserCapture) push(samples []float32) error {
	frames, err := c.assembler.Append(samples)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	var dropped int64
	for _, f := range frames {
		select {
		case c.frames <- f:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		c.mic.logger.Warn("dropping capture frames", "dropped", dropped, "queued", len(c.frames))
		if c.mic.metrics != nil {
			c.mic.metrics.FramesDropped.Add(context.Background(), dropped)
		}
	}
	return nil
}

func (c *browserCapture) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.assembler.Clear()
	c.mic.mu.Lock()
	if c.mic.current == c {
		c.mic.current = nil
	}
	c.mic.mu.Unlock()
	return nil
}

// browserSpeaker plays model audio on the client. Buffers are sent ahead of
// time with their start offset on a clock that begins at Open; the client
// anchors that clock when it receives the output_started status.
type browserSpeaker struct {
	send func(any)
	now  func() time.Time
}

func (s *browserSpeaker) Open(_ context.Context, sampleRate int) (live.Sink, error) {
	now := s.now
	if now == nil {
		now = time.Now
	}
	sink := &remoteSink{
		send:   s.send,
		now:    now,
		origin: now(),
		active: make(map[uint64]*remotePlayback),
	}
	s.send(messages.NewStatusMessage("", "output_started", fmt.Sprintf("rate=%d", sampleRate)))
	return sink, nil
}

type remoteSink struct {
	send   func(any)
	now    func() time.Time
	origin time.Time

	mu     sync.Mutex
	nextID uint64
	active map[uint64]*remotePlayback
	closed bool
}

func (s *remoteSink) Now() time.Duration {
	return s.now().Sub(s.origin)
}

func (s *remoteSink) Schedule(buf *audio.Buffer, at time.Duration) (live.Playback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSinkClosed
	}

	s.nextID++
	p := &remotePlayback{sink: s, id: s.nextID, done: make(chan struct{})}
	s.active[p.id] = p

	length := buf.Duration()
	s.send(messages.NewAudioMessage("", p.id, buf.PCM16(), buf.SampleRate, at, length))

	wait := max(at+length-s.Now(), 0)
	p.timer = time.AfterFunc(wait, func() { p.end(false) })
	return p, nil
}

func (s *remoteSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := make([]*remotePlayback, 0, len(s.active))
	for _, p := range s.active {
		pending = append(pending, p)
	}
	s.mu.Unlock()

	for _, p := range pending {
		p.Stop()
	}
	return nil
}

type remotePlayback struct {
	sink  *remoteSink
	id    uint64
	timer *time.Timer
	done  chan struct{}
	once  sync.Once
}

func (p *remotePlayback) Done() <-chan struct{} { return p.done }

// Stop cancels the buffer on the client.
func (p *remotePlayback) Stop() { p.end(true) }

func (p *remotePlayback) end(stopped bool) {
	p.once.Do(func() {
		p.sink.mu.Lock()
		timer := p.timer
		delete(p.sink.active, p.id)
		p.sink.mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		if stopped {
			p.sink.send(messages.NewStopAudioMessage("", p.id))
		}
		close(p.done)
	})
}
