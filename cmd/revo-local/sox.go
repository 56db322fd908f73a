package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/room4-2/revo-live/audio"
	"github.com/room4-2/revo-live/live"
)

var errSinkClosed = errors.New("sox: output closed")

// soxMic captures mono float32 audio with sox's rec.
type soxMic struct {
	logger *slog.Logger
}

func (m soxMic) Open(ctx context.Context, sampleRate, frameSize int) (live.Capture, error) {
	cmd := exec.CommandContext(ctx, "rec", "-q",
		"-t", "raw", "-r", strconv.Itoa(sampleRate), "-e", "floating-point", "-b", "32", "-c", "1", "-")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start rec (is sox installed?): %w", err)
	}

	c := &soxCapture{cmd: cmd, frames: make(chan []float32, 16)}
	go c.read(stdout, frameSize, m.logger)
	return c, nil
}

type soxCapture struct {
	cmd    *exec.Cmd
	frames chan []float32
	once   sync.Once
}

func (c *soxCapture) Frames() <-chan []float32 { return c.frames }

// read closes frames when rec exits.
func (c *soxCapture) read(r io.Reader, frameSize int, logger *slog.Logger) {
	defer close(c.frames)
	buf := make([]byte, frameSize*4)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				logger.Debug("rec stopped", "error", err)
			}
			return
		}
		samples, err := audio.DecodeFloat32(buf)
		if err != nil {
			continue
		}
		select {
		case c.frames <- samples:
		default:
			logger.Warn("dropping capture frame")
		}
	}
}

func (c *soxCapture) Close() error {
	c.once.Do(func() {
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		_ = c.cmd.Wait()
	})
	return nil
}

// soxSpeaker plays mono PCM16 with sox's play.
type soxSpeaker struct{}

func (soxSpeaker) Open(ctx context.Context, sampleRate int) (live.Sink, error) {
	cmd := exec.CommandContext(ctx, "play", "-q",
		"-t", "raw", "-r", strconv.Itoa(sampleRate), "-e", "signed-integer", "-b", "16", "-c", "1", "-")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start play (is sox installed?): %w", err)
	}
	return newStreamSink(stdin, func() { _ = cmd.Wait() }, time.Now), nil
}

// streamSink writes each buffer to a PCM stream when its start time comes.
// A stopped buffer that has not been written yet is skipped; one already
// handed to the player finishes playing.
type streamSink struct {
	w      io.WriteCloser
	wait   func()
	now    func() time.Time
	origin time.Time

	queue chan *streamPlayback
	quit  chan struct{}
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

func newStreamSink(w io.WriteCloser, wait func(), now func() time.Time) *streamSink {
	s := &streamSink{
		w:      w,
		wait:   wait,
		now:    now,
		origin: now(),
		queue:  make(chan *streamPlayback, 256),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *streamSink) Now() time.Duration { return s.now().Sub(s.origin) }

func (s *streamSink) Schedule(buf *audio.Buffer, at time.Duration) (live.Playback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errSinkClosed
	}

	p := &streamPlayback{at: at, pcm: buf.PCM16(), done: make(chan struct{})}
	time.AfterFunc(max(at+buf.Duration()-s.Now(), 0), p.Stop)
	select {
	case s.queue <- p:
	default:
		p.Stop()
		return nil, errors.New("sox: output queue full")
	}
	return p, nil
}

func (s *streamSink) pump() {
	defer close(s.done)
	for p := range s.queue {
		if d := p.at - s.Now(); d > 0 {
			select {
			case <-time.After(d):
			case <-s.quit:
			}
		}
		if p.stopped() || s.quitting() {
			p.Stop()
			continue
		}
		if _, err := s.w.Write(p.pcm); err != nil {
			p.Stop()
		}
	}
}

func (s *streamSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.quit)
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	err := s.w.Close()
	if s.wait != nil {
		s.wait()
	}
	return err
}

func (s *streamSink) quitting() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

type streamPlayback struct {
	at   time.Duration
	pcm  []byte
	done chan struct{}
	once sync.Once
}

func (p *streamPlayback) Done() <-chan struct{} { return p.done }

func (p *streamPlayback) Stop() {
	p.once.Do(func() { close(p.done) })
}

func (p *streamPlayback) stopped() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
