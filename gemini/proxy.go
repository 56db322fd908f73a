// Package gemini connects live sessions to the Gemini Live API through the
// official genai SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/room4-2/revo-live/live"
)

const (
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"
	// DefaultVoice is one of Puck, Charon, Kore, Fenrir, Aoede, Leda, Orus, Zephyr.
	DefaultVoice = "Fenrir"

	defaultOutputRate = 24000
	eventBuffer       = 64
)

// ErrClosed is returned by sends on a closed channel.
var ErrClosed = errors.New("gemini: channel closed")

var _ live.Dialer = (*Dialer)(nil)

// liveSession is the part of *genai.Session a channel uses.
type liveSession interface {
	Receive() (*genai.LiveServerMessage, error)
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendToolResponse(input genai.LiveToolResponseInput) error
	Close() error
}

type connectFunc func(ctx context.Context, apiKey, model string, cfg *genai.LiveConnectConfig) (liveSession, error)

// Option configures a Dialer.
type Option func(*Dialer)

// WithModel sets the Live model.
func WithModel(model string) Option {
	return func(d *Dialer) {
		if model != "" {
			d.model = model
		}
	}
}

// WithVoice sets the prebuilt voice.
func WithVoice(voice string) Option {
	return func(d *Dialer) {
		if voice != "" {
			d.voice = voice
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dialer) {
		if l != nil {
			d.logger = l
		}
	}
}

// Dialer opens Gemini Live sessions.
type Dialer struct {
	model   string
	voice   string
	logger  *slog.Logger
	connect connectFunc
}

// NewDialer creates a Dialer.
func NewDialer(opts ...Option) *Dialer {
	d := &Dialer{
		model:   DefaultModel,
		voice:   DefaultVoice,
		logger:  slog.Default(),
		connect: sdkConnect,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func sdkConnect(ctx context.Context, apiKey, model string, cfg *genai.LiveConnectConfig) (liveSession, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	sess, err := client.Live.Connect(ctx, model, cfg)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Dial connects and starts receiving. The returned channel emits a
// ReadyEvent once the server acknowledges the setup.
func (d *Dialer) Dial(ctx context.Context, cfg live.ChannelConfig) (live.Channel, error) {
	sess, err := d.connect(ctx, cfg.APIKey, d.model, d.liveConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("gemini: connect %s: %w", d.model, err)
	}

	rate := cfg.InputSampleRate
	if rate <= 0 {
		rate = live.DefaultInputSampleRate
	}
	ch := newChannel(sess, "audio/pcm;rate="+strconv.Itoa(rate), d.logger)
	go ch.receive()

	d.logger.Info("connected to gemini live", "model", d.model, "voice", d.voice)
	return ch, nil
}

func (d *Dialer) liveConfig(cfg live.ChannelConfig) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		Tools:              cfg.Tools,
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: d.voice},
			},
		},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if cfg.SystemInstruction != "" {
		lc.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: cfg.SystemInstruction}},
		}
	}
	return lc
}

// channel adapts a genai session to live.Channel. The receive goroutine owns
// events and closes it on exit.
type channel struct {
	sess   liveSession
	mime   string
	logger *slog.Logger
	events chan live.Event
	done   chan struct{}

	// sendMu serializes writes; the websocket allows one writer at a time.
	sendMu sync.Mutex
	mu     sync.RWMutex
	closed bool
}

func newChannel(sess liveSession, mime string, logger *slog.Logger) *channel {
	return &channel{
		sess:   sess,
		mime:   mime,
		logger: logger,
		events: make(chan live.Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

func (c *channel) Events() <-chan live.Event { return c.events }

func (c *channel) receive() {
	defer close(c.events)

	for {
		msg, err := c.sess.Receive()
		if err != nil {
			if c.isClosed() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.emit(live.ClosedEvent{})
			} else {
				c.logger.Error("gemini receive", "error", err)
				c.emit(live.ErrorEvent{Err: fmt.Errorf("gemini: receive: %w", err)})
			}
			return
		}
		for _, ev := range translate(msg) {
			if !c.emit(ev) {
				return
			}
		}
	}
}

// emit delivers ev unless Close was called.
func (c *channel) emit(ev live.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *channel) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// SendAudio forwards one PCM16 frame.
func (c *channel) SendAudio(pcm []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	err := c.sess.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{MIMEType: c.mime, Data: pcm},
	})
	if err != nil {
		return fmt.Errorf("gemini: send audio: %w", err)
	}
	return nil
}

// SendToolResponse returns one invocation result to the model.
func (c *channel) SendToolResponse(resp live.ToolResponse) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.sendMu.Lock()
	err := c.sess.SendToolResponse(genai.LiveToolResponseInput{
		FunctionResponses: []*genai.FunctionResponse{{
			ID:       resp.ID,
			Name:     resp.Name,
			Response: map[string]any{"result": map[string]any{"output": resp.Output}},
		}},
	})
	c.sendMu.Unlock()
	if err != nil {
		return fmt.Errorf("gemini: send tool response: %w", err)
	}
	c.logger.Debug("sent tool response", "tool", resp.Name, "id", resp.ID)
	return nil
}

// Close terminates the session. It is idempotent.
func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	return c.sess.Close()
}

// translate turns one server message into engine events in the order they
// must be applied: setup, transcripts, tool calls, audio, interruption.
func translate(msg *genai.LiveServerMessage) []live.Event {
	if msg == nil {
		return nil
	}
	var out []live.Event

	if msg.SetupComplete != nil {
		out = append(out, live.ReadyEvent{})
	}

	sc := msg.ServerContent
	if sc != nil {
		if t := sc.OutputTranscription; t != nil && t.Text != "" {
			out = append(out, live.TranscriptEvent{Role: live.RoleModel, Text: t.Text})
		}
		if t := sc.InputTranscription; t != nil && t.Text != "" {
			out = append(out, live.TranscriptEvent{Role: live.RoleUser, Text: t.Text})
		}
	}

	if tc := msg.ToolCall; tc != nil && len(tc.FunctionCalls) > 0 {
		calls := make([]live.ToolCall, 0, len(tc.FunctionCalls))
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			calls = append(calls, live.ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
		out = append(out, live.ToolCallEvent{Calls: calls})
	}

	if sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
					continue
				}
				out = append(out, live.AudioChunkEvent{
					Data:       p.InlineData.Data,
					SampleRate: sampleRate(p.InlineData.MIMEType),
					Channels:   1,
				})
			}
		}
		if sc.Interrupted {
			out = append(out, live.InterruptedEvent{})
		}
	}

	return out
}

// sampleRate reads the rate parameter of an audio/pcm MIME type.
func sampleRate(mime string) int {
	for _, param := range strings.Split(mime, ";")[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultOutputRate
}
