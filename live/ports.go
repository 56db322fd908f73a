package live

import (
	"context"
	"time"

	"google.golang.org/genai"

	"github.com/room4-2/revo-live/audio"
)

// ChannelConfig is sent to the remote endpoint when the channel opens.
type ChannelConfig struct {
	APIKey            string
	SystemInstruction string
	Tools             []*genai.Tool
	// InputSampleRate is the rate of the PCM16 frames passed to SendAudio.
	InputSampleRate int
}

// ToolResponse is returned to the remote side for one invocation.
type ToolResponse struct {
	ID     string
	Name   string
	Output any
}

// Channel is an open duplex stream to the remote conversational endpoint.
// Events is closed once the channel has stopped delivering events.
type Channel interface {
	SendAudio(pcm []byte) error
	SendToolResponse(resp ToolResponse) error
	Events() <-chan Event
	Close() error
}

// Dialer opens channels.
type Dialer interface {
	Dial(ctx context.Context, cfg ChannelConfig) (Channel, error)
}

// Capture is an acquired microphone. Frames yields fixed-size buffers of
// normalized samples until Close; it is closed when capture ends.
type Capture interface {
	Frames() <-chan []float32
	Close() error
}

// Microphone acquires capture devices.
type Microphone interface {
	Open(ctx context.Context, sampleRate, frameSize int) (Capture, error)
}

// Playback is one scheduled buffer. Done is closed when the buffer finishes
// playing or is stopped.
type Playback interface {
	Done() <-chan struct{}
	Stop()
}

// Sink is an acquired output device with a monotonic clock.
type Sink interface {
	Now() time.Duration
	Schedule(buf *audio.Buffer, at time.Duration) (Playback, error)
	Close() error
}

// Speaker acquires output sinks.
type Speaker interface {
	Open(ctx context.Context, sampleRate int) (Sink, error)
}

// Listener observes an Engine. Methods must not block and must not call
// Connect or Disconnect on the same engine.
type Listener interface {
	StateChanged(state State, err error)
	Transcript(fragment Fragment, msg Message)
	SignalChanged(sig Signal)
}

type nopListener struct{}

func (nopListener) StateChanged(State, error) {}
func (nopListener) Transcript(Fragment, Message) {}
func (nopListener) SignalChanged(Signal) {}
