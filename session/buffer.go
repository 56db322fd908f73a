package session

import (
	"errors"
	"sync"
)

// ErrBufferFull is returned when the buffer exceeds its maximum size
var ErrBufferFull = errors.New("audio buffer full")

const bytesPerSample = 4 // float32

// FrameAssembler regroups browser audio of any length into fixed-size
// capture frames.
type FrameAssembler struct {
	frameSize int
	maxSize   int // bytes of pending samples
	pending   []float32
	mu        sync.Mutex
}

// NewFrameAssembler creates an assembler emitting frames of frameSize samples
// and holding at most maxSize bytes of samples that do not yet fill a frame
// plus the incoming chunk.
func NewFrameAssembler(frameSize, maxSize int) *FrameAssembler {
	return &FrameAssembler{
		frameSize: frameSize,
		maxSize:   maxSize,
		pending:   make([]float32, 0, frameSize),
	}
}

// Append adds samples and returns every frame they complete, in order.
// Returns ErrBufferFull if the chunk would exceed maxSize; nothing is kept.
func (fa *FrameAssembler) Append(samples []float32) ([][]float32, error) {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	if (len(fa.pending)+len(samples))*bytesPerSample > fa.maxSize {
		return nil, ErrBufferFull
	}

	fa.pending = append(fa.pending, samples...)

	var frames [][]float32
	for len(fa.pending) >= fa.frameSize {
		frame := make([]float32, fa.frameSize)
		copy(frame, fa.pending[:fa.frameSize])
		frames = append(frames, frame)
		fa.pending = fa.pending[fa.frameSize:]
	}

	// Compact so the backing array does not grow without bound.
	if len(fa.pending) > 0 {
		rest := make([]float32, len(fa.pending), fa.frameSize)
		copy(rest, fa.pending)
		fa.pending = rest
	} else {
		fa.pending = fa.pending[:0:0]
	}
	return frames, nil
}

// Clear drops any partial frame
func (fa *FrameAssembler) Clear() {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.pending = nil
}

// Pending returns the number of samples waiting for a full frame
func (fa *FrameAssembler) Pending() int {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return len(fa.pending)
}
