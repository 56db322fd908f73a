package live

import (
	"errors"
	"sync"
)

var (
	// ErrHostClosed is returned by Switch after Close.
	ErrHostClosed = errors.New("live: host closed")

	// ErrSwitchSuperseded is returned by Switch when another Switch started
	// while its engine was being built.
	ErrSwitchSuperseded = errors.New("live: switch superseded")
)

// Factory builds the engine for a conversational context. It may block; the
// Host does not hold its lock while it runs.
type Factory func(contextID string) (*Engine, error)

// Host keeps at most one Engine per caller, bound to the current context.
// Switching context always disconnects the previous engine before the new one
// is built, so a live session is never re-targeted.
type Host struct {
	factory Factory

	mu        sync.Mutex
	contextID string
	engine    *Engine
	gen       uint64
	closed    bool
}

// NewHost creates a Host with no current context.
func NewHost(factory Factory) *Host {
	return &Host{factory: factory}
}

// Switch makes contextID current and returns its engine. Switching to the
// current context returns the existing engine unchanged. While the new engine
// is being built the Host has no current engine.
func (h *Host) Switch(contextID string) (*Engine, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHostClosed
	}
	if h.engine != nil && h.contextID == contextID {
		eng := h.engine
		h.mu.Unlock()
		return eng, nil
	}
	prev := h.engine
	h.engine = nil
	h.contextID = ""
	h.gen++
	gen := h.gen
	h.mu.Unlock()

	if prev != nil {
		prev.Disconnect()
	}

	eng, err := h.factory(contextID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.closed || h.gen != gen {
		closed := h.closed
		h.mu.Unlock()
		eng.Disconnect()
		if closed {
			return nil, ErrHostClosed
		}
		return nil, ErrSwitchSuperseded
	}
	h.engine = eng
	h.contextID = contextID
	h.mu.Unlock()
	return eng, nil
}

// Engine returns the current engine and its context, or nil.
func (h *Host) Engine() (*Engine, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engine, h.contextID
}

// Close disconnects the current engine. Close is idempotent.
func (h *Host) Close() {
	h.mu.Lock()
	eng := h.engine
	h.engine = nil
	h.contextID = ""
	h.closed = true
	h.mu.Unlock()

	if eng != nil {
		eng.Disconnect()
	}
}
