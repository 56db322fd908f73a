package live

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/genai"
)

// ToolCall is one invocation requested by the remote side.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResult is what a handler produced. A nil result, or one whose Output is
// nil or empty, sends nothing back to the remote side.
type ToolResult struct {
	// Output is returned to the remote side tagged with the invocation ID.
	Output any
	// Guide, when set, is surfaced as a structured message with Summary as its text.
	Guide   *Procedure
	Summary string
}

// ToolHandler runs one invocation.
type ToolHandler func(ctx context.Context, call ToolCall) (*ToolResult, error)

// Toolbox maps tool names to handlers and carries their declarations for the
// channel setup.
type Toolbox struct {
	mu       sync.RWMutex
	decls    []*genai.FunctionDeclaration
	handlers map[string]ToolHandler
}

// NewToolbox returns an empty Toolbox.
func NewToolbox() *Toolbox {
	return &Toolbox{handlers: make(map[string]ToolHandler)}
}

// Register declares a tool and binds its handler. Registering a name twice
// replaces the previous handler and declaration.
func (t *Toolbox) Register(decl *genai.FunctionDeclaration, h ToolHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, d := range t.decls {
		if d.Name == decl.Name {
			t.decls[i] = decl
			t.handlers[decl.Name] = h
			return
		}
	}
	t.decls = append(t.decls, decl)
	t.handlers[decl.Name] = h
}

// Tools returns the declarations in setup form, or nil when empty.
func (t *Toolbox) Tools() []*genai.Tool {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.decls) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, len(t.decls))
	copy(decls, t.decls)
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// Invoke dispatches call to its handler. Unknown names and handler panics are
// reported as ErrToolHandler.
func (t *Toolbox) Invoke(ctx context.Context, call ToolCall) (res *ToolResult, err error) {
	var h ToolHandler
	if t != nil {
		t.mu.RLock()
		h = t.handlers[call.Name]
		t.mu.RUnlock()
	}
	if h == nil {
		return nil, fmt.Errorf("%w: %w: %q", ErrToolHandler, ErrUnknownTool, call.Name)
	}

	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("%w: %s panicked: %v", ErrToolHandler, call.Name, r)
		}
	}()

	res, err = h(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrToolHandler, call.Name, err)
	}
	return res, nil
}

// response builds the reply for call, or reports false when nothing is owed.
func (r *ToolResult) response(call ToolCall) (ToolResponse, bool) {
	if r == nil || r.Output == nil {
		return ToolResponse{}, false
	}
	if s, ok := r.Output.(string); ok && s == "" {
		return ToolResponse{}, false
	}
	return ToolResponse{ID: call.ID, Name: call.Name, Output: r.Output}, true
}
