package live

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/genai"
)

func TestToolboxInvoke(t *testing.T) {
	t.Parallel()

	tb := NewToolbox()
	tb.Register(&genai.FunctionDeclaration{Name: "lookup"}, func(_ context.Context, call ToolCall) (*ToolResult, error) {
		return &ToolResult{Output: "found " + call.Args["part"].(string)}, nil
	})

	res, err := tb.Invoke(context.Background(), ToolCall{ID: "x1", Name: "lookup", Args: map[string]any{"part": "filter"}})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	resp, ok := res.response(ToolCall{ID: "x1", Name: "lookup"})
	if !ok {
		t.Fatal("response not owed")
	}
	if resp.ID != "x1" || resp.Name != "lookup" || resp.Output != "found filter" {
		t.Errorf("response = %+v", resp)
	}
}

func TestToolboxInvokeFailures(t *testing.T) {
	t.Parallel()

	tb := NewToolbox()
	tb.Register(&genai.FunctionDeclaration{Name: "broken"}, func(context.Context, ToolCall) (*ToolResult, error) {
		return nil, errors.New("backend down")
	})
	tb.Register(&genai.FunctionDeclaration{Name: "panics"}, func(context.Context, ToolCall) (*ToolResult, error) {
		panic("boom")
	})

	tests := []struct {
		name    string
		tool    string
		wantErr error
	}{
		{"handler error", "broken", ErrToolHandler},
		{"handler panic", "panics", ErrToolHandler},
		{"unknown tool", "missing", ErrUnknownTool},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tb.Invoke(context.Background(), ToolCall{ID: "1", Name: tt.tool})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v; want %v", err, tt.wantErr)
			}
			if !errors.Is(err, ErrToolHandler) {
				t.Errorf("err = %v; want wrapped ErrToolHandler", err)
			}
			if res != nil {
				t.Errorf("res = %+v; want nil", res)
			}
		})
	}
}

func TestToolResultResponseOwed(t *testing.T) {
	t.Parallel()

	call := ToolCall{ID: "x1", Name: "t"}
	tests := []struct {
		name string
		res  *ToolResult
		want bool
	}{
		{"nil result", nil, false},
		{"nil output", &ToolResult{}, false},
		{"empty string", &ToolResult{Output: ""}, false},
		{"guide only", &ToolResult{Guide: &Procedure{Title: "x"}}, false},
		{"text", &ToolResult{Output: "done"}, true},
		{"structured", &ToolResult{Output: map[string]any{"ok": true}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, got := tt.res.response(call); got != tt.want {
				t.Errorf("owed = %v; want %v", got, tt.want)
			}
		})
	}
}

func TestToolboxRegisterReplaces(t *testing.T) {
	t.Parallel()

	tb := NewToolbox()
	if tb.Tools() != nil {
		t.Error("empty toolbox declared tools")
	}

	tb.Register(&genai.FunctionDeclaration{Name: "a", Description: "first"}, func(context.Context, ToolCall) (*ToolResult, error) {
		return &ToolResult{Output: "1"}, nil
	})
	tb.Register(&genai.FunctionDeclaration{Name: "a", Description: "second"}, func(context.Context, ToolCall) (*ToolResult, error) {
		return &ToolResult{Output: "2"}, nil
	})

	tools := tb.Tools()
	if len(tools) != 1 || len(tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("Tools = %+v; want one declaration", tools)
	}
	if got := tools[0].FunctionDeclarations[0].Description; got != "second" {
		t.Errorf("Description = %q; want second", got)
	}
	res, err := tb.Invoke(context.Background(), ToolCall{Name: "a"})
	if err != nil || res.Output != "2" {
		t.Errorf("Invoke = %+v, %v; want output 2", res, err)
	}
}
