// Package functions declares the tools the live model may call and their
// handlers.
package functions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/room4-2/revo-live/live"
)

const (
	CreateProcedureName = "create_procedure"

	procedureAck     = "Checklist created and displayed to user."
	unknownTime      = "Unknown"
	procedurePreface = "I've prepared a repair checklist for: "
)

// ErrInvalidArgs is returned when the model's arguments cannot form a procedure.
var ErrInvalidArgs = errors.New("functions: invalid arguments")

// CreateProcedureDeclaration returns the function declaration for Gemini.
func CreateProcedureDeclaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        CreateProcedureName,
		Description: "Generate an interactive repair checklist for a specific automotive procedure.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"title": {
					Type:        genai.TypeString,
					Description: `The name of the repair procedure (e.g., "Alternator Replacement").`,
				},
				"steps": {
					Type:        genai.TypeArray,
					Items:       &genai.Schema{Type: genai.TypeString},
					Description: "Sequential steps to complete the repair.",
				},
				"tools": {
					Type:        genai.TypeArray,
					Items:       &genai.Schema{Type: genai.TypeString},
					Description: "List of tools required for the job.",
				},
				"estimatedTime": {
					Type:        genai.TypeString,
					Description: `Estimated time to complete (e.g., "2-3 hours").`,
				},
			},
			Required: []string{"title", "steps", "tools", "estimatedTime"},
		},
	}
}

// CreateProcedure builds a checklist from the model's arguments. Steps get
// fresh IDs and start incomplete.
func CreateProcedure(_ context.Context, call live.ToolCall) (*live.ToolResult, error) {
	title := strings.TrimSpace(stringArg(call.Args, "title"))
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidArgs)
	}

	texts := stringsArg(call.Args, "steps")
	steps := make([]live.Step, 0, len(texts))
	for _, s := range texts {
		steps = append(steps, live.Step{ID: uuid.NewString(), Text: s})
	}

	tools := stringsArg(call.Args, "tools")
	if tools == nil {
		tools = []string{}
	}

	est := strings.TrimSpace(stringArg(call.Args, "estimatedTime"))
	if est == "" {
		est = unknownTime
	}

	return &live.ToolResult{
		Output: procedureAck,
		Guide: &live.Procedure{
			Title:         title,
			Tools:         tools,
			Steps:         steps,
			EstimatedTime: est,
		},
		Summary: procedurePreface + title,
	}, nil
}

// Register adds every tool to tb.
func Register(tb *live.Toolbox) {
	tb.Register(CreateProcedureDeclaration(), CreateProcedure)
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// stringsArg accepts []any (decoded JSON) or []string and skips blanks.
func stringsArg(args map[string]any, key string) []string {
	var out []string
	switch v := args[key].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
	case []string:
		for _, s := range v {
			if strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
