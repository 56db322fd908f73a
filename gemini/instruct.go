package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// DefaultInstructionModel generates per-vehicle system instructions.
const DefaultInstructionModel = "gemini-2.5-flash"

// ErrNoAPIKey is returned when an instruction writer is built without a key.
var ErrNoAPIKey = errors.New("gemini: API key missing")

type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// InstructionWriter turns a prompt into a system instruction with a one-shot
// text model call.
type InstructionWriter struct {
	models generator
	model  string
}

// NewInstructionWriter creates a writer on the Gemini API.
func NewInstructionWriter(ctx context.Context, apiKey, model string) (*InstructionWriter, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create genai client: %w", err)
	}
	return newInstructionWriter(client.Models, model), nil
}

func newInstructionWriter(models generator, model string) *InstructionWriter {
	if model == "" {
		model = DefaultInstructionModel
	}
	return &InstructionWriter{models: models, model: model}
}

// Write returns the generated instruction text. An empty response yields ""
// with no error; callers pick their own default.
func (w *InstructionWriter) Write(ctx context.Context, prompt string) (string, error) {
	resp, err := w.models.GenerateContent(ctx, w.model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("gemini: generate instruction: %w", err)
	}
	if resp == nil {
		return "", nil
	}
	return strings.TrimSpace(resp.Text()), nil
}
