package session

import (
	"context"
	"fmt"
	"strings"
)

const (
	// DefaultInstruction is used when generation returns no text.
	DefaultInstruction = "You are Revo, an expert mechanic."

	// FallbackInstruction is used when generation is unavailable or fails.
	FallbackInstruction = "You are Revo, an expert mechanic specialized in automotive repair. Please ask for vehicle details."
)

// Vehicle identifies the car a session talks about.
type Vehicle struct {
	ID     string
	Year   string
	Make   string
	Model  string
	Engine string
	VIN    string

	// Instruction, when set, is used as-is instead of generating one.
	Instruction string
}

// Label is a short human readable name such as "2012 Honda Civic".
func (v Vehicle) Label() string {
	return strings.Join(strings.Fields(v.Year+" "+v.Make+" "+v.Model), " ")
}

// InstructionWriter turns a prompt into a system instruction.
type InstructionWriter interface {
	Write(ctx context.Context, prompt string) (string, error)
}

// VehiclePrompt is the generation prompt for a vehicle specific persona.
func VehiclePrompt(v Vehicle) string {
	engine := v.Engine
	if engine == "" {
		engine = "Standard"
	}
	vin := v.VIN
	if vin == "" {
		vin = "N/A"
	}

	var b strings.Builder
	b.WriteString("You are an expert automotive system instruction generator.\n")
	b.WriteString("I need a highly technical system instruction for an AI persona named \"Revo\".\n\n")
	b.WriteString("Target Vehicle:\n")
	fmt.Fprintf(&b, "Year: %s\nMake: %s\nModel: %s\nEngine: %s\nVIN (optional): %s\n\n", v.Year, v.Make, v.Model, engine, vin)
	b.WriteString("Task:\n")
	b.WriteString("Create a detailed system instruction (approx 300 words) that configures Revo to be the world's leading expert on THIS specific vehicle.\n\n")
	b.WriteString("The system instruction must explicitly state:\n")
	b.WriteString("1. You are \"Revo\", a master technician. You listen for the hotword \"Hey Revo\" but are always attentive.\n")
	fmt.Fprintf(&b, "2. Your knowledge base includes specific TSBs (Technical Service Bulletins), recall data, firing orders, bolt sizes (metric/SAE specific to this car), torque specs, and common failure points for the %s engine.\n", engine)
	b.WriteString("3. You understand PIDs (Parameter IDs) for this manufacturer's OBD-II protocol.\n")
	b.WriteString("4. You speak concisely, professionally, and with extreme technical accuracy.\n")
	b.WriteString("5. If asked about repairs, provide step-by-step guides referencing factory manual procedures. Use the create_procedure tool to show the checklist.\n\n")
	b.WriteString("Output ONLY the raw text of the system instruction. Do not include markdown formatting or \"Here is the instruction\".")
	return b.String()
}

// ResolveInstruction picks the system instruction for v. A stored
// instruction wins; otherwise w generates one. A nil writer or a failed
// generation yields FallbackInstruction, so the returned error is only
// informational.
func ResolveInstruction(ctx context.Context, w InstructionWriter, v Vehicle) (string, error) {
	if s := strings.TrimSpace(v.Instruction); s != "" {
		return s, nil
	}
	if w == nil {
		return FallbackInstruction, nil
	}

	text, err := w.Write(ctx, VehiclePrompt(v))
	if err != nil {
		return FallbackInstruction, fmt.Errorf("generate instruction for %s: %w", v.Label(), err)
	}
	if text = strings.TrimSpace(text); text == "" {
		return DefaultInstruction, nil
	}
	return text, nil
}
