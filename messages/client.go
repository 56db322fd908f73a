package messages

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// Client message types. Microphone audio travels as binary websocket frames
// of little-endian float32 samples and has no JSON envelope.
const (
	TypeVehicle = "vehicle"
	TypeControl = "control"
)

// Control actions
const (
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
	ActionPing       = "ping"
)

// ErrUnknownType is returned for envelopes with an unrecognised type.
var ErrUnknownType = errors.New("messages: unknown message type")

// ClientMessage represents a message from frontend client
type ClientMessage struct {
	Type    string          `json:"type"` // "vehicle", "control"
	Payload json.RawMessage `json:"payload"`
}

// VehiclePayload binds the session to a vehicle context
type VehiclePayload struct {
	ID     string `json:"id"`
	Year   string `json:"year"`
	Make   string `json:"make"`
	Model  string `json:"model"`
	Engine string `json:"engine,omitempty"`
	VIN    string `json:"vin,omitempty"`
	// Instruction, when set, is used as the system instruction as is.
	Instruction string `json:"contextString,omitempty"`
}

// ControlPayload contains control commands
type ControlPayload struct {
	Action string `json:"action"` // "connect", "disconnect", "ping"
}

// ParseClientMessage decodes an envelope and checks its type.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("messages: decode envelope: %w", err)
	}
	switch msg.Type {
	case TypeVehicle, TypeControl:
		return &msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
}

// DecodePayload unmarshals the payload into v.
func (m *ClientMessage) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("messages: %s message has no payload", m.Type)
	}
	if err := sonic.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("messages: decode %s payload: %w", m.Type, err)
	}
	return nil
}
