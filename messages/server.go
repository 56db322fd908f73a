package messages

import (
	"encoding/base64"
	"errors"
	"strconv"
	"time"

	"github.com/room4-2/revo-live/live"
)

// Error codes
const (
	ErrCodeInvalidMessage        = "INVALID_MESSAGE"
	ErrCodeCapabilityUnavailable = "CAPABILITY_UNAVAILABLE"
	ErrCodeDeviceFailure         = "DEVICE_FAILURE"
	ErrCodeHandshakeFailed       = "HANDSHAKE_FAILED"
	ErrCodeChannelFailed         = "CHANNEL_FAILED"
	ErrCodeSessionFailed         = "SESSION_FAILED"
	ErrCodeVehicleRequired       = "VEHICLE_REQUIRED"
	ErrCodeRateLimited           = "RATE_LIMITED"
	ErrCodeBufferFull            = "BUFFER_FULL"
)

// Message types
const (
	TypeState      = "state"
	TypeSignal     = "signal"
	TypeTranscript = "transcript"
	TypeAudio      = "audio"
	TypeStopAudio  = "stop_audio"
	TypeStatus     = "status"
	TypeError      = "error"
)

// ServerMessage represents a message sent to frontend client
type ServerMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Payload   any    `json:"payload"`
}

// StatePayload reports the engine connection state
type StatePayload struct {
	State string `json:"state"` // "disconnected", "connecting", "connected", "error"
	Error string `json:"error,omitempty"`
}

// SignalPayload drives the activity visualizer
type SignalPayload struct {
	Level    float64 `json:"level"`
	Speaking bool    `json:"speaking"`
}

// TranscriptPayload carries the message a fragment landed in. Clients replace
// any message they hold with the same ID.
type TranscriptPayload struct {
	MessageID string          `json:"messageId"`
	Role      string          `json:"role"`
	Text      string          `json:"text"`
	Fragment  string          `json:"fragment"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
	Guide     *live.Procedure `json:"repairGuide,omitempty"`
}

// AudioPayload is one scheduled buffer of model speech
type AudioPayload struct {
	ID         string `json:"id"`
	Data       string `json:"data"` // Base64-encoded PCM16 LE
	MimeType   string `json:"mimeType"`
	StartMs    int64  `json:"startMs"` // offset on the session output clock
	DurationMs int64  `json:"durationMs"`
}

// StopAudioPayload cancels one scheduled buffer
type StopAudioPayload struct {
	ID string `json:"id"`
}

// StatusPayload contains status updates
type StatusPayload struct {
	Status  string `json:"status"` // "ready", "pong", "vehicle_bound"
	Message string `json:"message,omitempty"`
}

// ErrorPayload contains error information
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewStateMessage creates a state change message
func NewStateMessage(sessionID string, state live.State, err error) *ServerMessage {
	p := StatePayload{State: state.String()}
	if err != nil {
		p.Error = err.Error()
	}
	return &ServerMessage{Type: TypeState, SessionID: sessionID, Payload: p}
}

// NewSignalMessage creates a visualizer update
func NewSignalMessage(sessionID string, sig live.Signal) *ServerMessage {
	return &ServerMessage{
		Type:      TypeSignal,
		SessionID: sessionID,
		Payload:   SignalPayload{Level: sig.Level, Speaking: sig.Speaking},
	}
}

// NewTranscriptMessage creates a transcript update
func NewTranscriptMessage(sessionID string, frag live.Fragment, msg live.Message) *ServerMessage {
	return &ServerMessage{
		Type:      TypeTranscript,
		SessionID: sessionID,
		Payload: TranscriptPayload{
			MessageID: msg.ID,
			Role:      string(msg.Role),
			Text:      msg.Text,
			Fragment:  frag.Text,
			Timestamp: msg.UpdatedAt.UnixMilli(),
			Guide:     msg.Guide,
		},
	}
}

// NewAudioMessage creates an audio playback message
func NewAudioMessage(sessionID string, id uint64, pcm []byte, sampleRate int, start, length time.Duration) *ServerMessage {
	return &ServerMessage{
		Type:      TypeAudio,
		SessionID: sessionID,
		Payload: AudioPayload{
			ID:         strconv.FormatUint(id, 10),
			Data:       base64.StdEncoding.EncodeToString(pcm),
			MimeType:   "audio/pcm;rate=" + strconv.Itoa(sampleRate),
			StartMs:    start.Milliseconds(),
			DurationMs: length.Milliseconds(),
		},
	}
}

// NewStopAudioMessage cancels a buffer sent with NewAudioMessage
func NewStopAudioMessage(sessionID string, id uint64) *ServerMessage {
	return &ServerMessage{
		Type:      TypeStopAudio,
		SessionID: sessionID,
		Payload:   StopAudioPayload{ID: strconv.FormatUint(id, 10)},
	}
}

// NewStatusMessage creates a status message
func NewStatusMessage(sessionID, status, message string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeStatus,
		SessionID: sessionID,
		Payload: StatusPayload{
			Status:  status,
			Message: message,
		},
	}
}

// NewErrorMessage creates an error message
func NewErrorMessage(sessionID, code, message string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeError,
		SessionID: sessionID,
		Payload: ErrorPayload{
			Code:    code,
			Message: message,
		},
	}
}

// ErrorCode maps an engine failure to the client error code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, live.ErrCapabilityUnavailable):
		return ErrCodeCapabilityUnavailable
	case errors.Is(err, live.ErrDeviceAcquisition):
		return ErrCodeDeviceFailure
	case errors.Is(err, live.ErrChannelHandshake):
		return ErrCodeHandshakeFailed
	case errors.Is(err, live.ErrChannelRuntime):
		return ErrCodeChannelFailed
	default:
		return ErrCodeSessionFailed
	}
}
