package live

import "errors"

// Failure taxonomy. Only device, handshake and channel runtime failures end a
// session; decode and tool failures are recovered where they happen.
var (
	ErrCapabilityUnavailable = errors.New("live: no credential configured")
	ErrDeviceAcquisition     = errors.New("live: audio device unavailable")
	ErrChannelHandshake      = errors.New("live: channel handshake failed")
	ErrChannelRuntime        = errors.New("live: channel failed")
	ErrDecode                = errors.New("live: audio chunk decode failed")
	ErrToolHandler           = errors.New("live: tool handler failed")

	ErrSessionActive   = errors.New("live: session already active")
	ErrSchedulerClosed = errors.New("live: scheduler closed")
	ErrUnknownTool     = errors.New("live: no handler registered")
)

// connectStatus maps a connect error to the metric status label.
func connectStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCapabilityUnavailable):
		return "capability_unavailable"
	case errors.Is(err, ErrDeviceAcquisition):
		return "device_failure"
	case errors.Is(err, ErrChannelHandshake):
		return "handshake_failure"
	default:
		return "cancelled"
	}
}
