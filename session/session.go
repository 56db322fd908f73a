package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/room4-2/revo-live/audio"
	"github.com/room4-2/revo-live/live"
	"github.com/room4-2/revo-live/messages"
)

const (
	writeBufferSize    = 256
	writeTimeout       = 10 * time.Second
	readLimit          = 512 * 1024
	instructionTimeout = 20 * time.Second
	defaultKeepAlive   = 30 * time.Second
)

// ClientSession represents a single browser connection. It is the capture
// device, the output sink and the display surface of the engine bound to the
// client's current vehicle.
type ClientSession struct {
	ID         string
	ClientConn *websocket.Conn
	CreatedAt  time.Time
	CloseChan  chan struct{}

	manager *Manager
	logger  *slog.Logger
	host    *live.Host
	mic     *browserMic
	speaker *browserSpeaker

	// Use channels for non-blocking writes
	writeChan chan any

	mu           sync.RWMutex
	closed       bool
	lastActivity time.Time
	vehicle      Vehicle
	ctx          context.Context
	cancel       context.CancelFunc
}

func newClientSession(id string, conn *websocket.Conn, m *Manager) *ClientSession {
	ctx, cancel := context.WithCancel(context.Background())

	conn.SetReadLimit(readLimit)
	conn.EnableWriteCompression(true)
	_ = conn.SetCompressionLevel(6)

	now := time.Now()
	cs := &ClientSession{
		ID:           id,
		ClientConn:   conn,
		CreatedAt:    now,
		CloseChan:    make(chan struct{}),
		manager:      m,
		logger:       m.logger.With("session_id", shortID(id)),
		writeChan:    make(chan any, writeBufferSize),
		lastActivity: now,
		ctx:          ctx,
		cancel:       cancel,
	}
	cs.mic = &browserMic{maxSize: m.config.MaxBufferSize, send: cs.queueMessage, logger: cs.logger, metrics: m.metrics}
	cs.speaker = &browserSpeaker{send: cs.queueMessage}
	cs.host = live.NewHost(cs.newEngine)
	return cs
}

// Start begins the bidirectional message handling.
func (cs *ClientSession) Start() {
	go cs.writePump()
	cs.queueMessage(messages.NewStatusMessage(cs.ID, "connected", "Session established"))
	go cs.handleClientMessages()
}

// newEngine is the host factory. The vehicle set by the pending bind
// supplies the system instruction.
func (cs *ClientSession) newEngine(vehicleID string) (*live.Engine, error) {
	cs.mu.RLock()
	v := cs.vehicle
	cs.mu.RUnlock()
	if v.ID != vehicleID {
		return nil, fmt.Errorf("session: vehicle %q is not bound", vehicleID)
	}

	ctx, cancel := context.WithTimeout(cs.ctx, instructionTimeout)
	defer cancel()
	instruction, err := ResolveInstruction(ctx, cs.manager.writer, v)
	if err != nil {
		cs.logger.Warn("using fallback instruction", "vehicle_id", v.ID, "error", err)
	}

	cfg := cs.manager.config
	eng := live.New(live.Config{
		APIKey:            cfg.GeminiAPIKey,
		SystemInstruction: instruction,
		Toolbox:           cs.manager.toolbox,
		InputSampleRate:   cfg.InputSampleRate,
		OutputSampleRate:  cfg.OutputSampleRate,
		FrameSize:         cfg.FrameSize,
		CoalesceWindow:    cfg.CoalesceWindow,
		HandshakeTimeout:  cfg.HandshakeTimeout,
	}, cs.manager.dialer, cs.mic, cs.speaker,
		live.WithListener(cs),
		live.WithLogger(cs.logger.With("vehicle_id", v.ID)),
		live.WithMetrics(cs.manager.metrics),
	)
	return eng, nil
}

// StateChanged forwards engine state to the client.
func (cs *ClientSession) StateChanged(state live.State, err error) {
	cs.queueMessage(messages.NewStateMessage(cs.ID, state, err))
	if err != nil && state == live.StateError {
		cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrorCode(err), err.Error()))
	}
}

// Transcript forwards a transcript update to the client.
func (cs *ClientSession) Transcript(frag live.Fragment, msg live.Message) {
	cs.queueMessage(messages.NewTranscriptMessage(cs.ID, frag, msg))
}

// SignalChanged forwards the visualization signal to the client.
func (cs *ClientSession) SignalChanged(sig live.Signal) {
	cs.queueMessage(messages.NewSignalMessage(cs.ID, sig))
}

// writePump handles all outgoing messages in a single goroutine
func (cs *ClientSession) writePump() {
	period := cs.manager.config.KeepAlivePeriod
	if period <= 0 {
		period = defaultKeepAlive
	}
	ticker := time.NewTicker(period)
	defer func() {
		ticker.Stop()
		_ = cs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = cs.ClientConn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		_ = cs.ClientConn.Close()
	}()

	for {
		select {
		case <-cs.CloseChan:
			return
		case <-ticker.C:
			_ = cs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := cs.ClientConn.WriteMessage(websocket.PingMessage, nil); err != nil {
				cs.logger.Debug("keepalive failed", "error", err)
				go cs.Close()
				return
			}
		case msg := <-cs.writeChan:
			if err := cs.write(msg); err != nil {
				go cs.Close()
				return
			}

			n := len(cs.writeChan)
			for range n {
				if err := cs.write(<-cs.writeChan); err != nil {
					go cs.Close()
					return
				}
			}
		}
	}
}

func (cs *ClientSession) write(msg any) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		cs.logger.Error("encode message", "error", err)
		return nil
	}
	_ = cs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := cs.ClientConn.WriteMessage(websocket.TextMessage, data); err != nil {
		cs.logger.Debug("write failed", "error", err)
		return err
	}
	return nil
}

// queueMessage adds a message to the write queue (non-blocking)
func (cs *ClientSession) queueMessage(msg any) {
	if sm, ok := msg.(*messages.ServerMessage); ok && sm.SessionID == "" {
		sm.SessionID = cs.ID
	}
	select {
	case <-cs.CloseChan:
	case cs.writeChan <- msg:
	default:
		cs.logger.Warn("write queue full, dropping message")
	}
}

func (cs *ClientSession) touch() {
	cs.mu.Lock()
	cs.lastActivity = time.Now()
	cs.mu.Unlock()
}

// LastActivity reports when the client last sent anything.
func (cs *ClientSession) LastActivity() time.Time {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.lastActivity
}

// VehicleID returns the currently bound vehicle, or "".
func (cs *ClientSession) VehicleID() string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.vehicle.ID
}

// Status returns the bound engine's status; a session without a vehicle
// reports Disconnected.
func (cs *ClientSession) Status() live.Status {
	if eng, _ := cs.host.Engine(); eng != nil {
		return eng.Status()
	}
	return live.Status{State: live.StateDisconnected}
}

// Close terminates the session and cleans up resources
func (cs *ClientSession) Close() error {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return nil
	}
	cs.closed = true
	vehicleID := cs.vehicle.ID
	cs.mu.Unlock()

	cs.cancel()
	cs.host.Close()
	if vehicleID != "" {
		cs.manager.release(vehicleID, cs)
	}

	// Signal close (for other goroutines waiting on this)
	close(cs.CloseChan)
	return nil
}

// IsClosed returns whether the session is closed
func (cs *ClientSession) IsClosed() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.closed
}

// evict disconnects the live session after another client claimed the
// same vehicle.
func (cs *ClientSession) evict(vehicleID string) {
	eng, current := cs.host.Engine()
	if eng == nil || current != vehicleID {
		return
	}
	cs.logger.Info("live session taken over by another client", "vehicle_id", vehicleID)
	eng.Disconnect()
	eng.Notice("This vehicle was opened in another session.")
	cs.queueMessage(messages.NewStatusMessage(cs.ID, "evicted", "Vehicle opened in another session"))
}

func (cs *ClientSession) handleClientMessages() {
	defer cs.Close()

	for {
		messageType, message, err := cs.ClientConn.ReadMessage()
		if err != nil {
			if !cs.IsClosed() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cs.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		cs.touch()

		if messageType == websocket.BinaryMessage {
			cs.handleAudio(message)
			continue
		}

		msg, err := messages.ParseClientMessage(message)
		if err != nil {
			cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, err.Error()))
			continue
		}
		cs.processClientMessage(msg)
	}
}

func (cs *ClientSession) handleAudio(data []byte) {
	samples, err := audio.DecodeFloat32(data)
	if err != nil {
		cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, "Invalid audio frame"))
		return
	}
	if err := cs.mic.feed(samples); errors.Is(err, ErrBufferFull) {
		cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeBufferFull,
			fmt.Sprintf("Audio buffer full (max %d bytes)", cs.mic.maxSize)))
	}
}

func (cs *ClientSession) processClientMessage(msg *messages.ClientMessage) {
	switch msg.Type {
	case messages.TypeVehicle:
		var payload messages.VehiclePayload
		if err := msg.DecodePayload(&payload); err != nil {
			cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, "Invalid vehicle payload"))
			return
		}
		cs.bindVehicle(payload)

	case messages.TypeControl:
		var payload messages.ControlPayload
		if err := msg.DecodePayload(&payload); err != nil {
			cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, "Invalid control payload"))
			return
		}
		cs.handleControlMessage(payload.Action)
	}
}

// bindVehicle makes the vehicle current. Binding a different vehicle
// disconnects the previous engine first.
func (cs *ClientSession) bindVehicle(p messages.VehiclePayload) {
	if p.ID == "" {
		cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeVehicleRequired, "Vehicle id is required"))
		return
	}

	v := Vehicle{
		ID:          p.ID,
		Year:        p.Year,
		Make:        p.Make,
		Model:       p.Model,
		Engine:      p.Engine,
		VIN:         p.VIN,
		Instruction: p.Instruction,
	}

	cs.mu.Lock()
	previous := cs.vehicle.ID
	cs.vehicle = v
	cs.mu.Unlock()
	if previous != "" && previous != v.ID {
		cs.manager.release(previous, cs)
	}

	eng, err := cs.host.Switch(v.ID)
	if err != nil {
		cs.logger.Error("bind vehicle", "vehicle_id", v.ID, "error", err)
		cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeSessionFailed, err.Error()))
		return
	}
	cs.manager.touchSession(cs)
	cs.logger.Info("vehicle bound", "vehicle_id", v.ID, "vehicle", v.Label(), "instruction_chars", len(eng.SystemInstruction()))
	cs.queueMessage(messages.NewStatusMessage(cs.ID, "vehicle_bound", v.Label()))

	// Rebinding the current vehicle keeps its engine; replay what it said.
	for _, m := range eng.Messages() {
		cs.queueMessage(messages.NewTranscriptMessage(cs.ID, live.Fragment{Role: m.Role, Text: m.Text, At: m.UpdatedAt}, m))
	}
}

func (cs *ClientSession) handleControlMessage(action string) {
	switch action {
	case messages.ActionPing:
		cs.queueMessage(messages.NewStatusMessage(cs.ID, "pong", ""))
	case messages.ActionConnect:
		cs.handleConnect()
	case messages.ActionDisconnect:
		if eng, _ := cs.host.Engine(); eng != nil {
			eng.Disconnect()
		}
	default:
		cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, "Unknown control action: "+action))
	}
}

// handleConnect starts the live session without blocking the read loop, so
// microphone frames keep flowing during the handshake.
func (cs *ClientSession) handleConnect() {
	eng, vehicleID := cs.host.Engine()
	if eng == nil {
		cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeVehicleRequired, "Bind a vehicle before connecting"))
		return
	}
	if eng.Status().State.Live() {
		cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, live.ErrSessionActive.Error()))
		return
	}

	cs.manager.claim(vehicleID, cs)
	go func() {
		err := eng.Connect(cs.ctx)
		switch {
		case err == nil:
		case errors.Is(err, live.ErrSessionActive):
			cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, err.Error()))
		case errors.Is(err, live.ErrAborted):
			cs.logger.Debug("connect aborted", "vehicle_id", vehicleID)
		default:
			// The engine already reported the failure through StateChanged.
			cs.logger.Debug("connect failed", "vehicle_id", vehicleID, "error", err)
		}
	}()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
