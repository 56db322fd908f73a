package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/room4-2/revo-live/audio"
	"github.com/room4-2/revo-live/config"
	"github.com/room4-2/revo-live/live"
	"github.com/room4-2/revo-live/observe"
)

// ─── fakes ───────────────────────────────────────────────────────────────────

type fakeChannel struct {
	events chan live.Event

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (c *fakeChannel) SendAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, pcm)
	return nil
}

func (c *fakeChannel) SendToolResponse(live.ToolResponse) error { return nil }
func (c *fakeChannel) Events() <-chan live.Event                { return c.events }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) sent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	mu       sync.Mutex
	channels []*fakeChannel
	configs  []live.ChannelConfig
}

func (d *fakeDialer) Dial(_ context.Context, cfg live.ChannelConfig) (live.Channel, error) {
	ch := &fakeChannel{events: make(chan live.Event, 16)}
	ch.events <- live.ReadyEvent{}
	d.mu.Lock()
	d.channels = append(d.channels, ch)
	d.configs = append(d.configs, cfg)
	d.mu.Unlock()
	return ch, nil
}

func (d *fakeDialer) channel(i int) *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.channels) {
		return nil
	}
	return d.channels[i]
}

func (d *fakeDialer) config(i int) live.ChannelConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configs[i]
}

// ─── harness ─────────────────────────────────────────────────────────────────

func testConfig() *config.Config {
	return &config.Config{
		MaxSessions:      4,
		SessionTimeout:   time.Minute,
		GeminiAPIKey:     "test-key",
		KeepAlivePeriod:  time.Minute,
		MaxBufferSize:    1 << 20,
		InputSampleRate:  16000,
		OutputSampleRate: 24000,
		FrameSize:        4,
		CoalesceWindow:   5 * time.Second,
		HandshakeTimeout: 2 * time.Second,
	}
}

func newTestManager(t *testing.T, cfg *config.Config, writer InstructionWriter) (*Manager, *fakeDialer) {
	t.Helper()
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	d := &fakeDialer{}
	m := NewManager(cfg, d, writer, WithLogger(quietLogger()), WithMetrics(metrics))
	return m, d
}

func newTestServer(t *testing.T, m *Manager) string {
	t.Helper()
	var up websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cs, err := m.CreateSession(r.Context(), conn)
		if err != nil {
			_ = conn.Close()
			return
		}
		cs.Start()
		<-cs.CloseChan
		_ = m.RemoveSession(context.Background(), cs.ID)
	}))
	t.Cleanup(func() {
		m.Shutdown()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type wireMessage struct {
	Type    string `json:"type"`
	Payload struct {
		State   string `json:"state"`
		Status  string `json:"status"`
		Code    string `json:"code"`
		Role    string `json:"role"`
		Text    string `json:"text"`
		Message string `json:"message"`
	} `json:"payload"`
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, url string) *client {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	c := &client{t: t, conn: conn}
	c.expect("session established", func(m wireMessage) bool {
		return m.Type == "status" && m.Payload.Status == "connected"
	})
	return c
}

func (c *client) send(v string) {
	c.t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(v)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *client) sendAudio(samples []float32) {
	c.t.Helper()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, audio.EncodeFloat32(samples)); err != nil {
		c.t.Fatalf("write audio: %v", err)
	}
}

// expect reads until a message satisfies match.
func (c *client) expect(what string, match func(wireMessage) bool) wireMessage {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.t.Fatalf("waiting for %s: %v", what, err)
		}
		var m wireMessage
		if err := sonic.Unmarshal(data, &m); err != nil {
			c.t.Fatalf("decode %s: %v", data, err)
		}
		if match(m) {
			return m
		}
	}
}

func (c *client) expectState(state string) {
	c.t.Helper()
	c.expect("state "+state, func(m wireMessage) bool {
		return m.Type == "state" && m.Payload.State == state
	})
}

func (c *client) expectError(code string) {
	c.t.Helper()
	c.expect("error "+code, func(m wireMessage) bool {
		return m.Type == "error" && m.Payload.Code == code
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

const civic = `{"type":"vehicle","payload":{"id":"v1","year":"2012","make":"Honda","model":"Civic","contextString":"You are Revo, Civic expert."}}`

// ─── tests ───────────────────────────────────────────────────────────────────

func TestSessionLiveFlow(t *testing.T) {
	t.Parallel()

	m, d := newTestManager(t, testConfig(), nil)
	c := dial(t, newTestServer(t, m))

	c.send(civic)
	c.expect("vehicle bound", func(m wireMessage) bool {
		return m.Type == "status" && m.Payload.Status == "vehicle_bound" && m.Payload.Message == "2012 Honda Civic"
	})

	c.send(`{"type":"control","payload":{"action":"connect"}}`)
	c.expectState("connected")

	if got := d.config(0).SystemInstruction; got != "You are Revo, Civic expert." {
		t.Errorf("SystemInstruction = %q", got)
	}
	if len(d.config(0).Tools) == 0 {
		t.Error("no tools declared on the channel")
	}

	c.sendAudio([]float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6})
	c.sendAudio([]float32{0.7, 0.8})
	ch := d.channel(0)
	waitFor(t, "two frames sent", func() bool { return ch.sent() == 2 })

	ch.events <- live.TranscriptEvent{Role: live.RoleModel, Text: "Check the plugs."}
	c.expect("transcript", func(m wireMessage) bool {
		return m.Type == "transcript" && m.Payload.Role == "model" && m.Payload.Text == "Check the plugs."
	})

	ch.events <- live.AudioChunkEvent{Data: make([]byte, 480), SampleRate: 24000, Channels: 1}
	c.expect("audio", func(m wireMessage) bool { return m.Type == "audio" })

	c.send(`{"type":"control","payload":{"action":"disconnect"}}`)
	c.expectState("disconnected")
	waitFor(t, "channel closed", ch.isClosed)
}

func TestSessionControlErrors(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, testConfig(), nil)
	c := dial(t, newTestServer(t, m))

	c.send(`{"type":"control","payload":{"action":"connect"}}`)
	c.expectError("VEHICLE_REQUIRED")

	c.send(`{"type":"vehicle","payload":{"make":"Honda"}}`)
	c.expectError("VEHICLE_REQUIRED")

	c.send(`not json`)
	c.expectError("INVALID_MESSAGE")

	c.send(`{"type":"audio","payload":{}}`)
	c.expectError("INVALID_MESSAGE")

	c.send(`{"type":"control","payload":{"action":"dance"}}`)
	c.expectError("INVALID_MESSAGE")

	c.send(`{"type":"control","payload":{"action":"ping"}}`)
	c.expect("pong", func(m wireMessage) bool { return m.Type == "status" && m.Payload.Status == "pong" })
}

func TestSessionMissingKey(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.GeminiAPIKey = ""
	m, d := newTestManager(t, cfg, nil)
	c := dial(t, newTestServer(t, m))

	c.send(civic)
	c.send(`{"type":"control","payload":{"action":"connect"}}`)
	c.expectState("error")
	c.expectError("CAPABILITY_UNAVAILABLE")
	if d.channel(0) != nil {
		t.Error("dialed without a key")
	}
}

func TestSessionGeneratedInstruction(t *testing.T) {
	t.Parallel()

	w := &stubWriter{text: "You are Revo, master of the 1999 Miata."}
	m, d := newTestManager(t, testConfig(), w)
	c := dial(t, newTestServer(t, m))

	c.send(`{"type":"vehicle","payload":{"id":"v9","year":"1999","make":"Mazda","model":"Miata"}}`)
	c.send(`{"type":"control","payload":{"action":"connect"}}`)
	c.expectState("connected")

	if got := d.config(0).SystemInstruction; got != w.text {
		t.Errorf("SystemInstruction = %q; want %q", got, w.text)
	}
	if !strings.Contains(w.prompt, "Model: Miata") {
		t.Errorf("prompt = %q", w.prompt)
	}
}

func TestSessionVehicleTakeover(t *testing.T) {
	t.Parallel()

	m, d := newTestManager(t, testConfig(), nil)
	url := newTestServer(t, m)

	a := dial(t, url)
	a.send(civic)
	a.send(`{"type":"control","payload":{"action":"connect"}}`)
	a.expectState("connected")

	b := dial(t, url)
	b.send(civic)
	b.send(`{"type":"control","payload":{"action":"connect"}}`)

	a.expect("eviction", func(m wireMessage) bool { return m.Type == "status" && m.Payload.Status == "evicted" })
	b.expectState("connected")
	waitFor(t, "first channel closed", d.channel(0).isClosed)

	holder, ok := m.Holder("v1")
	if !ok || holder.Status().State != live.StateConnected {
		t.Fatalf("holder = %v, %v; want connected session", holder, ok)
	}

	_ = b.conn.Close()
	waitFor(t, "session removed", func() bool { return m.GetActiveSessionCount() == 1 })
	if _, ok := m.Holder("v1"); ok {
		t.Error("claim survived its session")
	}
}

func TestSessionSwitchVehicle(t *testing.T) {
	t.Parallel()

	m, d := newTestManager(t, testConfig(), nil)
	c := dial(t, newTestServer(t, m))

	c.send(civic)
	c.send(`{"type":"control","payload":{"action":"connect"}}`)
	c.expectState("connected")

	c.send(`{"type":"vehicle","payload":{"id":"v2","year":"2020","make":"Ford","model":"F-150","contextString":"You are Revo, truck expert."}}`)
	c.expectState("disconnected")
	waitFor(t, "old channel closed", d.channel(0).isClosed)

	c.send(`{"type":"control","payload":{"action":"connect"}}`)
	c.expectState("connected")
	if got := d.config(1).SystemInstruction; got != "You are Revo, truck expert." {
		t.Errorf("SystemInstruction = %q", got)
	}
}

func TestManagerMaxSessions(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxSessions = 1
	m, _ := newTestManager(t, cfg, nil)
	url := newTestServer(t, m)

	dial(t, url)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("second session was accepted")
	}
	if n := m.GetActiveSessionCount(); n != 1 {
		t.Errorf("sessions = %d; want 1", n)
	}
}

func TestCleanupInactiveSessions(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.SessionTimeout = 20 * time.Millisecond
	m, _ := newTestManager(t, cfg, nil)
	c := dial(t, newTestServer(t, m))

	time.Sleep(40 * time.Millisecond)
	m.CleanupInactiveSessions(context.Background())

	if n := m.GetActiveSessionCount(); n != 0 {
		t.Errorf("sessions = %d; want 0", n)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
