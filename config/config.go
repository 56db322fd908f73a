package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all server configuration
type Config struct {
	Port            int
	RedisURL        string
	RedisPassword   string
	MaxSessions     int
	SessionTimeout  time.Duration
	GeminiAPIKey    string // optional; sessions report the capability as unavailable without it
	AllowedOrigins  []string
	KeepAlivePeriod time.Duration
	MaxBufferSize   int // Maximum pending capture audio in bytes per session

	GeminiModel      string
	GeminiVoice      string
	InstructionModel string

	InputSampleRate  int
	OutputSampleRate int
	FrameSize        int
	CoalesceWindow   time.Duration
	HandshakeTimeout time.Duration

	LogLevel slog.Level
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := &Config{
		Port:             8080,
		RedisURL:         "localhost:6379",
		MaxSessions:      100,
		SessionTimeout:   30 * time.Minute,
		AllowedOrigins:   []string{"*"},
		KeepAlivePeriod:  30 * time.Second,
		MaxBufferSize:    1024 * 1024,
		GeminiModel:      "gemini-2.5-flash-native-audio-preview-09-2025",
		GeminiVoice:      "Fenrir",
		InstructionModel: "gemini-2.5-flash",
		InputSampleRate:  16000,
		OutputSampleRate: 24000,
		FrameSize:        4096,
		CoalesceWindow:   5 * time.Second,
		HandshakeTimeout: 15 * time.Second,
		LogLevel:         slog.LevelInfo,
	}

	config.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	config.RedisURL = envString("REDIS_URL", config.RedisURL)
	config.RedisPassword = envString("REDIS_PASSWORD", config.RedisPassword)
	config.GeminiModel = envString("GEMINI_MODEL", config.GeminiModel)
	config.GeminiVoice = envString("GEMINI_VOICE", config.GeminiVoice)
	config.InstructionModel = envString("INSTRUCTION_MODEL", config.InstructionModel)

	// Optional: ALLOWED_ORIGINS (comma-separated)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				config.AllowedOrigins = append(config.AllowedOrigins, o)
			}
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"PORT", &config.Port},
		{"MAX_SESSIONS", &config.MaxSessions},
		{"MAX_BUFFER_SIZE", &config.MaxBufferSize},
		{"INPUT_SAMPLE_RATE", &config.InputSampleRate},
		{"OUTPUT_SAMPLE_RATE", &config.OutputSampleRate},
		{"FRAME_SIZE", &config.FrameSize},
	}
	for _, f := range ints {
		if err := envInt(f.key, f.dst); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		key  string
		unit time.Duration
		dst  *time.Duration
	}{
		{"SESSION_TIMEOUT", time.Minute, &config.SessionTimeout},
		{"KEEPALIVE_PERIOD", time.Second, &config.KeepAlivePeriod},
		{"COALESCE_WINDOW_MS", time.Millisecond, &config.CoalesceWindow},
		{"HANDSHAKE_TIMEOUT", time.Second, &config.HandshakeTimeout},
	}
	for _, f := range durations {
		var n int
		if err := envInt(f.key, &n); err != nil {
			return nil, err
		}
		if n != 0 {
			*f.dst = time.Duration(n) * f.unit
		}
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		if err := config.LogLevel.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid PORT: %d", c.Port)
	case c.MaxSessions <= 0:
		return fmt.Errorf("invalid MAX_SESSIONS: must be positive")
	case c.InputSampleRate <= 0 || c.OutputSampleRate <= 0:
		return fmt.Errorf("invalid sample rate: must be positive")
	case c.FrameSize <= 0:
		return fmt.Errorf("invalid FRAME_SIZE: must be positive")
	case c.MaxBufferSize < c.FrameSize*4:
		return fmt.Errorf("invalid MAX_BUFFER_SIZE: must hold at least one frame (%d bytes)", c.FrameSize*4)
	}
	return nil
}

// HasGeminiKey reports whether live sessions can be started.
func (c *Config) HasGeminiKey() bool {
	return c.GeminiAPIKey != ""
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envInt overwrites *dst when key is set.
func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}
