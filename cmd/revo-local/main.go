// Command revo-local talks to Revo from a terminal, using sox for the
// microphone and speaker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/room4-2/revo-live/config"
	"github.com/room4-2/revo-live/functions"
	"github.com/room4-2/revo-live/gemini"
	"github.com/room4-2/revo-live/live"
	"github.com/room4-2/revo-live/session"
)

func main() {
	vehicle := session.Vehicle{ID: "local"}
	flag.StringVar(&vehicle.Year, "year", "", "vehicle year")
	flag.StringVar(&vehicle.Make, "make", "", "vehicle make")
	flag.StringVar(&vehicle.Model, "model", "", "vehicle model")
	flag.StringVar(&vehicle.Engine, "engine", "", "engine code")
	flag.StringVar(&vehicle.VIN, "vin", "", "VIN")
	flag.StringVar(&vehicle.Instruction, "instruction", "", "system instruction (skips generation)")
	flag.Parse()

	if err := run(vehicle); err != nil {
		fmt.Fprintln(os.Stderr, "revo-local:", err)
		os.Exit(1)
	}
}

func run(vehicle session.Vehicle) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var writer session.InstructionWriter
	if cfg.HasGeminiKey() {
		w, err := gemini.NewInstructionWriter(ctx, cfg.GeminiAPIKey, cfg.InstructionModel)
		if err != nil {
			return err
		}
		writer = w
	}
	instruction, err := session.ResolveInstruction(ctx, writer, vehicle)
	if err != nil {
		logger.Warn("using fallback instruction", "error", err)
	}

	tb := live.NewToolbox()
	functions.Register(tb)

	dialer := gemini.NewDialer(
		gemini.WithModel(cfg.GeminiModel),
		gemini.WithVoice(cfg.GeminiVoice),
		gemini.WithLogger(logger),
	)
	eng := live.New(live.Config{
		APIKey:            cfg.GeminiAPIKey,
		SystemInstruction: instruction,
		Toolbox:           tb,
		InputSampleRate:   cfg.InputSampleRate,
		OutputSampleRate:  cfg.OutputSampleRate,
		FrameSize:         cfg.FrameSize,
		CoalesceWindow:    cfg.CoalesceWindow,
		HandshakeTimeout:  cfg.HandshakeTimeout,
	}, dialer, soxMic{logger: logger}, soxSpeaker{},
		live.WithListener(newPrinter(os.Stdout)),
		live.WithLogger(logger),
	)

	if err := eng.Connect(ctx); err != nil {
		return err
	}
	defer eng.Disconnect()
	fmt.Println("Listening. Press Ctrl+C to stop.")

	// Wait for Ctrl+C or for the session to end on its own.
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			st := eng.Status()
			switch st.State {
			case live.StateError:
				return st.Err
			case live.StateDisconnected:
				return nil
			}
		}
	}
}

// printer writes transcripts and state changes to the terminal.
type printer struct {
	out io.Writer
}

func newPrinter(out io.Writer) *printer { return &printer{out: out} }

func (p *printer) StateChanged(state live.State, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(p.out, "[%s] %v\n", state, err)
		return
	}
	fmt.Fprintf(p.out, "[%s]\n", state)
}

func (p *printer) Transcript(frag live.Fragment, msg live.Message) {
	if msg.Guide != nil {
		fmt.Fprintf(p.out, "\n%s\n", msg.Text)
		for i, step := range msg.Guide.Steps {
			fmt.Fprintf(p.out, "  %d. %s\n", i+1, step.Text)
		}
		if len(msg.Guide.Tools) > 0 {
			fmt.Fprintf(p.out, "  tools: %s\n", strings.Join(msg.Guide.Tools, ", "))
		}
		fmt.Fprintf(p.out, "  estimated time: %s\n", msg.Guide.EstimatedTime)
		return
	}
	fmt.Fprintf(p.out, "%s: %s\n", msg.Role, frag.Text)
}

func (p *printer) SignalChanged(live.Signal) {}
