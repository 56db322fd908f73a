// Command revo-instruct prints the system instruction Revo would use for a
// vehicle.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/room4-2/revo-live/config"
	"github.com/room4-2/revo-live/gemini"
	"github.com/room4-2/revo-live/session"
)

func main() {
	var v session.Vehicle
	flag.StringVar(&v.Year, "year", "", "vehicle year")
	flag.StringVar(&v.Make, "make", "", "vehicle make")
	flag.StringVar(&v.Model, "model", "", "vehicle model")
	flag.StringVar(&v.Engine, "engine", "", "engine code")
	flag.StringVar(&v.VIN, "vin", "", "VIN")
	promptOnly := flag.Bool("prompt", false, "print the generation prompt instead of calling the model")
	timeout := flag.Duration("timeout", 30*time.Second, "generation timeout")
	flag.Parse()

	if *promptOnly {
		fmt.Println(session.VehiclePrompt(v))
		return
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "revo-instruct:", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var writer session.InstructionWriter
	if w, err := gemini.NewInstructionWriter(ctx, cfg.GeminiAPIKey, cfg.InstructionModel); err != nil {
		logger.Warn("instruction generation unavailable", "error", err)
	} else {
		writer = w
	}

	instruction, err := session.ResolveInstruction(ctx, writer, v)
	if err != nil {
		logger.Warn("using fallback instruction", "vehicle", v.Label(), "error", err)
	}
	fmt.Println(instruction)
}
