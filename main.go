package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/room4-2/revo-live/config"
	"github.com/room4-2/revo-live/gemini"
	"github.com/room4-2/revo-live/observe"
	"github.com/room4-2/revo-live/server"
	"github.com/room4-2/revo-live/session"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "revo-live: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "revo-live"})
	if err != nil {
		logger.Error("failed to init metrics", "error", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownMetrics(sctx); err != nil {
			logger.Warn("metrics shutdown", "error", err)
		}
	}()

	var writer session.InstructionWriter
	if cfg.HasGeminiKey() {
		w, err := gemini.NewInstructionWriter(ctx, cfg.GeminiAPIKey, cfg.InstructionModel)
		if err != nil {
			logger.Error("failed to create instruction writer", "error", err)
			return 1
		}
		writer = w
	} else {
		logger.Warn("GEMINI_API_KEY not set, live sessions will report the capability as unavailable")
	}

	dialer := gemini.NewDialer(
		gemini.WithModel(cfg.GeminiModel),
		gemini.WithVoice(cfg.GeminiVoice),
		gemini.WithLogger(logger),
	)
	manager := session.NewManager(cfg, dialer, writer,
		session.WithRedis(session.ConnectRedis(ctx, cfg, logger)),
		session.WithLogger(logger),
	)
	srv := server.NewServer(cfg, manager, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		manager.StartCleanupRoutine(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("received shutdown signal")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		return 1
	}
	logger.Info("server stopped")
	return 0
}
