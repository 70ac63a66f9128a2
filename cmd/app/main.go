package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"orderflow/internal/app"
	"orderflow/internal/engine"
	"orderflow/internal/httpapi"
	"orderflow/internal/queue"
	"orderflow/internal/stream"
	"orderflow/internal/venue"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	// 1. Pprof Server (for performance profiling)
	go func() {
		// Localhost only for security
		slog.Info("🕵️ Pprof server started on localhost:6060")
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			slog.Error("Pprof server failed", slog.Any("error", err))
		}
	}()

	// 2. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	cfg := bootstrap.Config

	// 3. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Simulators and state machine
	rnd := venue.NewRand()
	router := venue.NewRouter(bootstrap.RouterConfig(), rnd)
	executor := venue.NewExecutor(bootstrap.ExecutorConfig(), bootstrap.Venues(), rnd)
	hub := stream.NewHub(bootstrap.Storage)

	orch := engine.NewOrchestrator(
		engine.Config{BuildDelay: time.Duration(cfg.Router.BuildDelayMS) * time.Millisecond},
		bootstrap.Storage,
		router,
		executor,
		hub,
	)

	// 5. Retry engine (recovers inflight jobs from the previous run)
	eng := queue.NewEngine(bootstrap.QueueConfig(), bootstrap.Storage, orch.HandleTask)
	if err := eng.Start(ctx); err != nil {
		slog.Error("❌ Queue engine failed to start", slog.Any("error", err))
		os.Exit(1)
	}
	slog.InfoContext(ctx, "✅ Queue engine started", slog.Int("workers", cfg.Queue.Workers))

	// 6. HTTP surface
	srv, err := httpapi.NewServer(httpapi.ServerConfig{
		Addr:         cfg.Server.Addr,
		InitialDelay: time.Duration(cfg.Server.InitialDelayMS) * time.Millisecond,
	}, bootstrap.Storage, eng, hub)
	if err != nil {
		slog.Error("❌ HTTP server setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server failed", slog.Any("error", err))
			stop()
		}
	}()

	slog.InfoContext(ctx, "✨ Orderflow fully operational. Press Ctrl+C to exit.",
		slog.String("addr", cfg.Server.Addr))

	// Wait for shutdown signal
	<-ctx.Done()

	slog.InfoContext(ctx, "👋 Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown incomplete", slog.Any("error", err))
	}
	eng.Stop()
}
