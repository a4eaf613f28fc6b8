package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Prismadic/magnet/common/id"
	"github.com/Prismadic/magnet/common/logger"
	"github.com/Prismadic/magnet/common/otel"
	"github.com/Prismadic/magnet/core/config"
	"github.com/Prismadic/magnet/internal/app"
	"github.com/Prismadic/magnet/internal/charge"
	"github.com/Prismadic/magnet/internal/generate"
	"github.com/Prismadic/magnet/internal/handler"
	"github.com/Prismadic/magnet/internal/model"
	"github.com/Prismadic/magnet/internal/resonator"
	"github.com/Prismadic/magnet/internal/run"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(config.ServiceTypeWorker)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	roles, err := workerRoles(cfg.Worker.Role)
	if err != nil {
		slog.ErrorContext(ctx, "invalid worker role", "error", err)
		os.Exit(1)
	}

	slog.InfoContext(ctx, "magnet worker starting", "env", cfg.Env, "roles", roles, "bus", cfg.Bus.String())

	if err := id.Init(2); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	a, err := app.New(ctx, cfg, "magnet-worker")
	if err != nil {
		slog.ErrorContext(ctx, "failed to build app", "error", err)
		os.Exit(1)
	}
	if err := a.Align(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to align bus", "error", err)
		os.Exit(1)
	}

	c := charge.New(a.Prism)
	handlerOpts := []handler.Option{
		handler.WithWorkDir(cfg.Worker.WorkDir),
		handler.WithResonatorOptions(
			resonator.WithConsumerConfig(cfg.Consumer),
			resonator.WithWorkDir(cfg.Worker.WorkDir),
		),
	}
	if cfg.OpenAI.Enabled() {
		gen, err := generate.New(generate.FromConfig(cfg.OpenAI))
		if err != nil {
			slog.ErrorContext(ctx, "failed to create generator", "error", err)
			os.Exit(1)
		}
		handlerOpts = append(handlerOpts, handler.WithGenerator(gen))
		slog.InfoContext(ctx, "inference generator enabled", "model", gen.Model())
	}
	handlers := handler.New(a.Prism, c, handlerOpts...)
	coordinator := run.New(a.Prism, handlers, run.WithMaxAttempts(cfg.Worker.MaxAttempts))

	workers := make([]*run.Worker, 0, len(roles))
	var wg sync.WaitGroup
	for _, role := range roles {
		w := run.NewWorker(coordinator, role, cfg.Worker.PollInterval)
		workers = append(workers, w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			roleCtx := logger.WithLogFields(ctx, logger.LogFields{Role: logger.Ptr(string(role)), Component: "magnet.worker"})
			if err := w.Run(roleCtx); err != nil && ctx.Err() == nil {
				slog.ErrorContext(roleCtx, "worker exited", "error", err)
			}
		}()
	}

	slog.InfoContext(ctx, "worker initialized and running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down worker...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		for _, w := range workers {
			w.Stop()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-shutdownCtx.Done():
		slog.WarnContext(shutdownCtx, "shutdown timeout exceeded")
		cancel()
	case <-done:
	}

	a.Close(shutdownCtx)

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "worker shutdown complete")
}

// workerRoles maps WORKER_ROLE to job types; empty runs every type.
func workerRoles(role string) ([]model.JobType, error) {
	if role == "" {
		return model.JobTypes, nil
	}
	t, err := model.ParseJobType(role)
	if err != nil {
		return nil, err
	}
	return []model.JobType{t}, nil
}

const banner = `
███╗   ███╗ █████╗  ██████╗ ███╗   ██╗███████╗████████╗    ██╗    ██╗ ██████╗ ██████╗ ██╗  ██╗███████╗██████╗
████╗ ████║██╔══██╗██╔════╝ ████╗  ██║██╔════╝╚══██╔══╝    ██║    ██║██╔═══██╗██╔══██╗██║ ██╔╝██╔════╝██╔══██╗
██╔████╔██║███████║██║  ███╗██╔██╗ ██║█████╗     ██║       ██║ █╗ ██║██║   ██║██████╔╝█████╔╝ █████╗  ██████╔╝
██║╚██╔╝██║██╔══██║██║   ██║██║╚██╗██║██╔══╝     ██║       ██║███╗██║██║   ██║██╔══██╗██╔═██╗ ██╔══╝  ██╔══██╗
██║ ╚═╝ ██║██║  ██║╚██████╔╝██║ ╚████║███████╗   ██║       ╚███╔███╔╝╚██████╔╝██║  ██║██║  ██╗███████╗██║  ██║
╚═╝     ╚═╝╚═╝  ╚═╝ ╚═════╝ ╚═╝  ╚═══╝╚══════╝   ╚═╝        ╚══╝╚══╝  ╚═════╝ ╚═╝  ╚═╝╚═╝  ╚═╝╚══════╝╚═╝  ╚═╝
`
