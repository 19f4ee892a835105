package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"batch-engine/internal/bus"
	"batch-engine/internal/config"
	"batch-engine/internal/handler"
	"batch-engine/internal/metrics"
	"batch-engine/internal/models"
	"batch-engine/internal/repository"
	"batch-engine/internal/service"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("engine exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.TimeOnly}))
}

func openArchive(cfg config.ArchiveConfig) (repository.JobRepository, error) {
	if cfg.Driver == "sqlite" {
		return repository.NewSQLiteRepository(cfg.Path)
	}
	return repository.NewMemoryRepository(), nil
}

func run(cfg config.Config, logger *slog.Logger) error {
	archive, err := openArchive(cfg.Archive)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archive.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var engine *service.Engine
	exporter, err := metrics.NewPrometheusExporter(reg, func() metrics.Snapshot { return engine.GetMetrics() })
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	opts := []service.EngineOption{
		service.WithLogger(logger),
		service.WithArchive(archive),
		service.WithEmitter(exporter),
	}
	if cfg.NATS.URL != "" {
		pub, err := bus.Connect(cfg.NATS.URL, cfg.NATS.Subject, cfg.NATS.BufferSize, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to nats: %w", err)
		}
		defer pub.Close()
		opts = append(opts, service.WithEmitter(pub))
		logger.Info("publishing events to nats", "url", cfg.NATS.URL, "subject", cfg.NATS.Subject)
	}

	engine, err = service.NewEngine(cfg, opts...)
	if err != nil {
		return err
	}
	for _, p := range demoProcessors() {
		if err := engine.RegisterProcessor(p); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler.NewJobHandler(engine, reg, logger).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("API server starting", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down server...")
	case err = <-serverErr:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration()+5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error closing server", "error", err)
	}
	engine.Shutdown(shutdownCtx)
	return err
}

// demoProcessors are available to HTTP clients by name
func demoProcessors() []*models.Processor {
	return []*models.Processor{
		models.NewProcessor("uppercase", func(ctx context.Context, items []string) ([]string, error) {
			out := make([]string, len(items))
			for i, s := range items {
				out[i] = strings.ToUpper(s)
			}
			return out, nil
		}, models.WithValidator(func(s string) error {
			if s == "" {
				return errors.New("empty string")
			}
			return nil
		})),
		models.NewProcessor("sum", func(ctx context.Context, items []float64) ([]float64, error) {
			var total float64
			for _, n := range items {
				total += n
			}
			return []float64{total}, nil
		}),
		models.NewProcessor("fail", func(ctx context.Context, items []any) ([]any, error) {
			return nil, fmt.Errorf("refusing %d items", len(items))
		}),
	}
}
