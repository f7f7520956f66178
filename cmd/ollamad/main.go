package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/hbastos/ollamad/internal/adapters/ollama"
	appconfig "github.com/hbastos/ollamad/internal/config"
	"github.com/hbastos/ollamad/internal/core/services"
	"github.com/hbastos/ollamad/pkg/kernel"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting ollamad")

	if err := run(logger); err != nil {
		logger.Error("ollamad startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	configPath := flag.String("config", "ollamad.toml", "path to the TOML config file")
	flag.Parse()

	cfg, err := appconfig.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	upstream := ollama.NewClient(logger, cfg.OllamaURL, cfg.RequestTimeout())

	eventBus := services.NewEventBus(logger)
	manager := services.NewPullManager(logger, upstream, eventBus, services.PullManagerConfig{
		MaxConcurrentPulls: int64(cfg.MaxConcurrentPulls),
		RetentionJobs:      cfg.RetentionJobs,
		PullTimeout:        cfg.PullTimeout(),
	})

	apiServer := kernel.NewServer(logger, manager, upstream, eventBus, cfg.AllowedModels)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: c.Handler(apiServer.Handler()),
	}

	g, gCtx := errgroup.WithContext(ctx)

	// 1. Pull manager dispatcher
	g.Go(func() error {
		return manager.Run(gCtx)
	})

	// 2. API server
	g.Go(func() error {
		logger.Info("starting api server", "addr", cfg.ListenAddr, "ollama_url", cfg.OllamaURL)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	// 3. Graceful shutdown for the API server
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
