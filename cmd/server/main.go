package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ahg-platform/be-workflow/internal/client"
	"github.com/ahg-platform/be-workflow/internal/config"
	"github.com/ahg-platform/be-workflow/internal/database"
	"github.com/ahg-platform/be-workflow/internal/handler"
	"github.com/ahg-platform/be-workflow/internal/logger"
	"github.com/ahg-platform/be-workflow/internal/middleware"
	"github.com/ahg-platform/be-workflow/internal/natsclient"
	"github.com/ahg-platform/be-workflow/internal/repository"
	"github.com/ahg-platform/be-workflow/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Workflow Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.New(ctx, database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Name,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	var nats *natsclient.Client
	if cfg.NATS.Enabled {
		nats, err = natsclient.Connect(cfg.NATS.URL)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer nats.Close()
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	}

	// Collaborator clients
	identityClient := client.NewIdentityClient(cfg.Identity.BaseURL)
	recordStoreClient := client.NewRecordStoreClient(cfg.RecordStore.BaseURL)
	notifier := client.NewNotificationPublisher(nats, log.Logger)

	// Repositories
	defRepo := repository.NewDefinitionRepository(db)
	instanceRepo := repository.NewInstanceRepository(db)
	taskRepo := repository.NewTaskRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	// Services
	validator := service.NewTransitionValidator(identityClient)
	definitionService := service.NewDefinitionService(db, defRepo, log)
	engineService := service.NewEngineService(
		db, defRepo, instanceRepo, taskRepo, auditRepo,
		validator, recordStoreClient, notifier, log,
	)
	poolService := service.NewPoolService(
		db, instanceRepo, taskRepo, auditRepo, validator, notifier, log,
	)
	statsService := service.NewStatsService(taskRepo, auditRepo)

	if cfg.Sweep.Enabled {
		go poolService.RunSweeper(ctx, cfg.Sweep.Interval, cfg.Sweep.ClaimTTL)
	}

	// HTTP routes
	httpHandler := handler.NewHTTPHandler(definitionService, engineService, poolService, statsService, log)
	mux := http.NewServeMux()
	httpHandler.RegisterRoutes(mux)

	var h http.Handler = mux
	h = middleware.Timeout(30 * time.Second)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.RequestID(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Shutdown complete")
}
