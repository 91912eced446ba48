package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/longform/internal/auth"
	"github.com/snappy-loop/longform/internal/config"
	"github.com/snappy-loop/longform/internal/database"
	"github.com/snappy-loop/longform/internal/events"
	"github.com/snappy-loop/longform/internal/httpapi"
	"github.com/snappy-loop/longform/internal/storage"
	"github.com/snappy-loop/longform/migrations"
)

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().Msg("Starting Longform API server")

	// Initialize database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := migrations.Run(db.DB); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	// Initialize S3 storage client
	storageClient, err := storage.NewClient(
		cfg.S3Endpoint,
		cfg.S3Region,
		cfg.S3Bucket,
		cfg.S3AccessKey,
		cfg.S3SecretKey,
		cfg.S3UseSSL,
		cfg.S3PublicURL,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize storage client")
	}

	// Kafka event producer: best-effort job-created/job-terminal fan-out. A
	// no-op producer is used when KAFKA_BROKERS is unset.
	eventProducer := events.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicEvents)
	defer eventProducer.Close()

	authService := auth.NewService(cfg.JWTSecret, cfg.JWTIssuer, cfg.ServiceSecret)

	jobRepo := database.NewJobRepository(db)
	segmentRepo := database.NewSegmentRepository(db)

	handler := httpapi.NewHandler(jobRepo, segmentRepo, storageClient, db, eventProducer, httpapi.Config{
		DefaultWPM:           cfg.DefaultWPM,
		MinSegmentSeconds:    cfg.MinSegmentSeconds,
		MaxSegmentSecondsCap: cfg.MaxSegmentSecondsCap,
		SignedURLTTL:         cfg.SignedURLTTL,
	})

	// Setup HTTP router
	router := mux.NewRouter()

	// Unauthenticated liveness probe
	router.HandleFunc("/api/health", handler.Health).Methods("GET")

	// Job creation is user-facing only; job/segment reads are also exposed
	// svc-to-svc, actor-scoped via X-Actor-User-Id.
	router.Handle("/api/longform/jobs", authService.UserMiddleware(http.HandlerFunc(handler.CreateJob))).Methods("POST")
	router.Handle("/api/longform/jobs/{id}", authService.AnyMiddleware(http.HandlerFunc(handler.GetJob))).Methods("GET")
	router.Handle("/api/longform/jobs/{id}/segments", authService.AnyMiddleware(http.HandlerFunc(handler.ListSegments))).Methods("GET")

	httpAddr := cfg.HTTPAddr
	srv := &http.Server{
		Addr:         httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", httpAddr).Msg("API server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}
