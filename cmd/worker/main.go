package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/longform/internal/config"
	"github.com/snappy-loop/longform/internal/controller"
	"github.com/snappy-loop/longform/internal/database"
	"github.com/snappy-loop/longform/internal/dispatcher"
	"github.com/snappy-loop/longform/internal/events"
	"github.com/snappy-loop/longform/internal/fusionclient"
	"github.com/snappy-loop/longform/internal/ratelimit"
	"github.com/snappy-loop/longform/internal/stitcher"
	"github.com/snappy-loop/longform/internal/stitchpool"
	"github.com/snappy-loop/longform/internal/storage"
	"github.com/snappy-loop/longform/internal/ttsclient"
	"github.com/snappy-loop/longform/internal/webhookclient"
	"github.com/snappy-loop/longform/internal/worker"
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

	log.Info().Msg("Starting Longform Worker")

	// Initialize database connection
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

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

	jobRepo := database.NewJobRepository(db)
	segmentRepo := database.NewSegmentRepository(db)

	// Upstream collaborator clients, rate-limited per segment stage.
	limiters := ratelimit.New(cfg.TTSRateLimitPerSec, cfg.FusionRateLimitPerSec)
	ttsClient := ttsclient.NewClient(cfg.TTSBaseURL, limiters)
	fusionClient := fusionclient.NewClient(cfg.FusionBaseURL, limiters)

	segmentWorker := worker.New(segmentRepo, ttsClient, fusionClient, worker.Config{
		TTSMaxAttempts:    cfg.TTSMaxAttempts,
		FusionMaxAttempts: cfg.FusionMaxAttempts,
		PollBackoffBase:   cfg.PollBackoffBase,
		PollBackoffCap:    cfg.PollBackoffCap,
		RetryBackoffCap:   cfg.PollBackoffCap,
		FusionPollBudget:  cfg.FusionPollBudget,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Kafka event producer: best-effort job-created/job-terminal fan-out. A
	// no-op producer is used when KAFKA_BROKERS is unset, so the core
	// pipeline never depends on it.
	eventProducer := events.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicEvents)
	defer eventProducer.Close()

	// Webhook delivery is driven by a Kafka consumer bridging published
	// events to delivery, not by the Controller calling it directly.
	webhookService := webhookclient.NewService(db, cfg, func(jobID uuid.UUID) (string, *string) {
		job, err := jobRepo.GetByID(ctx, jobID)
		if err != nil {
			log.Error().Err(err).Str("job_id", jobID.String()).Msg("could not resolve webhook url for job")
			return "", nil
		}
		if job.WebhookURL == nil {
			return "", nil
		}
		return *job.WebhookURL, job.WebhookSecret
	})
	webhookService.Start(ctx)
	defer webhookService.Stop()

	var wg sync.WaitGroup

	var eventConsumer *events.Consumer
	if len(cfg.KafkaBrokers) > 0 {
		eventConsumer = events.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopicEvents, cfg.KafkaConsumerGroup, webhookService)
		defer eventConsumer.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := eventConsumer.Start(ctx); err != nil && err != context.Canceled {
				log.Error().Err(err).Msg("event consumer stopped")
			}
		}()
	}

	// The Stitcher assembles a job's succeeded segments into a final
	// artifact and reports terminal state back through the Controller; the
	// pool bounds how many stitches run concurrently in this process.
	jobController := controller.New(jobRepo, segmentRepo, nil, eventProducer)
	jobStitcher := stitcher.New(segmentRepo, jobController, storageClient, os.TempDir(), cfg.FFmpegPath)
	pool := stitchpool.New(ctx, jobStitcher, cfg.VideoStageConcurrency)
	jobController = controller.New(jobRepo, segmentRepo, pool, eventProducer)

	claimDispatcher := dispatcher.New(segmentRepo, jobRepo, segmentWorker, jobController, dispatcher.Config{
		WorkerID:              workerID(),
		AudioStageConcurrency: cfg.AudioStageConcurrency,
		VideoStageConcurrency: cfg.VideoStageConcurrency,
		MaxInflightPerJob:     cfg.MaxInflightPerJob,
		PollInterval:          cfg.DispatchPollInterval,
		PollJitter:            cfg.DispatchPollJitter,
		SegmentLockTTL:        cfg.SegmentLockTTL,
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		claimDispatcher.Run(ctx)
	}()

	log.Info().Msg("Worker started, claiming segments...")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down worker...")

	// Cancel context to stop the claim loop and event consumer
	cancel()

	// Wait for in-flight segment and stitch work to finish, bounded by a
	// timeout so a stuck upstream call cannot hang shutdown indefinitely.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		pool.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("Worker shutdown complete")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("Worker shutdown timeout")
	}

	log.Info().Msg("Worker exited")
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker-unknown"
	}
	return host
}
