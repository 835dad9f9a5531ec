package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clinical-fhir-extractor/internal/app"
	"clinical-fhir-extractor/internal/config"
	"clinical-fhir-extractor/internal/logger"
	"clinical-fhir-extractor/internal/queue"
	"clinical-fhir-extractor/internal/telemetry"
	"clinical-fhir-extractor/services"

	"github.com/hibiken/asynq"
)

const workerConcurrency = 4

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	appLogger := logger.InitLogger(cfg)
	ctx := context.Background()

	if cfg.OTelEnabled {
		shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.TracerOptions{
			ServiceName: cfg.ServiceName + "-worker",
			Endpoint:    cfg.OTelEndpoint,
			SampleRatio: cfg.OTelSampleRatio,
			Environment: cfg.GinMode,
		})
		if err != nil {
			appLogger.Warn("tracing disabled", "error", err)
		} else {
			defer shutdownTracer(context.Background())
		}
	}
	metrics, err := telemetry.InitMetrics()
	if err != nil {
		log.Fatal("Failed to initialize metrics:", err)
	}

	// Connect to MongoDB
	mongoClient, err := config.ConnectMongoDB(cfg)
	if err != nil {
		log.Fatal("Failed to connect to MongoDB:", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = mongoClient.Disconnect(ctx)
	}()

	rdb, err := config.NewRedisClient(cfg)
	if err != nil {
		log.Fatal("Failed to connect to Redis:", err)
	}
	defer rdb.Close()

	pipeline, err := app.BuildPipeline(ctx, cfg, metrics, appLogger)
	if err != nil {
		log.Fatal("Failed to build extraction pipeline:", err)
	}
	defer pipeline.Close()

	server := asynq.NewServerFromRedisClient(rdb, asynq.Config{
		Concurrency: workerConcurrency,
		Queues: map[string]int{
			queue.QueueCritical: 6,
			queue.QueueDefault:  3,
		},
		StrictPriority:  true,
		ShutdownTimeout: cfg.ExtractionDeadline(),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			appLogger.Warn("task failed", "type", task.Type(), "retry", retried, "max_retry", maxRetry, "error", err)
		}),
	})

	processor := queue.NewTaskProcessor(
		pipeline,
		services.NewExtractionStore(mongoClient.Database(cfg.DBName)),
		queue.NewDocumentStash(rdb),
		metrics,
		appLogger,
	)

	appLogger.Info("starting extraction worker",
		"concurrency", workerConcurrency,
		"queues", []string{queue.QueueCritical, queue.QueueDefault},
		"ocr_available", pipeline.OCRAvailable(),
	)
	if err := server.Start(queue.NewServeMux(processor)); err != nil {
		log.Fatalf("Failed to start worker: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("shutting down worker")
	server.Shutdown()
}
