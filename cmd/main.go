package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clinical-fhir-extractor/internal/app"
	"clinical-fhir-extractor/internal/auth"
	"clinical-fhir-extractor/internal/config"
	"clinical-fhir-extractor/internal/logger"
	"clinical-fhir-extractor/internal/queue"
	"clinical-fhir-extractor/internal/scheduler"
	"clinical-fhir-extractor/internal/telemetry"
	"clinical-fhir-extractor/middleware"
	"clinical-fhir-extractor/models"
	"clinical-fhir-extractor/routes"
	"clinical-fhir-extractor/services"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
)

const appVersion = "1.0.0"

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
			ServiceName: cfg.ServiceName,
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
	db := mongoClient.Database(cfg.DBName)

	rdb, err := config.NewRedisClient(cfg)
	if err != nil {
		log.Fatal("Failed to connect to Redis:", err)
	}
	defer rdb.Close()

	// Services
	users := services.NewUserService(db)
	apiKeys := services.NewAPIKeyService(db, cfg.APIKeyLength)
	extractions := services.NewExtractionStore(db)
	quotas := services.NewQuotaService(db, cfg.DailyExtractionLimit)
	auditLog := models.NewAuditLogger(db, appLogger)
	defer auditLog.Wait()
	auditor := middleware.NewAuditor(auditLog, metrics)

	tokens, err := auth.NewTokenService(auth.TokenConfig{
		AccessSecret:  cfg.AccessSecret,
		RefreshSecret: cfg.RefreshSecret,
		AccessTTL:     cfg.AccessTokenTTL(),
		RefreshTTL:    cfg.RefreshTokenTTL(),
	}, rdb)
	if err != nil {
		log.Fatal("Failed to initialize token service:", err)
	}
	authenticator := auth.NewAuthenticator(tokens, users, apiKeys)

	pipeline, err := app.BuildPipeline(ctx, cfg, metrics, appLogger)
	if err != nil {
		log.Fatal("Failed to build extraction pipeline:", err)
	}
	defer pipeline.Close()

	extractOpts := routes.ExtractHandlerOptions{
		Pipeline:    pipeline,
		Store:       extractions,
		Quota:       quotas,
		Auditor:     auditor,
		Metrics:     metrics,
		Logger:      appLogger,
		MaxFileSize: cfg.MaxFileSize,
		Timeout:     cfg.ExtractionDeadline(),
	}
	if !quotas.Enabled() {
		appLogger.Info("no default extraction quota, only per-user limits apply")
	}
	if cfg.AsyncEnabled {
		asynqClient := asynq.NewClientFromRedisClient(rdb)
		defer asynqClient.Close()
		extractOpts.Queue = queue.NewEnqueuer(asynqClient, queue.NewDocumentStash(rdb), cfg.ExtractionDeadline())
	}

	// Maintenance jobs
	jobs := scheduler.New(appLogger)
	if err := jobs.ScheduleJob(scheduler.TagAuditVerify, cfg.AuditVerifyCron, scheduler.VerifyAuditChain(auditLog, appLogger)); err != nil {
		log.Fatal("Failed to schedule audit verification:", err)
	}
	if err := jobs.ScheduleJob(scheduler.TagAPIKeySweep, cfg.APIKeySweepCron, scheduler.SweepExpiredAPIKeys(apiKeys, appLogger, time.Now)); err != nil {
		log.Fatal("Failed to schedule API key sweep:", err)
	}
	jobs.Start()
	defer jobs.Stop()

	// Initialize Gin router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.CORSMiddleware(cfg.CORSOrigins))
	if cfg.OTelEnabled {
		router.Use(middleware.TracingMiddleware(cfg.ServiceName))
		router.Use(middleware.EnrichTrace())
	}
	router.Use(middleware.MetricsMiddleware(metrics))
	router.Use(middleware.RequestLogger(appLogger))

	authMW := middleware.NewAuthMiddleware(authenticator)
	roles := middleware.NewRoleMiddleware()
	limiter := middleware.NewRateLimiter(rdb, cfg.RateLimitPerMinute, cfg.RateLimitEnabled, appLogger)

	routes.SetupInfoRoutes(router, routes.NewInfoHandler(cfg.ServiceName, appVersion, pipeline.OCRAvailable, map[string]routes.Pinger{
		"mongodb": func(ctx context.Context) error { return mongoClient.Ping(ctx, nil) },
		"redis":   func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}))
	routes.SetupAuthRoutes(router, routes.NewAuthHandler(routes.AuthHandlerOptions{
		Users:   users,
		Tokens:  tokens,
		Keys:    apiKeys,
		Audits:  auditLog,
		Quotas:  quotas,
		Auditor: auditor,
		Policy: routes.PasswordPolicy{
			BcryptCost: cfg.BcryptCost,
			MinLength:  cfg.PasswordMinLength,
			MaxLength:  cfg.PasswordMaxLength,
		},
		Logger: appLogger,
	}), authMW, roles, limiter)
	routes.SetupExtractRoutes(router, routes.NewExtractHandler(extractOpts), authMW, roles, limiter)
	routes.SetupExtractionRoutes(router, routes.NewExtractionsHandler(extractions, auditor, appLogger), authMW)

	// Create HTTP server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.Info("server starting", "port", cfg.Port, "ocr_available", pipeline.OCRAvailable(), "async", cfg.AsyncEnabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("server forced to shutdown", "error", err)
	}
	appLogger.Info("server exited")
}
