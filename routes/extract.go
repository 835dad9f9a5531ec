package routes

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"clinical-fhir-extractor/internal/extractor"
	"clinical-fhir-extractor/internal/queue"
	"clinical-fhir-extractor/internal/telemetry"
	"clinical-fhir-extractor/middleware"
	"clinical-fhir-extractor/models"
	"clinical-fhir-extractor/services"
	"clinical-fhir-extractor/utils"

	"github.com/gin-gonic/gin"
)

const defaultExtractionTimeout = 180 * time.Second

type Pipeline interface {
	Run(ctx context.Context, data []byte, filename string) (*extractor.Result, error)
	OCRAvailable() bool
}

type ExtractionRecorder interface {
	Create(ctx context.Context, e *models.Extraction) error
	Complete(ctx context.Context, id string, res *extractor.Result) error
	Fail(ctx context.Context, id string, cause error) error
	SetTaskID(ctx context.Context, id, taskID string) error
}

type QuotaChecker interface {
	CheckAndConsume(ctx context.Context, userID string) error
}

type ExtractionQueue interface {
	Enqueue(ctx context.Context, p queue.ExtractPayload, data []byte) (string, error)
}

// ExtractHandler serves the document upload endpoints.
type ExtractHandler struct {
	pipeline    Pipeline
	store       ExtractionRecorder
	quota       QuotaChecker
	queue       ExtractionQueue
	auditor     *middleware.Auditor
	metrics     *telemetry.Metrics
	logger      *slog.Logger
	maxFileSize int64
	timeout     time.Duration
	now         func() time.Time
}

type ExtractHandlerOptions struct {
	Pipeline Pipeline
	Store    ExtractionRecorder
	// Quota and Queue are optional.
	Quota       QuotaChecker
	Queue       ExtractionQueue
	Auditor     *middleware.Auditor
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger
	MaxFileSize int64
	Timeout     time.Duration
}

func NewExtractHandler(opts ExtractHandlerOptions) *ExtractHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultExtractionTimeout
	}
	return &ExtractHandler{
		pipeline:    opts.Pipeline,
		store:       opts.Store,
		quota:       opts.Quota,
		queue:       opts.Queue,
		auditor:     opts.Auditor,
		metrics:     opts.Metrics,
		logger:      logger,
		maxFileSize: opts.MaxFileSize,
		timeout:     timeout,
		now:         time.Now,
	}
}

func SetupExtractRoutes(router gin.IRouter, h *ExtractHandler, authMW *middleware.AuthMiddleware, roles *middleware.RoleMiddleware, limiter *middleware.RateLimiter) {
	group := router.Group("/extract-fhir",
		authMW.RequireAuth(),
		roles.ExtractorGuard(),
		limiter.Limit(),
		middleware.RequestSizeLimit(h.maxFileSize),
	)
	group.POST("", h.Extract)
	group.POST("/async", h.ExtractAsync)
}

// upload is a validated multipart file.
type upload struct {
	filename string
	data     []byte
}

// readUpload writes the error response itself and returns nil on failure.
func (h *ExtractHandler) readUpload(c *gin.Context) *upload {
	header, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.respondTooLarge(c)
			return nil
		}
		utils.RespondWithError(c, http.StatusBadRequest, "missing_file", "A multipart file field named \"file\" is required", nil)
		return nil
	}
	if header.Filename == "" {
		utils.RespondWithError(c, http.StatusBadRequest, "missing_filename", "Uploaded file has no filename", nil)
		return nil
	}
	if header.Size > h.maxFileSize {
		h.respondTooLarge(c)
		return nil
	}

	f, err := header.Open()
	if err != nil {
		utils.RespondWithInternalError(c, "Failed to read upload", nil)
		return nil
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, h.maxFileSize+1))
	if err != nil {
		utils.RespondWithInternalError(c, "Failed to read upload", nil)
		return nil
	}
	if int64(len(data)) > h.maxFileSize {
		h.respondTooLarge(c)
		return nil
	}
	if len(data) == 0 {
		utils.RespondWithError(c, http.StatusBadRequest, "empty_file", "Uploaded file is empty", nil)
		return nil
	}
	return &upload{filename: header.Filename, data: data}
}

func (h *ExtractHandler) respondTooLarge(c *gin.Context) {
	utils.RespondWithError(c, http.StatusRequestEntityTooLarge, "file_too_large", "File exceeds maximum size", gin.H{
		"max_size": h.maxFileSize,
	})
}

// consumeQuota writes a 429 and returns false when the caller is out of quota.
// Quota storage errors let the request through.
func (h *ExtractHandler) consumeQuota(c *gin.Context, resource string) bool {
	if h.quota == nil {
		return true
	}
	err := h.quota.CheckAndConsume(c.Request.Context(), middleware.GetUserID(c))
	switch {
	case err == nil:
		return true
	case errors.Is(err, services.ErrQuotaExceeded):
		h.auditor.Failure(c, models.ActionExtractFHIR, resource, "quota_exceeded")
		utils.RespondWithError(c, http.StatusTooManyRequests, "quota_exceeded", "Daily extraction quota exceeded", nil)
		return false
	default:
		h.logger.Warn("quota check failed", "error", err)
		return true
	}
}

// Extract runs the pipeline in-request and returns the Bundle.
func (h *ExtractHandler) Extract(c *gin.Context) {
	up := h.readUpload(c)
	if up == nil {
		return
	}
	resource := "file:" + up.filename
	if !h.consumeQuota(c, resource) {
		return
	}

	userID := middleware.GetUserID(c)
	logger := h.logger.With("request_id", middleware.GetRequestID(c), "user_id", userID, "filename", up.filename)

	record := services.NewPendingExtraction(userID, up.filename, int64(len(up.data)), h.now().UTC())
	stored := true
	if err := h.store.Create(c.Request.Context(), record); err != nil {
		logger.Error("failed to create extraction record", "error", err)
		stored = false
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()
	start := time.Now()
	res, err := h.pipeline.Run(ctx, up.data, up.filename)

	storeCtx, storeCancel := utils.Detached(c.Request.Context(), 10*time.Second)
	defer storeCancel()

	if err != nil {
		kind := services.ErrorKind(err)
		h.recordMetrics(c, kind, "", time.Since(start))
		if stored {
			if ferr := h.store.Fail(storeCtx, record.ExtractionID, err); ferr != nil {
				logger.Error("failed to record extraction failure", "error", ferr)
			}
			c.Header(middleware.ExtractionIDHeader, record.ExtractionID)
		}
		h.auditor.Failure(c, models.ActionExtractFHIR, resource, kind)
		utils.RespondWithExtractionError(c, err)
		return
	}

	h.recordMetrics(c, "success", string(res.Source), res.Duration)
	if stored {
		if err := h.store.Complete(storeCtx, record.ExtractionID, res); err != nil {
			logger.Error("failed to store extraction result", "error", err)
		} else {
			c.Header(middleware.ExtractionIDHeader, record.ExtractionID)
		}
	}
	h.auditor.Success(c, models.ActionExtractFHIR, resource, map[string]string{
		"extraction_id": record.ExtractionID,
		"source":        string(res.Source),
		"entries":       strconv.Itoa(len(res.Bundle.Entries())),
	})

	c.JSON(http.StatusOK, res.Bundle)
}

func (h *ExtractHandler) recordMetrics(c *gin.Context, outcome, source string, d time.Duration) {
	if h.metrics != nil {
		h.metrics.RecordExtraction(c.Request.Context(), outcome, source, d.Seconds())
	}
}

// ExtractAsync queues the document and returns immediately.
func (h *ExtractHandler) ExtractAsync(c *gin.Context) {
	if h.queue == nil {
		utils.RespondWithError(c, http.StatusServiceUnavailable, "async_disabled", "Asynchronous extraction is not enabled", nil)
		return
	}
	up := h.readUpload(c)
	if up == nil {
		return
	}
	resource := "file:" + up.filename
	if !h.consumeQuota(c, resource) {
		return
	}

	ctx := c.Request.Context()
	userID := middleware.GetUserID(c)
	record := services.NewPendingExtraction(userID, up.filename, int64(len(up.data)), h.now().UTC())
	if err := h.store.Create(ctx, record); err != nil {
		h.logger.Error("failed to create extraction record", "error", err)
		utils.RespondWithInternalError(c, "Failed to queue extraction", nil)
		return
	}

	taskID, err := h.queue.Enqueue(ctx, queue.ExtractPayload{
		ExtractionID: record.ExtractionID,
		UserID:       userID,
		Filename:     up.filename,
	}, up.data)
	if err != nil {
		h.logger.Error("failed to enqueue extraction", "error", err)
		storeCtx, cancel := utils.Detached(ctx, 10*time.Second)
		defer cancel()
		_ = h.store.Fail(storeCtx, record.ExtractionID, err)
		h.auditor.Failure(c, models.ActionExtractFHIR, resource, "enqueue_failed")
		utils.RespondWithInternalError(c, "Failed to queue extraction", nil)
		return
	}
	if err := h.store.SetTaskID(ctx, record.ExtractionID, taskID); err != nil {
		h.logger.Warn("failed to record task id", "error", err)
	}

	h.auditor.Success(c, models.ActionExtractFHIR, resource, map[string]string{
		"extraction_id": record.ExtractionID,
		"mode":          "async",
	})

	c.Header(middleware.ExtractionIDHeader, record.ExtractionID)
	c.JSON(http.StatusAccepted, gin.H{
		"task_id":       taskID,
		"extraction_id": record.ExtractionID,
		"status":        models.ExtractionPending,
	})
}
