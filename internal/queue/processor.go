package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"clinical-fhir-extractor/internal/apperrors"
	"clinical-fhir-extractor/internal/extractor"
	"clinical-fhir-extractor/internal/telemetry"
	"clinical-fhir-extractor/services"

	"github.com/hibiken/asynq"
)

type Extractor interface {
	Run(ctx context.Context, data []byte, filename string) (*extractor.Result, error)
}

type ResultStore interface {
	Complete(ctx context.Context, id string, res *extractor.Result) error
	Fail(ctx context.Context, id string, cause error) error
}

type documentSource interface {
	Get(ctx context.Context, extractionID string) ([]byte, error)
	Delete(ctx context.Context, extractionID string) error
}

// TaskProcessor runs queued extractions through the same pipeline as the
// synchronous endpoint.
type TaskProcessor struct {
	pipeline Extractor
	store    ResultStore
	docs     documentSource
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

func NewTaskProcessor(pipeline Extractor, store ResultStore, stash *DocumentStash, metrics *telemetry.Metrics, logger *slog.Logger) *TaskProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskProcessor{pipeline: pipeline, store: store, docs: stash, metrics: metrics, logger: logger}
}

// NewServeMux registers the processor's handlers.
func NewServeMux(p *TaskProcessor) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskExtractFHIR, p.ProcessExtraction)
	return mux
}

func (p *TaskProcessor) ProcessExtraction(ctx context.Context, t *asynq.Task) error {
	var payload ExtractPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	logger := p.logger.With("extraction_id", payload.ExtractionID, "filename", payload.Filename)
	logger.Info("processing queued extraction")

	data, err := p.docs.Get(ctx, payload.ExtractionID)
	if err != nil {
		if errors.Is(err, ErrDocumentMissing) {
			p.fail(ctx, logger, payload, err)
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}

	start := time.Now()
	res, err := p.pipeline.Run(ctx, data, payload.Filename)
	if err != nil {
		if retryable(err) && !lastAttempt(ctx) {
			logger.Warn("extraction attempt failed, will retry", "kind", apperrors.KindOf(err), "error", err)
			return err
		}
		p.record(ctx, services.ErrorKind(err), "", time.Since(start))
		p.fail(ctx, logger, payload, err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	p.record(ctx, "success", string(res.Source), res.Duration)
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.store.Complete(storeCtx, payload.ExtractionID, res); err != nil {
		return fmt.Errorf("store result: %w", err)
	}
	p.cleanup(storeCtx, logger, payload.ExtractionID)
	logger.Info("queued extraction complete", "entries", len(res.Bundle.Entries()))
	return nil
}

func (p *TaskProcessor) fail(ctx context.Context, logger *slog.Logger, payload ExtractPayload, cause error) {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.store.Fail(storeCtx, payload.ExtractionID, cause); err != nil {
		logger.Error("failed to record extraction failure", "error", err)
	}
	p.cleanup(storeCtx, logger, payload.ExtractionID)
}

func (p *TaskProcessor) cleanup(ctx context.Context, logger *slog.Logger, id string) {
	if err := p.docs.Delete(ctx, id); err != nil {
		logger.Warn("failed to drop stashed document", "error", err)
	}
}

func (p *TaskProcessor) record(ctx context.Context, outcome, source string, d time.Duration) {
	if p.metrics != nil {
		p.metrics.RecordExtraction(ctx, outcome, source, d.Seconds())
	}
}

// retryable reports whether a later attempt might succeed.
func retryable(err error) bool {
	switch apperrors.KindOf(err) {
	case apperrors.EmbeddingFailure, apperrors.GenerationFailure:
		return true
	case "":
		return errors.Is(err, context.DeadlineExceeded)
	}
	return false
}

func lastAttempt(ctx context.Context) bool {
	n, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	max, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return n >= max
}
