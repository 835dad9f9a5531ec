package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"clinical-fhir-extractor/utils"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

const (
	TaskExtractFHIR = "fhir:extract"

	QueueCritical = "critical"
	QueueDefault  = "default"

	// MaxRetry bounds retries of transient model failures.
	MaxRetry = 2

	stashTTL = 24 * time.Hour
)

var ErrDocumentMissing = errors.New("queued document not found")

type ExtractPayload struct {
	ExtractionID string `json:"extraction_id"`
	UserID       string `json:"user_id"`
	Filename     string `json:"filename"`
}

// NewExtractTask builds an extraction task. timeout bounds one attempt.
func NewExtractTask(p ExtractPayload, timeout time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(
		TaskExtractFHIR,
		payload,
		asynq.MaxRetry(MaxRetry),
		asynq.Timeout(timeout),
		asynq.Queue(QueueCritical),
		asynq.TaskID(p.ExtractionID),
		asynq.Retention(stashTTL),
	), nil
}

// DocumentStash holds uploaded documents in Redis until a worker picks them up.
type DocumentStash struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewDocumentStash(rdb redis.Cmdable) *DocumentStash {
	return &DocumentStash{rdb: rdb, ttl: stashTTL}
}

func stashKey(extractionID string) string {
	return "extract:doc:" + extractionID
}

func (s *DocumentStash) Put(ctx context.Context, extractionID string, data []byte) error {
	compressed, err := utils.CompressData(data, utils.CompressionBrotli)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, stashKey(extractionID), compressed, s.ttl).Err()
}

func (s *DocumentStash) Get(ctx context.Context, extractionID string) ([]byte, error) {
	compressed, err := s.rdb.Get(ctx, stashKey(extractionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrDocumentMissing
	}
	if err != nil {
		return nil, err
	}
	return utils.DecompressData(compressed, utils.CompressionBrotli)
}

func (s *DocumentStash) Delete(ctx context.Context, extractionID string) error {
	return s.rdb.Del(ctx, stashKey(extractionID)).Err()
}

type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer stashes the document and schedules its extraction.
type Enqueuer struct {
	client  taskEnqueuer
	stash   *DocumentStash
	timeout time.Duration
}

func NewEnqueuer(client *asynq.Client, stash *DocumentStash, timeout time.Duration) *Enqueuer {
	return &Enqueuer{client: client, stash: stash, timeout: timeout}
}

// Enqueue returns the asynq task ID.
func (e *Enqueuer) Enqueue(ctx context.Context, p ExtractPayload, data []byte) (string, error) {
	if err := e.stash.Put(ctx, p.ExtractionID, data); err != nil {
		return "", fmt.Errorf("stash document: %w", err)
	}
	task, err := NewExtractTask(p, e.timeout)
	if err != nil {
		return "", err
	}
	info, err := e.client.EnqueueContext(ctx, task)
	if err != nil {
		_ = e.stash.Delete(context.WithoutCancel(ctx), p.ExtractionID)
		return "", fmt.Errorf("enqueue extraction: %w", err)
	}
	return info.ID, nil
}
