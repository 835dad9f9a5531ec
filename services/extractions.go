package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"clinical-fhir-extractor/internal/apperrors"
	"clinical-fhir-extractor/internal/config"
	"clinical-fhir-extractor/internal/document"
	"clinical-fhir-extractor/internal/extractor"
	"clinical-fhir-extractor/models"
	"clinical-fhir-extractor/utils"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ExtractionStore persists extraction records. Bundles are brotli-compressed
// at rest and only written after validation.
type ExtractionStore struct {
	col *mongo.Collection
}

func NewExtractionStore(db *mongo.Database) *ExtractionStore {
	return &ExtractionStore{col: db.Collection(config.ExtractionsCollection)}
}

// NewPendingExtraction builds the record created when a document arrives.
func NewPendingExtraction(userID, filename string, size int64, now time.Time) *models.Extraction {
	return &models.Extraction{
		ExtractionID: uuid.NewString(),
		UserID:       userID,
		Filename:     filename,
		Format:       document.Extension(filename),
		Size:         size,
		Status:       models.ExtractionPending,
		CreatedAt:    now,
	}
}

// CompletedFields builds the $set document for a successful run.
func CompletedFields(res *extractor.Result, now time.Time) (bson.M, error) {
	raw, err := res.Bundle.JSON()
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	payload, algo, err := utils.CompressJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("compress bundle: %w", err)
	}
	set := bson.M{
		"status":          models.ExtractionCompleted,
		"source":          string(res.Source),
		"resource_counts": res.Bundle.ResourceCounts(),
		"entry_count":     len(res.Bundle.Entries()),
		"duration_ms":     res.Duration.Milliseconds(),
		"bundle":          payload,
		"compression":     string(algo),
		"completed_at":    now,
	}
	if res.Document != nil {
		set["mime_type"] = res.Document.MIMEType
		set["format"] = string(res.Document.Format)
	}
	return set, nil
}

// ErrorKind names a pipeline failure: its apperrors kind, or timeout,
// cancelled or internal_error.
func ErrorKind(err error) string {
	if kind := apperrors.KindOf(err); kind != "" {
		return string(kind)
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	return "internal_error"
}

// FailedFields builds the $set document for a failed run. No bundle is kept.
func FailedFields(err error, now time.Time) bson.M {
	return bson.M{
		"status":        models.ExtractionFailed,
		"error_kind":    ErrorKind(err),
		"error_message": err.Error(),
		"completed_at":  now,
	}
}

// DecodeBundle returns the stored Bundle of a completed extraction.
func DecodeBundle(e *models.Extraction) (map[string]any, error) {
	if len(e.Bundle) == 0 {
		return nil, nil
	}
	raw, err := utils.DecompressData(e.Bundle, utils.CompressionAlgorithm(e.Compression))
	if err != nil {
		return nil, err
	}
	var bundle map[string]any
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, fmt.Errorf("decode stored bundle: %w", err)
	}
	return bundle, nil
}

func (s *ExtractionStore) Create(ctx context.Context, e *models.Extraction) error {
	_, err := s.col.InsertOne(ctx, e)
	return err
}

func (s *ExtractionStore) Complete(ctx context.Context, id string, res *extractor.Result) error {
	set, err := CompletedFields(res, time.Now().UTC())
	if err != nil {
		return err
	}
	return s.update(ctx, id, set)
}

func (s *ExtractionStore) Fail(ctx context.Context, id string, cause error) error {
	return s.update(ctx, id, FailedFields(cause, time.Now().UTC()))
}

func (s *ExtractionStore) SetTaskID(ctx context.Context, id, taskID string) error {
	return s.update(ctx, id, bson.M{"task_id": taskID})
}

func (s *ExtractionStore) update(ctx context.Context, id string, set bson.M) error {
	res, err := s.col.UpdateOne(ctx, bson.M{"extraction_id": id}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns an extraction owned by userID.
func (s *ExtractionStore) Get(ctx context.Context, userID, id string) (*models.Extraction, error) {
	var e models.Extraction
	err := s.col.FindOne(ctx, bson.M{"extraction_id": id, "user_id": userID}).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// List returns the newest extractions of userID without their bundles.
func (s *ExtractionStore) List(ctx context.Context, userID string, limit int) ([]models.Extraction, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit)).
		SetProjection(bson.M{"bundle": 0})
	cursor, err := s.col.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	out := []models.Extraction{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ExtractionStore) Delete(ctx context.Context, userID, id string) error {
	res, err := s.col.DeleteOne(ctx, bson.M{"extraction_id": id, "user_id": userID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}
