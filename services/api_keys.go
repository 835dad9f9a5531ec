package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinical-fhir-extractor/internal/config"
	"clinical-fhir-extractor/models"
	"clinical-fhir-extractor/utils"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// APIKeyService manages API keys. Only the SHA-256 of a key is persisted.
type APIKeyService struct {
	col       *mongo.Collection
	keyLength int
}

func NewAPIKeyService(db *mongo.Database, keyLength int) *APIKeyService {
	return &APIKeyService{col: db.Collection(config.APIKeysCollection), keyLength: keyLength}
}

// NewAPIKey builds an unsaved key record and returns it with the raw key.
func NewAPIKey(userID primitive.ObjectID, name string, expiresInDays *int, keyLength int, now time.Time) (*models.APIKey, string, error) {
	raw, err := utils.GenerateAPIKey(keyLength)
	if err != nil {
		return nil, "", err
	}
	key := &models.APIKey{
		ID:        primitive.NewObjectID(),
		UserID:    userID,
		Name:      name,
		KeyHash:   utils.HashAPIKey(raw),
		Prefix:    utils.KeyPrefix(raw),
		IsActive:  true,
		CreatedAt: now,
	}
	if expiresInDays != nil {
		exp := now.AddDate(0, 0, *expiresInDays)
		key.ExpiresAt = &exp
	}
	return key, raw, nil
}

func (s *APIKeyService) Create(ctx context.Context, userID, name string, expiresInDays *int) (*models.APIKey, string, error) {
	oid, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return nil, "", ErrNotFound
	}
	key, raw, err := NewAPIKey(oid, name, expiresInDays, s.keyLength, time.Now().UTC())
	if err != nil {
		return nil, "", err
	}
	if _, err := s.col.InsertOne(ctx, key); err != nil {
		return nil, "", fmt.Errorf("insert api key: %w", err)
	}
	return key, raw, nil
}

func (s *APIKeyService) List(ctx context.Context, userID string) ([]models.APIKey, error) {
	oid, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return nil, ErrNotFound
	}
	cursor, err := s.col.Find(ctx, bson.M{"user_id": oid}, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	keys := []models.APIKey{}
	if err := cursor.All(ctx, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// Delete removes a key owned by userID.
func (s *APIKeyService) Delete(ctx context.Context, userID, keyID string) error {
	uid, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return ErrNotFound
	}
	kid, err := primitive.ObjectIDFromHex(keyID)
	if err != nil {
		return ErrNotFound
	}
	res, err := s.col.DeleteOne(ctx, bson.M{"_id": kid, "user_id": uid})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *APIKeyService) FindByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	var key models.APIKey
	err := s.col.FindOne(ctx, bson.M{"key_hash": keyHash}).Decode(&key)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (s *APIKeyService) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrNotFound
	}
	_, err = s.col.UpdateByID(ctx, oid, bson.M{"$set": bson.M{"last_used_at": at}})
	return err
}

// DeactivateExpired flags keys whose expiry has passed and returns how many.
func (s *APIKeyService) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.col.UpdateMany(ctx,
		bson.M{"is_active": true, "expires_at": bson.M{"$lte": now}},
		bson.M{"$set": bson.M{"is_active": false}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}
