package services

import (
	"context"
	"errors"
	"time"

	"clinical-fhir-extractor/internal/config"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var ErrQuotaExceeded = errors.New("daily extraction quota exceeded")

// ExtractionQuota is a user's daily extraction allowance. A DailyLimit of 0
// falls back to the service default.
type ExtractionQuota struct {
	UserID        string    `bson:"user_id" json:"user_id"`
	DailyLimit    int       `bson:"daily_limit" json:"daily_limit"`
	UsedToday     int       `bson:"used_today" json:"used_today"`
	LastResetDate time.Time `bson:"last_reset_date" json:"last_reset_date"`
	CreatedAt     time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at" json:"updated_at"`
}

// QuotaService enforces per-user daily extraction limits in Mongo.
type QuotaService struct {
	col          *mongo.Collection
	defaultLimit int
	now          func() time.Time
}

func NewQuotaService(db *mongo.Database, defaultLimit int) *QuotaService {
	return &QuotaService{
		col:          db.Collection(config.ExtractionQuotasCollection),
		defaultLimit: defaultLimit,
		now:          time.Now,
	}
}

// Enabled reports whether a default limit is configured.
func (q *QuotaService) Enabled() bool { return q.defaultLimit > 0 }

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// EffectiveLimit resolves a stored limit against the default.
func EffectiveLimit(stored, defaultLimit int) int {
	if stored > 0 {
		return stored
	}
	return defaultLimit
}

// CheckAndConsume reserves one extraction for userID today.
func (q *QuotaService) CheckAndConsume(ctx context.Context, userID string) error {
	now := q.now()
	today := startOfDay(now)

	// Reset if new day
	if _, err := q.col.UpdateOne(ctx,
		bson.M{"user_id": userID, "last_reset_date": bson.M{"$lt": today}},
		bson.M{"$set": bson.M{"used_today": 0, "last_reset_date": today, "updated_at": now}},
	); err != nil {
		return err
	}

	// Create lazily
	if _, err := q.col.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{"$setOnInsert": bson.M{
			"user_id":         userID,
			"daily_limit":     0,
			"used_today":      0,
			"last_reset_date": today,
			"created_at":      now,
			"updated_at":      now,
		}},
		options.Update().SetUpsert(true),
	); err != nil && !mongo.IsDuplicateKeyError(err) {
		return err
	}

	var quota ExtractionQuota
	if err := q.col.FindOne(ctx, bson.M{"user_id": userID}).Decode(&quota); err != nil {
		return err
	}
	limit := EffectiveLimit(quota.DailyLimit, q.defaultLimit)
	if limit <= 0 {
		return nil
	}

	// Increment atomically, guarded by the limit
	res, err := q.col.UpdateOne(ctx,
		bson.M{"user_id": userID, "used_today": bson.M{"$lt": limit}},
		bson.M{"$inc": bson.M{"used_today": 1}, "$set": bson.M{"updated_at": now}},
	)
	if err != nil {
		return err
	}
	if res.ModifiedCount == 0 {
		return ErrQuotaExceeded
	}
	return nil
}

// Status returns the user's quota with the effective limit filled in.
func (q *QuotaService) Status(ctx context.Context, userID string) (*ExtractionQuota, error) {
	var quota ExtractionQuota
	err := q.col.FindOne(ctx, bson.M{"user_id": userID}).Decode(&quota)
	if errors.Is(err, mongo.ErrNoDocuments) {
		quota = ExtractionQuota{UserID: userID, LastResetDate: startOfDay(q.now())}
	} else if err != nil {
		return nil, err
	}
	if quota.LastResetDate.Before(startOfDay(q.now())) {
		quota.UsedToday = 0
	}
	quota.DailyLimit = EffectiveLimit(quota.DailyLimit, q.defaultLimit)
	return &quota, nil
}

// SetLimit overrides the daily limit for one user. 0 restores the default.
func (q *QuotaService) SetLimit(ctx context.Context, userID string, dailyLimit int) error {
	now := q.now()
	_, err := q.col.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{
			"$set": bson.M{"daily_limit": dailyLimit, "updated_at": now},
			"$setOnInsert": bson.M{
				"used_today":      0,
				"last_reset_date": startOfDay(now),
				"created_at":      now,
			},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

// Reset clears today's usage for one user.
func (q *QuotaService) Reset(ctx context.Context, userID string) error {
	now := q.now()
	_, err := q.col.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{"$set": bson.M{"used_today": 0, "last_reset_date": startOfDay(now), "updated_at": now}},
	)
	return err
}
