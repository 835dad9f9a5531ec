package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Audit actions
const (
	ActionRegister         = "register"
	ActionLogin            = "login"
	ActionTokenRefresh     = "token_refresh"
	ActionLogout           = "logout"
	ActionProfileUpdate    = "profile_update"
	ActionCreateAPIKey     = "create_api_key"
	ActionDeleteAPIKey     = "delete_api_key"
	ActionExtractFHIR      = "extract_fhir"
	ActionDeleteExtraction = "delete_extraction"
	ActionSetQuota         = "set_quota"
)

// Audit statuses
const (
	AuditSuccess = "success"
	AuditFailure = "failure"
)

// AuditEvent represents an immutable audit log entry
type AuditEvent struct {
	ID           string            `bson:"_id,omitempty" json:"id"`
	Seq          int64             `bson:"seq" json:"seq"`
	Timestamp    time.Time         `bson:"timestamp" json:"timestamp"`
	UserID       string            `bson:"user_id,omitempty" json:"user_id,omitempty"`
	Action       string            `bson:"action" json:"action"`
	Resource     string            `bson:"resource,omitempty" json:"resource,omitempty"`
	Status       string            `bson:"status" json:"status"`
	IPAddress    string            `bson:"ip_address,omitempty" json:"ip_address,omitempty"`
	UserAgent    string            `bson:"user_agent,omitempty" json:"user_agent,omitempty"`
	RequestID    string            `bson:"request_id,omitempty" json:"request_id,omitempty"`
	Details      map[string]string `bson:"details,omitempty" json:"details,omitempty"`
	PreviousHash string            `bson:"previous_hash" json:"previous_hash"` // Hash of previous audit entry
	CurrentHash  string            `bson:"current_hash" json:"current_hash"`   // Hash of this entry
}

// ComputeHash computes the hash of this audit event. Details are encoded with
// sorted keys so the hash survives a storage round trip.
func (e *AuditEvent) ComputeHash() string {
	details, _ := json.Marshal(e.Details)
	data := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%s|%s|%s",
		e.Seq,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.UserID,
		e.Action,
		e.Resource,
		e.Status,
		e.IPAddress,
		e.RequestID,
		details,
		e.PreviousHash,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// ChainReport is the outcome of a chain verification.
type ChainReport struct {
	Valid     bool   `json:"valid"`
	Events    int    `json:"events"`
	BrokenAt  string `json:"broken_at,omitempty"`
	Reason    string `json:"reason,omitempty"`
	CheckedAt string `json:"checked_at"`
}

// ChainVerifier checks events fed to it in sequence order.
type ChainVerifier struct {
	previous string
	count    int
	broken   *AuditEvent
	reason   string
}

// Add checks one event and reports whether the chain is still intact.
func (v *ChainVerifier) Add(e *AuditEvent) bool {
	if v.broken != nil {
		return false
	}
	v.count++
	if v.count > 1 && e.PreviousHash != v.previous {
		v.broken, v.reason = e, "previous hash mismatch"
		return false
	}
	if e.CurrentHash != e.ComputeHash() {
		v.broken, v.reason = e, "hash mismatch"
		return false
	}
	v.previous = e.CurrentHash
	return true
}

func (v *ChainVerifier) Report() ChainReport {
	r := ChainReport{Valid: v.broken == nil, Events: v.count, CheckedAt: time.Now().UTC().Format(time.RFC3339)}
	if v.broken != nil {
		r.BrokenAt, r.Reason = v.broken.ID, v.reason
	}
	return r
}

// AuditFilter narrows QueryAuditLogs. Zero fields match everything.
type AuditFilter struct {
	UserID string
	Action string
	Status string
	Since  time.Time
}

// AuditLogger handles immutable, hash-chained audit logging. A single writer
// per database is assumed; the chain head is loaded from storage on first use.
type AuditLogger struct {
	col    *mongo.Collection
	logger *slog.Logger

	mu       sync.Mutex
	loaded   bool
	lastSeq  int64
	lastHash string

	pending sync.WaitGroup
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(db *mongo.Database, logger *slog.Logger) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{col: db.Collection("audit_logs"), logger: logger}
}

// Log appends event to the chain.
func (al *AuditLogger) Log(ctx context.Context, event *AuditEvent) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	if !al.loaded {
		if err := al.loadHead(ctx); err != nil {
			return fmt.Errorf("load audit chain head: %w", err)
		}
	}

	// Mongo stores milliseconds; truncate so the stored hash verifies.
	event.Timestamp = time.Now().UTC().Truncate(time.Millisecond)
	event.ID = uuid.NewString()
	event.Seq = al.lastSeq + 1
	event.PreviousHash = al.lastHash
	event.CurrentHash = event.ComputeHash()

	// Store audit event (insert-only, never update)
	if _, err := al.col.InsertOne(ctx, event); err != nil {
		return err
	}

	al.lastSeq = event.Seq
	al.lastHash = event.CurrentHash
	return nil
}

func (al *AuditLogger) loadHead(ctx context.Context) error {
	var last AuditEvent
	err := al.col.FindOne(ctx, bson.M{}, options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}})).Decode(&last)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
	case err != nil:
		return err
	default:
		al.lastSeq, al.lastHash = last.Seq, last.CurrentHash
	}
	al.loaded = true
	return nil
}

// LogAsync logs an audit event without blocking the caller. Failures are
// logged and never surface to the request.
func (al *AuditLogger) LogAsync(event *AuditEvent) {
	al.pending.Add(1)
	go func() {
		defer al.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := al.Log(ctx, event); err != nil {
			al.logger.Error("audit logging failed", "action", event.Action, "error", err)
		}
	}()
}

// Wait blocks until every LogAsync write has finished.
func (al *AuditLogger) Wait() {
	al.pending.Wait()
}

// VerifyChain verifies the integrity of the whole audit chain.
func (al *AuditLogger) VerifyChain(ctx context.Context) (ChainReport, error) {
	cursor, err := al.col.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return ChainReport{}, err
	}
	defer cursor.Close(ctx)

	var v ChainVerifier
	for cursor.Next(ctx) {
		var event AuditEvent
		if err := cursor.Decode(&event); err != nil {
			return ChainReport{}, err
		}
		if !v.Add(&event) {
			break
		}
	}
	if err := cursor.Err(); err != nil {
		return ChainReport{}, err
	}

	report := v.Report()
	if !report.Valid {
		al.logger.Error("audit chain broken", "event_id", report.BrokenAt, "reason", report.Reason)
	}
	return report, nil
}

// QueryAuditLogs returns the newest events matching f.
func (al *AuditLogger) QueryAuditLogs(ctx context.Context, f AuditFilter, limit int) ([]AuditEvent, error) {
	filter := bson.M{}
	if f.UserID != "" {
		filter["user_id"] = f.UserID
	}
	if f.Action != "" {
		filter["action"] = f.Action
	}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	if !f.Since.IsZero() {
		filter["timestamp"] = bson.M{"$gte": f.Since}
	}

	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: -1}}).SetLimit(int64(limit))
	cursor, err := al.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	events := []AuditEvent{}
	if err := cursor.All(ctx, &events); err != nil {
		return nil, err
	}
	return events, nil
}
