package models

import (
	"time"
)

// Extraction statuses
const (
	ExtractionPending   = "pending"
	ExtractionCompleted = "completed"
	ExtractionFailed    = "failed"
)

// Extraction records one document run. The Bundle is stored compressed and
// only when validation passed.
type Extraction struct {
	ExtractionID   string         `bson:"extraction_id" json:"id"`
	UserID         string         `bson:"user_id" json:"user_id"`
	Filename       string         `bson:"filename" json:"filename"`
	MIMEType       string         `bson:"mime_type" json:"mime_type"`
	Format         string         `bson:"format" json:"format"`
	Size           int64          `bson:"size" json:"size"`
	Status         string         `bson:"status" json:"status"`
	Source         string         `bson:"source,omitempty" json:"source,omitempty"`
	TaskID         string         `bson:"task_id,omitempty" json:"task_id,omitempty"`
	ErrorKind      string         `bson:"error_kind,omitempty" json:"error_kind,omitempty"`
	ErrorMessage   string         `bson:"error_message,omitempty" json:"error_message,omitempty"`
	ResourceCounts map[string]int `bson:"resource_counts,omitempty" json:"resource_counts,omitempty"`
	EntryCount     int            `bson:"entry_count" json:"entry_count"`
	DurationMS     int64          `bson:"duration_ms,omitempty" json:"duration_ms,omitempty"`
	Bundle         []byte         `bson:"bundle,omitempty" json:"-"`
	Compression    string         `bson:"compression,omitempty" json:"-"`
	CreatedAt      time.Time      `bson:"created_at" json:"created_at"`
	CompletedAt    *time.Time     `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// ExtractionDetail is an Extraction with its decoded Bundle.
type ExtractionDetail struct {
	Extraction
	Bundle map[string]any `json:"bundle,omitempty"`
}
