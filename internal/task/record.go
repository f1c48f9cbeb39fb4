package task

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// StorageType says why an artifact exists and which folder policy applies.
type StorageType string

const (
	StorageTemp   StorageType = "temp"
	StorageOutput StorageType = "output"
	StorageUpload StorageType = "upload"
)

// Progress is the structured snapshot mirrored onto the record on every
// published progress event. Percent is nil when the total size is unknown.
type Progress struct {
	Status     string   `json:"status"`
	Message    string   `json:"message,omitempty"`
	Percent    *float64 `json:"percent,omitempty"`
	Downloaded int64    `json:"downloaded,omitempty"`
	Total      int64    `json:"total,omitempty"`
}

// Record tracks one download/conversion attempt, keyed by session id.
type Record struct {
	SessionID         string      `json:"session_id"`
	Platform          string      `json:"platform,omitempty"`
	SourceURL         string      `json:"source_url,omitempty"`
	DirectURL         string      `json:"direct_url,omitempty"`
	RequestedFilename string      `json:"requested_filename,omitempty"`
	FormatID          string      `json:"format_id,omitempty"`
	StoragePath       string      `json:"storage_path,omitempty"`
	StorageType       StorageType `json:"storage_type,omitempty"`
	FileSize          int64       `json:"file_size,omitempty"`
	Status            Status      `json:"status"`
	Message           string      `json:"message,omitempty"`
	LastProgress      *Progress   `json:"last_progress,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
	LastAccessedAt    time.Time   `json:"last_accessed_at"`
	ExpiresAt         time.Time   `json:"expires_at"`
}

// Fields carries the optional columns merged by Upsert. Zero values are
// skipped, mirroring a partial update.
type Fields struct {
	Platform          string
	SourceURL         string
	DirectURL         string
	RequestedFilename string
	FormatID          string
	Status            Status
	Message           string
}
