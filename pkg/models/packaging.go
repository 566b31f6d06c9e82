package models

import "time"

// PackagingStatus is the lifecycle state of a video's ABR package
type PackagingStatus string

// PackagingStatus constants
const (
	PackagingStatusMissing    PackagingStatus = "missing"
	PackagingStatusInProgress PackagingStatus = "in_progress"
	PackagingStatusReady      PackagingStatus = "ready"
	PackagingStatusFailed     PackagingStatus = "failed"
)

// PackagingRecord is one row of the packaging status table
type PackagingRecord struct {
	VideoID     VideoID         `json:"video_id" db:"video_id"`
	JobID       string          `json:"job_id,omitempty" db:"job_id"`
	Status      PackagingStatus `json:"status" db:"status"`
	Attempts    int             `json:"attempts" db:"attempts"`
	FailedStep  string          `json:"failed_step,omitempty" db:"failed_step"`
	ErrorMsg    string          `json:"error_msg,omitempty" db:"error_msg"`
	StartedAt   *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Manifest is a committed master playlist
type Manifest struct {
	VideoID VideoID `json:"video_id"`
	Path    string  `json:"path"`
	Data    []byte  `json:"-"`
}

// PackageRequest asks a worker to package a video ahead of playback
type PackageRequest struct {
	VideoID     VideoID   `json:"video_id"`
	RequestID   string    `json:"request_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// PackagingEvent is published when a packaging job resolves
type PackagingEvent struct {
	Event      string          `json:"event"`
	VideoID    VideoID         `json:"video_id"`
	JobID      string          `json:"job_id"`
	Status     PackagingStatus `json:"status"`
	Profiles   []string        `json:"profiles,omitempty"`
	Encoded    []string        `json:"encoded,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Packaging event names
const (
	EventPackagingReady  = "packaging.ready"
	EventPackagingFailed = "packaging.failed"
)
