package models

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"gorm.io/gorm"
)

// JobStatus is a position in the ingestion state machine.
type JobStatus string

const (
	// JobStatusQueued indicates the job is waiting to be claimed.
	JobStatusQueued JobStatus = "queued"
	// JobStatusDownloading indicates a worker holds the job and is probing its metadata.
	JobStatusDownloading JobStatus = "downloading"
	// JobStatusProcessing indicates the media is being fetched or transcoded.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusReady indicates the stream artifact is available.
	JobStatusReady JobStatus = "ready"
	// JobStatusFailed indicates the job stopped on an error.
	JobStatusFailed JobStatus = "failed"
)

// AllJobStatuses lists every status in state machine order.
var AllJobStatuses = []JobStatus{
	JobStatusQueued,
	JobStatusDownloading,
	JobStatusProcessing,
	JobStatusReady,
	JobStatusFailed,
}

// IsValid reports whether s is a known status.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusQueued, JobStatusDownloading, JobStatusProcessing, JobStatusReady, JobStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusReady || s == JobStatusFailed
}

// IsInFlight reports whether a worker holds the job.
func (s JobStatus) IsInFlight() bool {
	return s == JobStatusDownloading || s == JobStatusProcessing
}

// CanTransition reports whether the state machine allows from -> to.
// Progress is strictly forward along queued < downloading < processing < ready,
// and failed is reachable from every non-terminal status.
func CanTransition(from, to JobStatus) bool {
	if !from.IsValid() || !to.IsValid() || from.IsTerminal() {
		return false
	}
	switch to {
	case JobStatusDownloading:
		return from == JobStatusQueued
	case JobStatusProcessing:
		return from == JobStatusDownloading
	case JobStatusReady:
		return from == JobStatusProcessing
	case JobStatusFailed:
		return true
	}
	return false
}

// Predecessors returns the statuses from which to may be entered.
func Predecessors(to JobStatus) []JobStatus {
	var out []JobStatus
	for _, from := range AllJobStatuses {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// FailureKind categorises why a job failed.
type FailureKind string

const (
	FailureToolNotFound  FailureKind = "tool_not_found"
	FailureToolLaunch    FailureKind = "tool_launch_failed"
	FailureToolExit      FailureKind = "tool_exit"
	FailureToolTimeout   FailureKind = "tool_timeout"
	FailureMissingOutput FailureKind = "missing_output"
	FailureInterrupted   FailureKind = "interrupted"
	FailureStale         FailureKind = "stale"
	FailureInternal      FailureKind = "internal_error"
	FailureStorage       FailureKind = "storage_error"
)

const maxFailureReasonBytes = 4096

// FormatFailure renders the stored failure reason for kind and err. Tool
// output in err may not be valid UTF-8; invalid bytes are replaced so every
// dialect accepts the column.
func FormatFailure(kind FailureKind, err error) string {
	reason := string(kind)
	if err != nil {
		reason += ": " + strings.ToValidUTF8(err.Error(), "\uFFFD")
	}
	return TruncateUTF8(reason, maxFailureReasonBytes)
}

// TruncateUTF8 shortens s to at most n bytes without splitting a rune.
func TruncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Job is one submitted URL and its progress through the ingestion pipeline.
type Job struct {
	BaseModel

	// SourceURL is the URL submitted by the user. Immutable.
	SourceURL string `gorm:"not null;size:2048" json:"source_url"`

	// Metadata fields are filled once by the probe step and never cleared.
	Title           *string `gorm:"size:1024" json:"title,omitempty"`
	DurationSeconds *int64  `json:"duration_seconds,omitempty"`
	ThumbnailURL    *string `gorm:"size:2048" json:"thumbnail_url,omitempty"`
	Description     *string `gorm:"type:text" json:"description,omitempty"`

	Status JobStatus `gorm:"not null;default:'queued';size:20;index" json:"status"`

	// ArtifactPath points at the HLS playlist. Set only when Status is ready.
	ArtifactPath  *string `gorm:"size:2048" json:"artifact_path,omitempty"`
	FileSizeBytes *int64  `json:"file_size_bytes,omitempty"`

	FailureReason string `gorm:"size:4096" json:"failure_reason,omitempty"`

	// WorkerID identifies the worker holding the claim, prefixed with the instance ID.
	WorkerID    string `gorm:"size:100;index" json:"worker_id,omitempty"`
	ClaimedAt   *Time  `json:"claimed_at,omitempty"`
	CompletedAt *Time  `json:"completed_at,omitempty"`
}

// TableName returns the table name for Job.
func (Job) TableName() string {
	return "media_jobs"
}

// IsTerminal reports whether the job reached ready or failed.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// DisplayTitle returns the title or the source URL when no title is known.
func (j *Job) DisplayTitle() string {
	if j.Title != nil && *j.Title != "" {
		return *j.Title
	}
	return j.SourceURL
}

// Validate checks the job's field invariants.
func (j *Job) Validate() error {
	if err := ValidateSourceURL(j.SourceURL); err != nil {
		return err
	}
	if !j.Status.IsValid() {
		return ErrValidation{Field: "status", Message: fmt.Sprintf("%q is not a job status", j.Status)}
	}
	hasArtifact := j.ArtifactPath != nil && *j.ArtifactPath != ""
	if hasArtifact && j.Status != JobStatusReady {
		return ErrArtifactRequiresReady
	}
	if j.Status == JobStatusReady && (!hasArtifact || j.FileSizeBytes == nil) {
		return ErrReadyRequiresArtifact
	}
	return nil
}

// BeforeCreate is a GORM hook that generates the ULID and validates the job.
func (j *Job) BeforeCreate(tx *gorm.DB) error {
	if err := j.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	if j.Status == "" {
		j.Status = JobStatusQueued
	}
	return j.Validate()
}

// ValidateSourceURL accepts absolute http and https URLs with a host.
func ValidateSourceURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return ErrURLRequired
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidURL
	}
	return nil
}

// JobPatch is a partial update to a job. Nil fields are left untouched.
type JobPatch struct {
	Status *JobStatus

	Title           *string
	DurationSeconds *int64
	ThumbnailURL    *string
	Description     *string

	ArtifactPath  *string
	FileSizeBytes *int64

	FailureReason *string
	CompletedAt   *Time
}

// IsEmpty reports whether the patch changes nothing.
func (p JobPatch) IsEmpty() bool {
	return p.Status == nil && !p.HasMetadata() && p.ArtifactPath == nil &&
		p.FileSizeBytes == nil && p.FailureReason == nil && p.CompletedAt == nil
}

// HasMetadata reports whether the patch carries any metadata field.
func (p JobPatch) HasMetadata() bool {
	return p.Title != nil || p.DurationSeconds != nil || p.ThumbnailURL != nil || p.Description != nil
}

// Validate checks that the patch cannot break the artifact invariant.
func (p JobPatch) Validate() error {
	if p.IsEmpty() {
		return ErrEmptyPatch
	}
	if p.Status != nil && !p.Status.IsValid() {
		return ErrValidation{Field: "status", Message: fmt.Sprintf("%q is not a job status", *p.Status)}
	}
	toReady := p.Status != nil && *p.Status == JobStatusReady
	if (p.ArtifactPath != nil || p.FileSizeBytes != nil) && !toReady {
		return ErrArtifactRequiresReady
	}
	if toReady && (p.ArtifactPath == nil || *p.ArtifactPath == "" || p.FileSizeBytes == nil) {
		return ErrReadyRequiresArtifact
	}
	return nil
}

// Apply copies the patch onto j. Metadata already present on j is kept.
func (p JobPatch) Apply(j *Job) {
	if p.Status != nil {
		j.Status = *p.Status
	}
	setOnce(&j.Title, p.Title)
	setOnce(&j.DurationSeconds, p.DurationSeconds)
	setOnce(&j.ThumbnailURL, p.ThumbnailURL)
	setOnce(&j.Description, p.Description)
	if p.ArtifactPath != nil {
		j.ArtifactPath = p.ArtifactPath
	}
	if p.FileSizeBytes != nil {
		j.FileSizeBytes = p.FileSizeBytes
	}
	if p.FailureReason != nil {
		j.FailureReason = *p.FailureReason
	}
	if p.CompletedAt != nil {
		j.CompletedAt = p.CompletedAt
	}
}

func setOnce[T any](dst **T, v *T) {
	if *dst == nil && v != nil {
		*dst = v
	}
}
