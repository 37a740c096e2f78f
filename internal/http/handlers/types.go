package handlers

import (
	"time"

	"github.com/jmylchreest/vodarr/internal/models"
	"github.com/jmylchreest/vodarr/internal/storage"
)

// PaginationMeta contains pagination metadata in responses.
type PaginationMeta struct {
	Offset     int   `json:"offset"`
	Limit      int   `json:"limit"`
	TotalItems int64 `json:"total_items"`
	HasMore    bool  `json:"has_more"`
}

// NewPaginationMeta builds pagination metadata for a page of size returned items.
func NewPaginationMeta(offset, limit, size int, total int64) PaginationMeta {
	return PaginationMeta{
		Offset:     offset,
		Limit:      limit,
		TotalItems: total,
		HasMore:    int64(offset+size) < total,
	}
}

// Job types

// JobResponse represents a job in API responses.
type JobResponse struct {
	ID              models.ULID      `json:"id"`
	SourceURL       string           `json:"source_url"`
	Status          models.JobStatus `json:"status"`
	Title           *string          `json:"title,omitempty"`
	DurationSeconds *int64           `json:"duration_seconds,omitempty"`
	ThumbnailURL    *string          `json:"thumbnail_url,omitempty"`
	Description     *string          `json:"description,omitempty"`
	ArtifactPath    *string          `json:"artifact_path,omitempty"`
	StreamURL       string           `json:"stream_url,omitempty" doc:"Relative URL of the HLS playlist, set once the job is ready"`
	FileSizeBytes   *int64           `json:"file_size_bytes,omitempty"`
	FailureReason   string           `json:"failure_reason,omitempty"`
	WorkerID        string           `json:"worker_id,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	ClaimedAt       *time.Time       `json:"claimed_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

// StreamPath returns the playlist URL path for a job.
func StreamPath(id models.ULID) string {
	return StreamPrefix + "/" + id.String() + "/" + storage.PlaylistName
}

// JobFromModel converts a model to a response.
func JobFromModel(j *models.Job) JobResponse {
	resp := JobResponse{
		ID:              j.ID,
		SourceURL:       j.SourceURL,
		Status:          j.Status,
		Title:           j.Title,
		DurationSeconds: j.DurationSeconds,
		ThumbnailURL:    j.ThumbnailURL,
		Description:     j.Description,
		ArtifactPath:    j.ArtifactPath,
		FileSizeBytes:   j.FileSizeBytes,
		FailureReason:   j.FailureReason,
		WorkerID:        j.WorkerID,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
		ClaimedAt:       j.ClaimedAt,
		CompletedAt:     j.CompletedAt,
	}
	if j.Status == models.JobStatusReady {
		resp.StreamURL = StreamPath(j.ID)
	}
	return resp
}

// Health types

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status        string            `json:"status" enum:"healthy,degraded,unhealthy"`
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	CPUInfo       CPUInfo           `json:"cpu_info"`
	Memory        MemoryInfo        `json:"memory"`
	Disk          *DiskInfo         `json:"disk,omitempty"`
	Components    HealthComponents  `json:"components"`
	Checks        map[string]string `json:"checks"`
}

// CPUInfo contains CPU load information.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo contains system and process memory usage in megabytes.
type MemoryInfo struct {
	TotalMemoryMB     float64           `json:"total_memory_mb"`
	UsedMemoryMB      float64           `json:"used_memory_mb"`
	AvailableMemoryMB float64           `json:"available_memory_mb"`
	ProcessMemory     ProcessMemoryInfo `json:"process_memory"`
}

// ProcessMemoryInfo covers this process and the tools it runs.
type ProcessMemoryInfo struct {
	MainProcessMB      float64 `json:"main_process_mb"`
	ChildProcessesMB   float64 `json:"child_processes_mb"`
	ChildProcessCount  int     `json:"child_process_count"`
	TotalProcessTreeMB float64 `json:"total_process_tree_mb"`
}

// DiskInfo describes the filesystem holding the job directories.
type DiskInfo struct {
	Path        string  `json:"path"`
	TotalGB     float64 `json:"total_gb"`
	FreeGB      float64 `json:"free_gb"`
	UsedPercent float64 `json:"used_percent"`
}

// HealthComponents reports each dependency separately.
type HealthComponents struct {
	Database DatabaseHealth `json:"database"`
	FFmpeg   ToolHealth     `json:"ffmpeg"`
}

// DatabaseHealth contains database connectivity details.
type DatabaseHealth struct {
	Status            string  `json:"status"`
	ResponseTimeMS    float64 `json:"response_time_ms"`
	ActiveConnections int     `json:"active_connections,omitempty"`
	IdleConnections   int     `json:"idle_connections,omitempty"`
	Error             string  `json:"error,omitempty"`
}

// ToolHealth describes an external tool.
type ToolHealth struct {
	Status  string   `json:"status"`
	Path    string   `json:"path,omitempty"`
	Version string   `json:"version,omitempty"`
	Missing []string `json:"missing,omitempty"`
	Error   string   `json:"error,omitempty"`
}
