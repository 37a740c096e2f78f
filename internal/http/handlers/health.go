package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/jmylchreest/vodarr/internal/ffmpeg"
)

// Health states.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// slowQueryMS marks a database ping as slow.
const slowQueryMS = 100

// DatabasePinger is the part of the database connection the health check uses.
type DatabasePinger interface {
	Ping(ctx context.Context) error
}

// statsProvider is implemented by connections exposing pool statistics.
type statsProvider interface {
	Stats() sql.DBStats
}

// FFmpegDetector reports the capabilities of the installed ffmpeg.
type FFmpegDetector interface {
	Detect(ctx context.Context) (*ffmpeg.BinaryInfo, error)
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	db        DatabasePinger
	ffmpeg    FFmpegDetector
	jobsDir   string
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithDB sets the database connection for health checks.
func (h *HealthHandler) WithDB(db DatabasePinger) *HealthHandler {
	h.db = db
	return h
}

// WithFFmpeg checks that ffmpeg can produce the HLS output.
func (h *HealthHandler) WithFFmpeg(detector FFmpegDetector) *HealthHandler {
	h.ffmpeg = detector
	return h
}

// WithJobsDir reports free space on the filesystem holding dir.
func (h *HealthHandler) WithJobsDir(dir string) *HealthHandler {
	h.jobsDir = dir
	return h
}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// ProbeResponse is the body of the liveness and readiness probes.
type ProbeResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

// ProbeOutput carries a probe result and its status code.
type ProbeOutput struct {
	Status int
	Body   ProbeResponse
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns service health including database, ffmpeg and system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getLivez",
		Method:      http.MethodGet,
		Path:        "/livez",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, h.GetLivez)

	huma.Register(api, huma.Operation{
		OperationID: "getReadyz",
		Method:      http.MethodGet,
		Path:        "/readyz",
		Summary:     "Readiness probe",
		Description: "Returns 503 until the database answers",
		Tags:        []string{"System"},
	}, h.GetReadyz)
}

// GetLivez reports that the process is serving requests.
func (h *HealthHandler) GetLivez(_ context.Context, _ *struct{}) (*ProbeOutput, error) {
	return &ProbeOutput{Status: http.StatusOK, Body: ProbeResponse{Status: "ok"}}, nil
}

// GetReadyz reports whether the database is reachable.
func (h *HealthHandler) GetReadyz(ctx context.Context, _ *struct{}) (*ProbeOutput, error) {
	db := h.getDatabaseHealth(ctx)
	out := &ProbeOutput{
		Status: http.StatusOK,
		Body: ProbeResponse{
			Status:     "ready",
			Components: map[string]string{"database": db.Status},
		},
	}
	if db.Status != "ok" {
		out.Status = http.StatusServiceUnavailable
		out.Body.Status = "not_ready"
	}
	return out, nil
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	dbHealth := h.getDatabaseHealth(ctx)
	ffmpegHealth := h.getFFmpegHealth(ctx)

	status := StatusHealthy
	switch {
	case dbHealth.Status == "error":
		status = StatusUnhealthy
	case ffmpegHealth.Status == "error" || ffmpegHealth.Status == "incomplete":
		status = StatusDegraded
	}

	return &HealthOutput{
		Body: HealthResponse{
			Status:        status,
			Timestamp:     now.UTC().Format(time.RFC3339),
			Version:       h.version,
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			CPUInfo:       h.getCPUInfo(ctx),
			Memory:        h.getMemoryInfo(ctx),
			Disk:          h.getDiskInfo(ctx),
			Components: HealthComponents{
				Database: dbHealth,
				FFmpeg:   ffmpegHealth,
			},
			Checks: map[string]string{
				"database": dbHealth.Status,
				"ffmpeg":   ffmpegHealth.Status,
			},
		},
	}, nil
}

// getCPUInfo returns CPU load information.
func (h *HealthHandler) getCPUInfo(ctx context.Context) CPUInfo {
	info := CPUInfo{Cores: runtime.NumCPU()}

	loadAvg, err := load.AvgWithContext(ctx)
	if err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
		info.Load5Min = loadAvg.Load5
		info.Load15Min = loadAvg.Load15
		if info.Cores > 0 {
			info.LoadPercentage1Min = (loadAvg.Load1 / float64(info.Cores)) * 100
		}
	}
	return info
}

// getMemoryInfo returns memory usage information.
func (h *HealthHandler) getMemoryInfo(ctx context.Context) MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemoryWithContext(ctx)
	if err == nil && vmStat != nil {
		info.TotalMemoryMB = toMB(vmStat.Total)
		info.UsedMemoryMB = toMB(vmStat.Used)
		info.AvailableMemoryMB = toMB(vmStat.Available)
	}

	info.ProcessMemory = h.getProcessMemoryInfo(ctx)
	return info
}

// getProcessMemoryInfo includes running yt-dlp and ffmpeg children.
func (h *HealthHandler) getProcessMemoryInfo(ctx context.Context) ProcessMemoryInfo {
	info := ProcessMemoryInfo{}

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return info
	}

	if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil && memInfo != nil {
		info.MainProcessMB = toMB(memInfo.RSS)
		info.TotalProcessTreeMB = info.MainProcessMB
	}

	children, err := proc.ChildrenWithContext(ctx)
	if err == nil {
		info.ChildProcessCount = len(children)
		for _, child := range children {
			if childMem, err := child.MemoryInfoWithContext(ctx); err == nil && childMem != nil {
				childMB := toMB(childMem.RSS)
				info.ChildProcessesMB += childMB
				info.TotalProcessTreeMB += childMB
			}
		}
	}
	return info
}

// getDiskInfo returns usage of the filesystem holding the job directories.
func (h *HealthHandler) getDiskInfo(ctx context.Context) *DiskInfo {
	if h.jobsDir == "" {
		return nil
	}
	usage, err := disk.UsageWithContext(ctx, h.jobsDir)
	if err != nil || usage == nil {
		return nil
	}
	return &DiskInfo{
		Path:        h.jobsDir,
		TotalGB:     toGB(usage.Total),
		FreeGB:      toGB(usage.Free),
		UsedPercent: usage.UsedPercent,
	}
}

// getDatabaseHealth pings the database and reports pool statistics.
func (h *HealthHandler) getDatabaseHealth(ctx context.Context) DatabaseHealth {
	if h.db == nil {
		return DatabaseHealth{Status: "not_configured"}
	}

	health := DatabaseHealth{Status: "ok"}
	start := time.Now()
	err := h.db.Ping(ctx)
	health.ResponseTimeMS = float64(time.Since(start).Microseconds()) / 1000

	switch {
	case err != nil:
		health.Status = "error"
		health.Error = err.Error()
	case health.ResponseTimeMS > slowQueryMS:
		health.Status = "slow"
	}

	if sp, ok := h.db.(statsProvider); ok {
		stats := sp.Stats()
		health.ActiveConnections = stats.InUse
		health.IdleConnections = stats.Idle
	}
	return health
}

// getFFmpegHealth checks that ffmpeg has the encoders and muxer jobs need.
func (h *HealthHandler) getFFmpegHealth(ctx context.Context) ToolHealth {
	if h.ffmpeg == nil {
		return ToolHealth{Status: "not_configured"}
	}

	info, err := h.ffmpeg.Detect(ctx)
	if err != nil {
		return ToolHealth{Status: "error", Error: err.Error()}
	}

	health := ToolHealth{
		Status:  "ok",
		Path:    info.Path,
		Version: info.Version,
		Missing: info.Missing(),
	}
	if len(health.Missing) > 0 {
		health.Status = "incomplete"
	}
	return health
}

func toMB(b uint64) float64 { return float64(b) / 1024 / 1024 }

func toGB(b uint64) float64 { return float64(b) / 1024 / 1024 / 1024 }
