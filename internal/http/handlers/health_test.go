package handlers

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"testing"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/vodarr/internal/ffmpeg"
)

type fakePinger struct {
	err error
}

func (p fakePinger) Ping(context.Context) error { return p.err }

func (p fakePinger) Stats() sql.DBStats { return sql.DBStats{InUse: 2, Idle: 3} }

type fakeDetector struct {
	info *ffmpeg.BinaryInfo
	err  error
}

func (d fakeDetector) Detect(context.Context) (*ffmpeg.BinaryInfo, error) { return d.info, d.err }

func completeFFmpeg() *ffmpeg.BinaryInfo {
	return &ffmpeg.BinaryInfo{
		Path:     "/usr/bin/ffmpeg",
		Version:  "7.1",
		Encoders: []string{"libx264", "aac"},
		Muxers:   []string{"hls", "mpegts"},
	}
}

func TestHealthHandler_GetLivez(t *testing.T) {
	output, err := NewHealthHandler("1.0.0").GetLivez(context.Background(), &struct{}{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, output.Status)
	assert.Equal(t, "ok", output.Body.Status)
}

func TestHealthHandler_GetReadyz(t *testing.T) {
	t.Run("not ready without database", func(t *testing.T) {
		output, err := NewHealthHandler("1.0.0").GetReadyz(context.Background(), &struct{}{})
		require.NoError(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, output.Status)
		assert.Equal(t, "not_ready", output.Body.Status)
		assert.Equal(t, "not_configured", output.Body.Components["database"])
	})

	t.Run("ready when database answers", func(t *testing.T) {
		output, err := NewHealthHandler("1.0.0").WithDB(fakePinger{}).GetReadyz(context.Background(), &struct{}{})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, output.Status)
		assert.Equal(t, "ready", output.Body.Status)
	})

	t.Run("status code reaches the response", func(t *testing.T) {
		_, api := humatest.New(t)
		NewHealthHandler("1.0.0").WithDB(fakePinger{err: errors.New("connection refused")}).Register(api)

		resp := api.Get("/readyz")
		assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
		assert.Contains(t, resp.Body.String(), "not_ready")
	})
}

func TestHealthHandler_GetHealth(t *testing.T) {
	tests := []struct {
		name       string
		db         DatabasePinger
		detector   FFmpegDetector
		wantStatus string
		wantFFmpeg string
	}{
		{"healthy", fakePinger{}, fakeDetector{info: completeFFmpeg()}, StatusHealthy, "ok"},
		{"nothing configured", nil, nil, StatusHealthy, "not_configured"},
		{"database down", fakePinger{err: errors.New("connection refused")}, fakeDetector{info: completeFFmpeg()}, StatusUnhealthy, "ok"},
		{"ffmpeg missing", fakePinger{}, fakeDetector{err: errors.New("binary ffmpeg not found")}, StatusDegraded, "error"},
		{"ffmpeg without hls", fakePinger{}, fakeDetector{info: &ffmpeg.BinaryInfo{Encoders: []string{"libx264", "aac"}}}, StatusDegraded, "incomplete"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler("1.0.0").WithJobsDir(t.TempDir())
			if tt.db != nil {
				h.WithDB(tt.db)
			}
			if tt.detector != nil {
				h.WithFFmpeg(tt.detector)
			}

			output, err := h.GetHealth(context.Background(), &struct{}{})
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, output.Body.Status)
			assert.Equal(t, "1.0.0", output.Body.Version)
			assert.NotEmpty(t, output.Body.Uptime)
			assert.Positive(t, output.Body.CPUInfo.Cores)
			assert.Equal(t, tt.wantFFmpeg, output.Body.Components.FFmpeg.Status)
			assert.Equal(t, tt.wantFFmpeg, output.Body.Checks["ffmpeg"])
		})
	}
}

func TestHealthHandler_ComponentDetails(t *testing.T) {
	h := NewHealthHandler("1.0.0").
		WithDB(fakePinger{}).
		WithFFmpeg(fakeDetector{info: &ffmpeg.BinaryInfo{Path: "/opt/ffmpeg", Encoders: []string{"aac"}}})

	output, err := h.GetHealth(context.Background(), &struct{}{})
	require.NoError(t, err)

	db := output.Body.Components.Database
	assert.Equal(t, "ok", db.Status)
	assert.Equal(t, 2, db.ActiveConnections)
	assert.Equal(t, 3, db.IdleConnections)

	tool := output.Body.Components.FFmpeg
	assert.Equal(t, "/opt/ffmpeg", tool.Path)
	assert.ElementsMatch(t, []string{"encoder:libx264", "muxer:hls"}, tool.Missing)
	assert.Nil(t, output.Body.Disk)
}
