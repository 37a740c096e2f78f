package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/vodarr/internal/models"
	"github.com/jmylchreest/vodarr/internal/service"
	"github.com/jmylchreest/vodarr/internal/storage"
)

// StreamPrefix is the path prefix under which HLS output is served.
const StreamPrefix = "/streams"

// Content types for HLS output.
const (
	ContentTypePlaylist = "application/vnd.apple.mpegurl"
	ContentTypeSegment  = "video/mp2t"
)

// StreamFileResolver resolves a file of a ready job to a path on disk.
type StreamFileResolver interface {
	StreamFile(ctx context.Context, id models.ULID, name string) (string, error)
}

// StreamHandler serves the playlist and segments of ready jobs.
type StreamHandler struct {
	resolver StreamFileResolver
	logger   *slog.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(resolver StreamFileResolver) *StreamHandler {
	return &StreamHandler{
		resolver: resolver,
		logger:   slog.Default(),
	}
}

// WithLogger sets the logger for the handler.
func (h *StreamHandler) WithLogger(logger *slog.Logger) *StreamHandler {
	h.logger = logger
	return h
}

// RegisterChiRoutes mounts the stream routes. Segment URLs in the playlist
// are relative, so players resolve them under the same prefix.
func (h *StreamHandler) RegisterChiRoutes(r chi.Router) {
	r.Get(StreamPrefix+"/{id}", h.serve)
	r.Get(StreamPrefix+"/{id}/*", h.serve)
	r.Head(StreamPrefix+"/{id}", h.serve)
	r.Head(StreamPrefix+"/{id}/*", h.serve)
}

func (h *StreamHandler) serve(w http.ResponseWriter, r *http.Request) {
	id, err := models.ParseULID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid job ID", http.StatusBadRequest)
		return
	}
	name := chi.URLParam(r, "*")

	path, err := h.resolver.StreamFile(r.Context(), id, name)
	switch {
	case err == nil:
	case errors.Is(err, service.ErrJobNotFound), errors.Is(err, storage.ErrPathEscape):
		http.NotFound(w, r)
		return
	case errors.Is(err, service.ErrJobNotReady):
		http.Error(w, "job is not ready", http.StatusConflict)
		return
	default:
		h.logger.ErrorContext(r.Context(), "resolving stream file failed",
			slog.String("job_id", id.String()),
			slog.String("file", name),
			slog.String("error", err.Error()),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	// A ready job never changes, so its output can be cached indefinitely.
	w.Header().Set("Content-Type", streamContentType(path))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
}

func streamContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".m3u8":
		return ContentTypePlaylist
	case ".ts":
		return ContentTypeSegment
	default:
		return "application/octet-stream"
	}
}
