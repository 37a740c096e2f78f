package ffmpeg

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmylchreest/vodarr/internal/models"
	"github.com/jmylchreest/vodarr/internal/observability"
	"github.com/jmylchreest/vodarr/internal/storage"
	"github.com/jmylchreest/vodarr/internal/toolexec"
)

// TranscoderConfig configures a Transcoder.
type TranscoderConfig struct {
	Binary         string
	SegmentSeconds int
	Timeout        time.Duration
	// VerifySegments demuxes the first segment after a successful run.
	VerifySegments bool
}

// Output describes a finished HLS rendition.
type Output struct {
	PlaylistPath string
	Segments     int
	Duration     time.Duration
}

// Transcoder packages an acquired media file as HLS in the job directory.
type Transcoder struct {
	runner toolexec.Runner
	layout *storage.Layout
	cfg    TranscoderConfig
	logger *slog.Logger
}

// NewTranscoder creates a Transcoder writing under layout.
func NewTranscoder(runner toolexec.Runner, layout *storage.Layout, cfg TranscoderConfig, logger *slog.Logger) *Transcoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcoder{
		runner: runner,
		layout: layout,
		cfg:    cfg,
		logger: observability.WithComponent(logger, "ffmpeg.transcoder"),
	}
}

// HLSCommand returns the builder for transcoding source into an H.264/AAC
// VOD rendition in dir.
func HLSCommand(binary, source, dir string, segmentSeconds int) *CommandBuilder {
	return NewCommandBuilder(binary).
		HideBanner().
		NoStdin().
		Overwrite().
		Input(source).
		VideoCodec("libx264").
		VideoPreset("veryfast").
		VideoProfile("main").
		PixelFormat("yuv420p").
		AudioCodec("aac").
		AudioBitrate("128k").
		AudioChannels(2).
		HLSVODArgs(segmentSeconds, filepath.Join(dir, storage.SegmentPattern)).
		Output(filepath.Join(dir, storage.PlaylistName)).
		Dir(dir)
}

// Transcode converts sourcePath for job id. On success the source file is
// deleted; on failure it is kept along with any partial segments.
func (t *Transcoder) Transcode(ctx context.Context, id models.ULID, sourcePath string) (*Output, error) {
	dir, err := t.layout.EnsureJobDir(id)
	if err != nil {
		return nil, fmt.Errorf("transcoding: %w", err)
	}

	inv := HLSCommand(t.cfg.Binary, sourcePath, dir, t.cfg.SegmentSeconds).
		Timeout(t.cfg.Timeout).
		Build()
	if _, err := t.runner.Run(ctx, inv); err != nil {
		return nil, fmt.Errorf("transcoding: %w", err)
	}

	playlistPath := filepath.Join(dir, storage.PlaylistName)
	v, err := VerifyOutput(ctx, playlistPath, t.cfg.VerifySegments)
	if err != nil {
		return nil, fmt.Errorf("transcoding: %w", err)
	}

	log := observability.WithJob(t.logger, id.String())
	if err := os.Remove(sourcePath); err != nil {
		log.WarnContext(ctx, "removing source media failed",
			slog.String("file", filepath.Base(sourcePath)),
			slog.String("error", err.Error()),
		)
	}

	log.DebugContext(ctx, "hls output verified",
		slog.Int("segments", v.Segments),
		slog.Duration("duration", v.Duration),
	)
	return &Output{PlaylistPath: playlistPath, Segments: v.Segments, Duration: v.Duration}, nil
}
