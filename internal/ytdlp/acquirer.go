package ytdlp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jmylchreest/vodarr/internal/models"
	"github.com/jmylchreest/vodarr/internal/observability"
	"github.com/jmylchreest/vodarr/internal/storage"
	"github.com/jmylchreest/vodarr/internal/toolexec"
)

// sidecarSuffixes never count as acquired media.
var sidecarSuffixes = []string{".part", ".ytdl", ".json", ".xz", ".temp"}

// formatFragment matches per-format downloads (video.f137.mp4) that yt-dlp
// writes before merging.
var formatFragment = regexp.MustCompile(`^video\.f\d+(-\d+)?\.`)

// Acquirer downloads the media for a job into its working directory.
type Acquirer struct {
	runner    toolexec.Runner
	binary    string
	maxHeight int
	timeout   time.Duration
	layout    *storage.Layout
	logger    *slog.Logger
}

// AcquirerConfig configures an Acquirer.
type AcquirerConfig struct {
	Binary    string
	MaxHeight int
	Timeout   time.Duration
}

// NewAcquirer creates an Acquirer writing under layout.
func NewAcquirer(runner toolexec.Runner, layout *storage.Layout, cfg AcquirerConfig, logger *slog.Logger) *Acquirer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Acquirer{
		runner:    runner,
		binary:    cfg.Binary,
		maxHeight: cfg.MaxHeight,
		timeout:   cfg.Timeout,
		layout:    layout,
		logger:    observability.WithComponent(logger, "ytdlp.acquirer"),
	}
}

// FormatSelector returns the yt-dlp format expression for a height ceiling:
// best video at or below height merged with best audio, or else the best
// single file at or below height.
func FormatSelector(height int) string {
	h := strconv.Itoa(height)
	return "bv*[height<=" + h + "]+ba/b[height<=" + h + "]"
}

// AcquireArgs returns the yt-dlp arguments that fetch url into dir.
func AcquireArgs(url, dir string, maxHeight int) []string {
	return []string{
		"-f", FormatSelector(maxHeight),
		"--merge-output-format", "mp4",
		"--no-playlist",
		"--no-part",
		"--no-progress",
		"-o", filepath.Join(dir, storage.SourcePrefix+"%(ext)s"),
		"--",
		url,
	}
}

// Acquire fetches url for job id and returns the path of the media file.
// On any failure every video.* file in the job directory is removed.
func (a *Acquirer) Acquire(ctx context.Context, id models.ULID, url string) (string, error) {
	dir, err := a.layout.EnsureJobDir(id)
	if err != nil {
		return "", fmt.Errorf("acquiring media: %w", err)
	}

	_, err = a.runner.Run(ctx, toolexec.Invocation{
		Tool:    ToolName,
		Binary:  a.binary,
		Args:    AcquireArgs(url, dir, a.maxHeight),
		Dir:     dir,
		Timeout: a.timeout,
	})
	if err != nil {
		a.cleanup(ctx, dir)
		return "", fmt.Errorf("acquiring media: %w", err)
	}

	path, err := FindSourceFile(dir)
	if err != nil {
		a.cleanup(ctx, dir)
		return "", fmt.Errorf("acquiring media: %w", err)
	}

	a.logger.DebugContext(ctx, "media acquired", slog.String("job_id", id.String()), slog.String("file", filepath.Base(path)))
	return path, nil
}

// FindSourceFile returns the acquired media file in dir: the
// lexicographically first non-empty video.* file that is not a sidecar or an
// unmerged format fragment.
func FindSourceFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", toolexec.MissingOutput(ToolName, "job directory")
		}
		return "", fmt.Errorf("listing %s: %w", dir, err)
	}

	var candidates []string
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || !isMediaCandidate(name) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		candidates = append(candidates, name)
	}
	if len(candidates) == 0 {
		return "", toolexec.MissingOutput(ToolName, storage.SourcePrefix+"*")
	}

	slices.Sort(candidates)
	return filepath.Join(dir, candidates[0]), nil
}

func isMediaCandidate(name string) bool {
	if !strings.HasPrefix(name, storage.SourcePrefix) || len(name) == len(storage.SourcePrefix) {
		return false
	}
	for _, suffix := range sidecarSuffixes {
		if strings.HasSuffix(name, suffix) {
			return false
		}
	}
	return !formatFragment.MatchString(name)
}

// RemoveSourceFiles deletes every video.* file in dir, sidecars included.
func RemoveSourceFiles(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, storage.SourcePrefix+"*"))
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range matches {
		if err := os.RemoveAll(m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Acquirer) cleanup(ctx context.Context, dir string) {
	if err := RemoveSourceFiles(dir); err != nil {
		a.logger.WarnContext(ctx, "removing partial download failed", slog.String("dir", dir), slog.String("error", err.Error()))
	}
}
