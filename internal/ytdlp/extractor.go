package ytdlp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/vodarr/internal/observability"
	"github.com/jmylchreest/vodarr/internal/toolexec"
)

// ToolName is the logical name used in logs and failure reasons.
const ToolName = "yt-dlp"

// Extractor probes a URL for metadata without downloading media.
type Extractor struct {
	runner  toolexec.Runner
	binary  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewExtractor creates an Extractor that runs binary through runner.
func NewExtractor(runner toolexec.Runner, binary string, timeout time.Duration, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		runner:  runner,
		binary:  binary,
		timeout: timeout,
		logger:  observability.WithComponent(logger, "ytdlp.extractor"),
	}
}

// ProbeArgs returns the yt-dlp arguments for a metadata probe of url.
func ProbeArgs(url string) []string {
	return []string{
		"--dump-single-json",
		"--skip-download",
		"--no-playlist",
		"--no-warnings",
		"--",
		url,
	}
}

// Extract runs the probe and parses its output. The raw JSON is returned
// alongside the parsed dump so callers can keep it for diagnostics. Errors
// wrap ErrParse or a toolexec sentinel.
func (e *Extractor) Extract(ctx context.Context, url string) (*InfoDump, []byte, error) {
	res, err := e.runner.Run(ctx, toolexec.Invocation{
		Tool:          ToolName,
		Binary:        e.binary,
		Args:          ProbeArgs(url),
		Timeout:       e.timeout,
		CaptureStdout: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("probing metadata: %w", err)
	}

	dump, err := ParseInfoDump(res.Stdout)
	if err != nil {
		return nil, res.Stdout, fmt.Errorf("probing metadata: %w", err)
	}

	e.logger.DebugContext(ctx, "metadata probed",
		slog.Bool("has_title", dump.Title != nil),
		slog.Bool("has_duration", dump.Duration != nil),
		slog.Duration("took", res.Duration),
	)
	return dump, res.Stdout, nil
}
