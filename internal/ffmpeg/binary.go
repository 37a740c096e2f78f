// Package ffmpeg drives the ffmpeg tool: HLS packaging of acquired media,
// verification of the produced playlist and segments, and capability
// detection of the installed binary.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/vodarr/internal/toolexec"
)

// Encoders and muxer the HLS rendition depends on.
var requiredEncoders = []string{"libx264", "aac"}

const requiredMuxer = "hls"

var versionRegex = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

// BinaryInfo describes the installed ffmpeg.
type BinaryInfo struct {
	Path         string   `json:"path"`
	Version      string   `json:"version"`
	MajorVersion int      `json:"major_version"`
	MinorVersion int      `json:"minor_version"`
	Encoders     []string `json:"encoders,omitempty"`
	Muxers       []string `json:"muxers,omitempty"`
}

// BinaryDetector detects and caches ffmpeg capabilities.
type BinaryDetector struct {
	runner toolexec.Runner
	binary string

	mu           sync.RWMutex
	info         *BinaryInfo
	lastDetected time.Time
	cacheTTL     time.Duration
	now          func() time.Time
}

// NewBinaryDetector creates a detector for binary.
func NewBinaryDetector(runner toolexec.Runner, binary string) *BinaryDetector {
	return &BinaryDetector{
		runner:   runner,
		binary:   binary,
		cacheTTL: 5 * time.Minute,
		now:      time.Now,
	}
}

// WithCacheTTL sets the cache TTL for binary detection.
func (d *BinaryDetector) WithCacheTTL(ttl time.Duration) *BinaryDetector {
	d.cacheTTL = ttl
	return d
}

// Detect returns the cached capabilities, probing the binary when the cache
// is empty or expired.
func (d *BinaryDetector) Detect(ctx context.Context) (*BinaryInfo, error) {
	d.mu.RLock()
	if d.info != nil && d.now().Sub(d.lastDetected) < d.cacheTTL {
		info := d.info
		d.mu.RUnlock()
		return info, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	// Double-check after acquiring write lock
	if d.info != nil && d.now().Sub(d.lastDetected) < d.cacheTTL {
		return d.info, nil
	}

	info, err := d.detect(ctx)
	if err != nil {
		return nil, err
	}
	d.info = info
	d.lastDetected = d.now()
	return info, nil
}

// Clear clears the cached binary information.
func (d *BinaryDetector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info = nil
}

func (d *BinaryDetector) detect(ctx context.Context) (*BinaryInfo, error) {
	out, err := d.query(ctx, "-version")
	if err != nil {
		return nil, fmt.Errorf("getting ffmpeg version: %w", err)
	}
	info, err := parseVersion(out)
	if err != nil {
		return nil, err
	}
	info.Path = d.binary

	// Capability listings are best effort; a missing list shows up as
	// Missing() entries rather than a detection error.
	if out, err := d.query(ctx, "-hide_banner", "-encoders"); err == nil {
		info.Encoders = parseListing(out, "VAS")
	}
	if out, err := d.query(ctx, "-hide_banner", "-muxers"); err == nil {
		info.Muxers = parseListing(out, "E")
	}
	return info, nil
}

func (d *BinaryDetector) query(ctx context.Context, args ...string) ([]byte, error) {
	res, err := d.runner.Run(ctx, toolexec.Invocation{
		Tool:          ToolName,
		Binary:        d.binary,
		Args:          args,
		Timeout:       10 * time.Second,
		CaptureStdout: true,
	})
	if err != nil {
		return nil, err
	}
	return res.Stdout, nil
}

// parseVersion reads `ffmpeg -version` output such as
// "ffmpeg version 6.1.1 Copyright ..." or "ffmpeg version n7.0-2-g...".
func parseVersion(output []byte) (*BinaryInfo, error) {
	sc := bufio.NewScanner(bytes.NewReader(output))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "ffmpeg version") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 3 {
			break
		}
		info := &BinaryInfo{Version: parts[2]}
		if m := versionRegex.FindStringSubmatch(parts[2]); m != nil {
			info.MajorVersion, _ = strconv.Atoi(m[1])
			info.MinorVersion, _ = strconv.Atoi(m[2])
		}
		return info, nil
	}
	return nil, errors.New("failed to parse ffmpeg version")
}

// parseListing extracts names from `-encoders`/`-muxers` output. Entries
// follow a dashed separator line as "<flags> name description"; only rows
// whose flags contain one of kinds are kept.
func parseListing(output []byte, kinds string) []string {
	var names []string
	inList := false
	sc := bufio.NewScanner(bytes.NewReader(output))
	for sc.Scan() {
		line := sc.Text()
		if strings.Contains(line, "--") && strings.TrimLeft(strings.TrimSpace(line), "-") == "" {
			inList = true
			continue
		}
		if !inList {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.ContainsAny(fields[0], kinds) {
			continue
		}
		// Muxer names may be comma separated aliases.
		names = append(names, strings.Split(fields[1], ",")...)
	}
	return names
}

// HasEncoder reports whether the encoder is available.
func (info *BinaryInfo) HasEncoder(name string) bool {
	return slices.Contains(info.Encoders, name)
}

// HasMuxer reports whether the output format is available.
func (info *BinaryInfo) HasMuxer(name string) bool {
	return slices.Contains(info.Muxers, name)
}

// Missing lists required encoders and muxers that ffmpeg does not report.
func (info *BinaryInfo) Missing() []string {
	var missing []string
	for _, enc := range requiredEncoders {
		if !info.HasEncoder(enc) {
			missing = append(missing, "encoder:"+enc)
		}
	}
	if !info.HasMuxer(requiredMuxer) {
		missing = append(missing, "muxer:"+requiredMuxer)
	}
	return missing
}

// SupportsMinVersion returns true if the ffmpeg version meets the minimum.
func (info *BinaryInfo) SupportsMinVersion(major, minor int) bool {
	if info.MajorVersion != major {
		return info.MajorVersion > major
	}
	return info.MinorVersion >= minor
}
