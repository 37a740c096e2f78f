package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
	"github.com/jmylchreest/vodarr/internal/toolexec"
)

// ErrInvalidOutput marks HLS output that exists but cannot be played. It is
// always reported together with toolexec.ErrMissingOutput.
var ErrInvalidOutput = errors.New("invalid HLS output")

// Verification summarises a checked HLS output directory.
type Verification struct {
	Segments int
	Duration time.Duration
	// PESPackets counts the PES packets seen while demuxing the first segment.
	// Zero when segment demuxing is disabled.
	PESPackets int
}

// VerifyOutput checks that playlistPath is an HLS media playlist with at
// least one segment and that every referenced segment is a non-empty local
// file. With demux set, the first segment must also carry a PMT and at least
// one PES packet.
func VerifyOutput(ctx context.Context, playlistPath string, demux bool) (*Verification, error) {
	data, err := os.ReadFile(playlistPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, toolexec.MissingOutput(ToolName, filepath.Base(playlistPath))
		}
		return nil, fmt.Errorf("reading playlist: %w", err)
	}

	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, invalidOutput("parsing playlist: %v", err)
	}
	media, ok := pl.(*playlist.Media)
	if !ok {
		return nil, invalidOutput("%s is not a media playlist", filepath.Base(playlistPath))
	}
	if len(media.Segments) == 0 {
		return nil, invalidOutput("playlist has no segments")
	}

	dir := filepath.Dir(playlistPath)
	v := &Verification{Segments: len(media.Segments)}
	var first string
	for i, seg := range media.Segments {
		if !filepath.IsLocal(filepath.FromSlash(seg.URI)) {
			return nil, invalidOutput("segment %d has non-local uri %q", i, seg.URI)
		}
		path := filepath.Join(dir, filepath.FromSlash(seg.URI))
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
			return nil, invalidOutput("segment %s missing or empty", seg.URI)
		}
		if i == 0 {
			first = path
		}
		v.Duration += seg.Duration
	}

	if demux {
		n, err := demuxSegment(ctx, first)
		if err != nil {
			return nil, err
		}
		v.PESPackets = n
	}
	return v, nil
}

// demuxSegment reads path as MPEG-TS and returns the number of PES packets
// seen once a PMT has also been found.
func demuxSegment(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening segment: %w", err)
	}
	defer f.Close()

	dmx := astits.NewDemuxer(ctx, bufio.NewReader(f))
	var sawPMT bool
	var pes int
	for {
		d, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) {
				break
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, ctxErr
			}
			return 0, invalidOutput("demuxing %s: %v", filepath.Base(path), err)
		}
		if d.PMT != nil {
			sawPMT = true
		}
		if d.PES != nil {
			pes++
		}
	}

	switch {
	case !sawPMT:
		return 0, invalidOutput("%s has no program map table", filepath.Base(path))
	case pes == 0:
		return 0, invalidOutput("%s has no elementary stream data", filepath.Base(path))
	}
	return pes, nil
}

func invalidOutput(format string, args ...any) error {
	return fmt.Errorf("%s: %w: %w: %s", ToolName, toolexec.ErrMissingOutput, ErrInvalidOutput, fmt.Sprintf(format, args...))
}
