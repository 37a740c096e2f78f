package ffmpeg

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jmylchreest/vodarr/internal/testutil"
	"github.com/jmylchreest/vodarr/internal/toolexec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleVersion = `ffmpeg version 6.1.1-3ubuntu5 Copyright (c) 2000-2023 the FFmpeg developers
built with gcc 13 (Ubuntu 13.2.0-23ubuntu3)
configuration: --prefix=/usr --enable-libx264
libavutil      58. 29.100 / 58. 29.100
`

const sampleEncoders = `Encoders:
 V..... = Video
 A..... = Audio
 ------
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC / MPEG-4 part 10 (codec h264)
 V....D mpeg4                MPEG-4 part 2
 A....D aac                  AAC (Advanced Audio Coding)
`

const sampleMuxers = `File formats:
 D. = Demuxing supported
 .E = Muxing supported
 --
  E hls             Apple HTTP Live Streaming
  E mp4             MP4 (MPEG-4 Part 14)
 DE mpegts          MPEG-TS (MPEG-2 Transport Stream)
`

func ffmpegHandler(calls *int) testutil.ToolHandler {
	return func(_ context.Context, inv toolexec.Invocation) (*toolexec.Result, error) {
		*calls++
		switch inv.Args[len(inv.Args)-1] {
		case "-version":
			return &toolexec.Result{Stdout: []byte(sampleVersion)}, nil
		case "-encoders":
			return &toolexec.Result{Stdout: []byte(sampleEncoders)}, nil
		case "-muxers":
			return &toolexec.Result{Stdout: []byte(sampleMuxers)}, nil
		}
		return nil, toolexec.ErrLaunch
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		name      string
		output    string
		wantFull  string
		wantMajor int
		wantMinor int
		wantErr   bool
	}{
		{"distro build", sampleVersion, "6.1.1-3ubuntu5", 6, 1, false},
		{"git tag", "ffmpeg version n7.0-2-gabc Copyright\n", "n7.0-2-gabc", 7, 0, false},
		{"snapshot", "ffmpeg version N-112345-gdeadbeef\n", "N-112345-gdeadbeef", 0, 0, false},
		{"not ffmpeg", "avconv version 12\n", "", 0, 0, true},
		{"empty", "", "", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := parseVersion([]byte(tt.output))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantFull, info.Version)
			assert.Equal(t, tt.wantMajor, info.MajorVersion)
			assert.Equal(t, tt.wantMinor, info.MinorVersion)
		})
	}
}

func TestParseListing(t *testing.T) {
	assert.Equal(t, []string{"libx264", "mpeg4", "aac"}, parseListing([]byte(sampleEncoders), "VAS"))
	assert.Equal(t, []string{"hls", "mp4", "mpegts"}, parseListing([]byte(sampleMuxers), "E"))
	assert.Empty(t, parseListing([]byte("no separator here\n"), "E"))
}

func TestBinaryDetector_Detect(t *testing.T) {
	var calls int
	runner := testutil.NewFakeRunner().Handle(ToolName, ffmpegHandler(&calls))
	d := NewBinaryDetector(runner, "/usr/bin/ffmpeg")

	info, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/ffmpeg", info.Path)
	assert.True(t, info.HasEncoder("libx264"))
	assert.True(t, info.HasMuxer("hls"))
	assert.Empty(t, info.Missing())
	assert.True(t, info.SupportsMinVersion(5, 0))
	assert.False(t, info.SupportsMinVersion(6, 2))
	assert.Equal(t, 3, calls)

	_, err = d.Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, calls, "second call is served from cache")

	d.Clear()
	_, err = d.Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, calls)
}

func TestBinaryDetector_CacheExpiry(t *testing.T) {
	var calls int
	runner := testutil.NewFakeRunner().Handle(ToolName, ffmpegHandler(&calls))
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewBinaryDetector(runner, "ffmpeg").WithCacheTTL(time.Minute)
	d.now = func() time.Time { return now }

	_, err := d.Detect(context.Background())
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	_, err = d.Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, calls)
}

func TestBinaryDetector_NotInstalled(t *testing.T) {
	d := NewBinaryDetector(testutil.NewFakeRunner(), "ffmpeg")
	_, err := d.Detect(context.Background())
	assert.ErrorIs(t, err, toolexec.ErrNotFound)
}

func TestBinaryInfo_Missing(t *testing.T) {
	info := &BinaryInfo{Encoders: []string{"aac"}}
	missing := info.Missing()
	assert.Equal(t, []string{"encoder:libx264", "muxer:hls"}, missing)
	assert.True(t, strings.HasPrefix(missing[0], "encoder:"))
}
