package ffmpeg

import (
	"slices"
	"strconv"
	"time"

	"github.com/jmylchreest/vodarr/internal/toolexec"
)

// ToolName is the logical name used in logs and failure reasons.
const ToolName = "ffmpeg"

// CommandBuilder builds ffmpeg invocations with a fluent API.
type CommandBuilder struct {
	binary     string
	globalArgs []string
	inputArgs  []string
	input      string
	outputArgs []string
	output     string
	logLevel   string
	overwrite  bool
	dir        string
	timeout    time.Duration
}

// NewCommandBuilder creates a new ffmpeg command builder.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{
		binary:   ffmpegPath,
		logLevel: "error",
	}
}

// LogLevel sets the ffmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	b.logLevel = level
	return b
}

// HideBanner hides the ffmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// NoStdin stops ffmpeg from reading the terminal.
func (b *CommandBuilder) NoStdin() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-nostdin")
	return b
}

// Overwrite enables output file overwriting.
func (b *CommandBuilder) Overwrite() *CommandBuilder {
	b.overwrite = true
	return b
}

// Input sets the input source.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// InputArgs adds arbitrary input arguments.
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, args...)
	return b
}

// VideoCodec sets the video codec.
func (b *CommandBuilder) VideoCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:v", codec)
	return b
}

// VideoPreset sets the encoding preset.
func (b *CommandBuilder) VideoPreset(preset string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-preset", preset)
	return b
}

// VideoProfile sets the encoder profile.
func (b *CommandBuilder) VideoProfile(profile string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-profile:v", profile)
	return b
}

// PixelFormat sets the output pixel format.
func (b *CommandBuilder) PixelFormat(pixFmt string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-pix_fmt", pixFmt)
	return b
}

// AudioCodec sets the audio codec.
func (b *CommandBuilder) AudioCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:a", codec)
	return b
}

// AudioBitrate sets the audio bitrate.
func (b *CommandBuilder) AudioBitrate(bitrate string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-b:a", bitrate)
	return b
}

// AudioChannels sets the number of audio channels.
func (b *CommandBuilder) AudioChannels(channels int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-ac", strconv.Itoa(channels))
	return b
}

// OutputArgs adds arbitrary output arguments.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// HLSVODArgs adds HLS muxer arguments for a complete on-demand playlist.
// segmentPattern is a printf-style path such as dir/segment_%05d.ts.
func (b *CommandBuilder) HLSVODArgs(segmentSeconds int, segmentPattern string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs,
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", segmentPattern,
	)
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Dir sets the working directory for the process.
func (b *CommandBuilder) Dir(dir string) *CommandBuilder {
	b.dir = dir
	return b
}

// Timeout bounds the run.
func (b *CommandBuilder) Timeout(d time.Duration) *CommandBuilder {
	b.timeout = d
	return b
}

// Args returns the full argument list in ffmpeg's positional order:
// global options, input options, -i input, output options, output.
func (b *CommandBuilder) Args() []string {
	args := slices.Clone(b.globalArgs)
	if b.logLevel != "" {
		args = append(args, "-loglevel", b.logLevel)
	}
	if b.overwrite {
		args = append(args, "-y")
	}
	args = append(args, b.inputArgs...)
	if b.input != "" {
		args = append(args, "-i", b.input)
	}
	args = append(args, b.outputArgs...)
	if b.output != "" {
		args = append(args, b.output)
	}
	return args
}

// Build returns the invocation for a toolexec.Runner.
func (b *CommandBuilder) Build() toolexec.Invocation {
	return toolexec.Invocation{
		Tool:    ToolName,
		Binary:  b.binary,
		Args:    b.Args(),
		Dir:     b.dir,
		Timeout: b.timeout,
	}
}
