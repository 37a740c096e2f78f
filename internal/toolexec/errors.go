package toolexec

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound means the tool binary could not be located.
	ErrNotFound = errors.New("tool not found")
	// ErrLaunch means the tool was found but could not be started.
	ErrLaunch = errors.New("tool failed to launch")
	// ErrNonZeroExit means the tool ran and exited unsuccessfully.
	ErrNonZeroExit = errors.New("tool exited with non-zero status")
	// ErrTimeout means the tool exceeded its time limit and was killed.
	ErrTimeout = errors.New("tool timed out")
	// ErrMissingOutput means the tool reported success but the expected
	// artifact is absent or empty.
	ErrMissingOutput = errors.New("expected output missing")
)

// ExitError describes a non-zero exit. It matches ErrNonZeroExit with errors.Is.
type ExitError struct {
	Tool       string
	Code       int
	StderrTail []string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Tool, e.Code)
	if last := e.lastLine(); last != "" {
		msg += ": " + last
	}
	return msg
}

// Unwrap lets errors.Is(err, ErrNonZeroExit) match.
func (e *ExitError) Unwrap() error {
	return ErrNonZeroExit
}

// lastLine returns the most recent non-blank stderr line, which for yt-dlp
// and ffmpeg is almost always the actual error.
func (e *ExitError) lastLine() string {
	for i := len(e.StderrTail) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(e.StderrTail[i]); line != "" {
			return line
		}
	}
	return ""
}

// MissingOutput reports that tool succeeded without producing what.
func MissingOutput(tool, what string) error {
	return fmt.Errorf("%s: %w: %s", tool, ErrMissingOutput, what)
}
