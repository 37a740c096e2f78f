package toolexec

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

func TestExecRunner_Success(t *testing.T) {
	sh := requireShell(t)
	r := NewExecRunner(nil)

	res, err := r.Run(context.Background(), Invocation{
		Tool:          "sh",
		Binary:        sh,
		Args:          []string{"-c", `printf '{"title":"x"}'; echo warn >&2`},
		CaptureStdout: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.JSONEq(t, `{"title":"x"}`, string(res.Stdout))
	assert.Equal(t, []string{"warn"}, res.StderrTail)
}

func TestExecRunner_WorkingDir(t *testing.T) {
	sh := requireShell(t)
	dir := t.TempDir()

	_, err := NewExecRunner(nil).Run(context.Background(), Invocation{
		Tool:   "sh",
		Binary: sh,
		Args:   []string{"-c", "echo data > out.txt"},
		Dir:    dir,
	})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "out.txt"))
}

func TestExecRunner_NonZeroExit(t *testing.T) {
	sh := requireShell(t)

	_, err := NewExecRunner(nil).Run(context.Background(), Invocation{
		Tool:   "yt-dlp",
		Binary: sh,
		Args:   []string{"-c", "echo 'ERROR: Unsupported URL' >&2; exit 3"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNonZeroExit)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.Code)
	assert.Equal(t, "yt-dlp exited with code 3: ERROR: Unsupported URL", exitErr.Error())
}

func TestExecRunner_Timeout(t *testing.T) {
	sh := requireShell(t)

	start := time.Now()
	_, err := NewExecRunner(nil).Run(context.Background(), Invocation{
		Tool:    "ffmpeg",
		Binary:  sh,
		Args:    []string{"-c", "sleep 30"},
		Timeout: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestExecRunner_Cancelled(t *testing.T) {
	sh := requireShell(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := NewExecRunner(nil).Run(ctx, Invocation{
		Tool:    "ffmpeg",
		Binary:  sh,
		Args:    []string{"-c", "sleep 30"},
		Timeout: time.Minute,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestExecRunner_NotFound(t *testing.T) {
	tests := []struct {
		name   string
		binary string
	}{
		{"bare name", "vodarr-definitely-missing-tool"},
		{"absolute path", filepath.Join(t.TempDir(), "missing")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewExecRunner(nil).Run(context.Background(), Invocation{Tool: "yt-dlp", Binary: tt.binary})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestExecRunner_LaunchFailure(t *testing.T) {
	// A regular file without the executable bit exists but cannot be started.
	path := filepath.Join(t.TempDir(), "not-executable")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o600))

	_, err := NewExecRunner(nil).Run(context.Background(), Invocation{Tool: "ffmpeg", Binary: path})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLaunch)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestTailWriter(t *testing.T) {
	var seen []string
	w := newTailWriter(2, func(line string) { seen = append(seen, line) })

	_, _ = w.Write([]byte("one\ntw"))
	_, _ = w.Write([]byte("o\r\nthree\nfour"))
	w.Flush()

	assert.Equal(t, []string{"one", "two", "three", "four"}, seen)
	assert.Equal(t, []string{"three", "four"}, w.Tail())
}

func TestMissingOutput(t *testing.T) {
	err := MissingOutput("ffmpeg", "playlist.m3u8")
	assert.ErrorIs(t, err, ErrMissingOutput)
	assert.Contains(t, err.Error(), "playlist.m3u8")
}
