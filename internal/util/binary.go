// Package util provides shared utility functions.
package util

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Tool binaries and the environment variables that override their location.
const (
	YtDlpBinary  = "yt-dlp"
	YtDlpEnv     = "VODARR_YTDLP_BINARY"
	FFmpegBinary = "ffmpeg"
	FFmpegEnv    = "VODARR_FFMPEG_BINARY"
)

// FindBinary searches for an executable binary by name.
// Search order:
//  1. configured, when non-empty
//  2. the environment variable envVar, when set
//  3. ./name (current directory, useful for development)
//  4. name on PATH
//
// Each candidate must exist and be executable. A configured path that fails
// this check is an error and never falls through to the later steps.
func FindBinary(name, configured, envVar string) (string, error) {
	if configured != "" {
		if isExecutable(configured) {
			return configured, nil
		}
		if path, err := exec.LookPath(configured); err == nil && filepath.Base(configured) == configured {
			return path, nil
		}
		return "", fmt.Errorf("configured %s binary %q is not an executable file", name, configured)
	}

	if envVar != "" {
		if envPath := os.Getenv(envVar); envPath != "" && isExecutable(envPath) {
			return envPath, nil
		}
	}

	localPath := "./" + name
	if isExecutable(localPath) {
		return localPath, nil
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("binary %s not found", name)
}

// isExecutable checks if a file exists and is executable by the current user.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
