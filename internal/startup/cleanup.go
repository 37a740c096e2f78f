// Package startup provides utilities for application startup tasks.
package startup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmylchreest/vodarr/internal/models"
	"github.com/jmylchreest/vodarr/internal/repository"
)

// DefaultCleanupAge is the default minimum age of a partial file before it is removed.
const DefaultCleanupAge = 1 * time.Hour

// partialSuffixes are left behind by interrupted downloads and atomic writes.
var partialSuffixes = []string{".part", ".ytdl", ".tmp"}

// RecoverInterruptedJobs fails every in-flight job claimed by a worker whose
// ID starts with workerPrefix. Such jobs were running when this instance last stopped, and
// their workers no longer exist.
//
// Returns the number of jobs recovered and any error encountered.
func RecoverInterruptedJobs(ctx context.Context, logger *slog.Logger, jobs repository.JobRepository, workerPrefix string) (int, error) {
	stuck, err := jobs.ListInFlightByWorkerPrefix(ctx, workerPrefix)
	if err != nil {
		logger.Error("failed to list jobs for interrupted job recovery",
			"worker_prefix", workerPrefix,
			"error", err,
		)
		return 0, err
	}

	var recovered int
	for _, job := range stuck {
		logger.Warn("recovering interrupted job",
			"job_id", job.ID.String(),
			"worker_id", job.WorkerID,
			"status", job.Status,
		)

		reason := models.FormatFailure(models.FailureInterrupted, fmt.Errorf("%s stopped while the job was %s", job.WorkerID, job.Status))
		err := jobs.Update(ctx, job.ID, models.JobPatch{
			Status:        models.Ptr(models.JobStatusFailed),
			FailureReason: models.Ptr(reason),
		})
		if errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			logger.Error("failed to recover interrupted job",
				"job_id", job.ID.String(),
				"error", err,
			)
			continue
		}

		recovered++
	}

	return recovered, nil
}

// CleanupPartialFiles removes partial downloads and abandoned temporary files
// older than maxAge from the job directories under root. Completed artifacts
// are never touched.
//
// Returns the number of files removed and any error encountered.
func CleanupPartialFiles(logger *slog.Logger, root string, maxAge time.Duration) (int, error) {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		logger.Debug("jobs directory does not exist, skipping cleanup",
			"path", root,
		)
		return 0, nil
	}

	jobDirs, err := os.ReadDir(root)
	if err != nil {
		logger.Error("failed to read directory for cleanup",
			"path", root,
			"error", err,
		)
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	var removed int

	for _, dir := range jobDirs {
		if !dir.IsDir() {
			continue
		}
		if _, err := models.ParseULID(dir.Name()); err != nil {
			continue
		}

		dirPath := filepath.Join(root, dir.Name())
		entries, err := os.ReadDir(dirPath)
		if err != nil {
			logger.Warn("failed to read job directory",
				"path", dirPath,
				"error", err,
			)
			continue
		}

		for _, entry := range entries {
			if !entry.Type().IsRegular() || !isPartial(entry.Name()) {
				continue
			}

			path := filepath.Join(dirPath, entry.Name())
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}

			if err := os.Remove(path); err != nil {
				logger.Warn("failed to remove partial file",
					"path", path,
					"error", err,
				)
				continue
			}

			logger.Info("removed partial file",
				"path", path,
				"age", time.Since(info.ModTime()).Round(time.Second),
			)
			removed++
		}
	}

	return removed, nil
}

func isPartial(name string) bool {
	for _, suffix := range partialSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}
