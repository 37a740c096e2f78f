package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jmylchreest/vodarr/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupJobTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	// A file database so concurrent claimants use separate connections.
	dsn := filepath.Join(t.TempDir(), "jobs.db") + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	err = db.AutoMigrate(&models.Job{})
	require.NoError(t, err)

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func createJob(t *testing.T, repo *jobRepo, url string, createdAt time.Time) *models.Job {
	t.Helper()
	job := &models.Job{SourceURL: url}
	job.CreatedAt = createdAt
	require.NoError(t, repo.Create(context.Background(), job))
	return job
}

func TestJobRepo_Create(t *testing.T) {
	repo := NewJobRepository(setupJobTestDB(t))
	ctx := context.Background()

	job := &models.Job{SourceURL: "https://example.test/video1"}
	require.NoError(t, repo.Create(ctx, job))
	assert.False(t, job.ID.IsZero())

	found, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, models.JobStatusQueued, found.Status)
	assert.Equal(t, "https://example.test/video1", found.SourceURL)
	assert.Nil(t, found.Title)
	assert.Nil(t, found.ArtifactPath)
	assert.Empty(t, found.FailureReason)
}

func TestJobRepo_Create_RejectsInvalidURL(t *testing.T) {
	repo := NewJobRepository(setupJobTestDB(t))

	err := repo.Create(context.Background(), &models.Job{SourceURL: "ftp://example.test/x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidURL)
	assert.NotErrorIs(t, err, ErrPersistence)
}

func TestJobRepo_GetByID_NotFound(t *testing.T) {
	repo := NewJobRepository(setupJobTestDB(t))

	found, err := repo.GetByID(context.Background(), models.NewULID())
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestJobRepo_List(t *testing.T) {
	repo := NewJobRepository(setupJobTestDB(t))
	ctx := context.Background()

	var ids []models.ULID
	for i := range 5 {
		job := createJob(t, repo, fmt.Sprintf("https://example.test/v%d", i), baseTime.Add(time.Duration(i)*time.Minute))
		ids = append(ids, job.ID)
	}
	failed := models.JobStatusFailed
	require.NoError(t, repo.Update(ctx, ids[0], models.JobPatch{Status: &failed, FailureReason: models.Ptr("tool_exit: boom")}))

	t.Run("newest first", func(t *testing.T) {
		jobs, total, err := repo.List(ctx, JobFilter{})
		require.NoError(t, err)
		assert.Equal(t, int64(5), total)
		require.Len(t, jobs, 5)
		assert.Equal(t, ids[4], jobs[0].ID)
		assert.Equal(t, ids[0], jobs[4].ID)
	})

	t.Run("paginated", func(t *testing.T) {
		jobs, total, err := repo.List(ctx, JobFilter{Offset: 1, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, int64(5), total)
		require.Len(t, jobs, 2)
		assert.Equal(t, ids[3], jobs[0].ID)
		assert.Equal(t, ids[2], jobs[1].ID)
	})

	t.Run("by status", func(t *testing.T) {
		jobs, total, err := repo.List(ctx, JobFilter{Status: &failed})
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		require.Len(t, jobs, 1)
		assert.Equal(t, ids[0], jobs[0].ID)
	})
}

func TestJobRepo_CountByStatus(t *testing.T) {
	repo := NewJobRepository(setupJobTestDB(t))
	ctx := context.Background()

	createJob(t, repo, "https://example.test/a", baseTime)
	createJob(t, repo, "https://example.test/b", baseTime.Add(time.Second))
	_, err := repo.ClaimNextQueued(ctx, "node-1")
	require.NoError(t, err)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.JobStatusQueued])
	assert.Equal(t, int64(1), counts[models.JobStatusDownloading])
	assert.Equal(t, int64(0), counts[models.JobStatusReady])
	assert.Len(t, counts, len(models.AllJobStatuses))
}

func TestJobRepo_ClaimNextQueued_OldestFirst(t *testing.T) {
	repo := NewJobRepository(setupJobTestDB(t))
	ctx := context.Background()
	repo.now = func() time.Time { return baseTime.Add(time.Hour) }

	newer := createJob(t, repo, "https://example.test/newer", baseTime.Add(time.Minute))
	older := createJob(t, repo, "https://example.test/older", baseTime)

	claimed, err := repo.ClaimNextQueued(ctx, "node-1/worker-0")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, older.ID, claimed.ID)
	assert.Equal(t, models.JobStatusDownloading, claimed.Status)
	assert.Equal(t, "node-1/worker-0", claimed.WorkerID)
	require.NotNil(t, claimed.ClaimedAt)
	assert.True(t, claimed.ClaimedAt.Equal(baseTime.Add(time.Hour)))

	claimed, err = repo.ClaimNextQueued(ctx, "node-1/worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, newer.ID, claimed.ID)

	claimed, err = repo.ClaimNextQueued(ctx, "node-1/worker-0")
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestJobRepo_ClaimNextQueued_SkipsNonQueued(t *testing.T) {
	repo := NewJobRepository(setupJobTestDB(t))
	ctx := context.Background()

	job := createJob(t, repo, "https://example.test/a", baseTime)
	failed := models.JobStatusFailed
	require.NoError(t, repo.Update(ctx, job.ID, models.JobPatch{Status: &failed}))

	claimed, err := repo.ClaimNextQueued(ctx, "node-1")
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestJobRepo_ClaimNextQueued_Exclusive(t *testing.T) {
	repo := NewJobRepository(setupJobTestDB(t))
	ctx := context.Background()

	const jobs = 6
	const claimants = 4
	for i := range jobs {
		createJob(t, repo, fmt.Sprintf("https://example.test/v%d", i), baseTime.Add(time.Duration(i)*time.Second))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[models.ULID]string)
		wg      sync.WaitGroup
		errs    = make(chan error, claimants)
	)
	for w := range claimants {
		wg.Add(1)
		go func() {
			defer wg.Done()
			workerID := fmt.Sprintf("node-1/worker-%d", w)
			for {
				job, err := repo.ClaimNextQueued(ctx, workerID)
				if errors.Is(err, ErrClaimContended) {
					continue
				}
				if err != nil {
					errs <- err
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				if prev, dup := claimed[job.ID]; dup {
					mu.Unlock()
					errs <- fmt.Errorf("job %s claimed by %s and %s", job.ID, prev, workerID)
					return
				}
				claimed[job.ID] = workerID
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, claimed, jobs)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts[models.JobStatusQueued])
	assert.Equal(t, int64(jobs), counts[models.JobStatusDownloading])
}

// untransactedDB returns a session whose writes run outside an implicit
// transaction, so test callbacks can touch the table mid-statement.
func untransactedDB(t *testing.T) *gorm.DB {
	t.Helper()
	return setupJobTestDB(t).Session(&gorm.Session{SkipDefaultTransaction: true})
}

func TestJobRepo_ClaimNextQueued_CancelledAfterUpdate(t *testing.T) {
	db := untransactedDB(t)
	repo := NewJobRepository(db)
	job := createJob(t, repo, "https://example.test/a", baseTime)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, db.Callback().Update().After("gorm:update").Register("test:cancel_after_claim", func(*gorm.DB) {
		cancel()
	}))

	claimed, err := repo.ClaimNextQueued(ctx, "node-1/worker-1")
	require.NoError(t, err, "a committed claim is delivered despite cancellation")
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, models.JobStatusDownloading, claimed.Status)
	assert.Equal(t, "node-1/worker-1", claimed.WorkerID)
}

func TestJobRepo_ClaimNextQueued_ReleasesUndeliverableClaim(t *testing.T) {
	db := untransactedDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()
	job := createJob(t, repo, "https://example.test/a", baseTime)

	var claimedOnce, failReads atomic.Bool
	require.NoError(t, db.Callback().Update().After("gorm:update").Register("test:break_reads", func(*gorm.DB) {
		if claimedOnce.CompareAndSwap(false, true) {
			failReads.Store(true)
		}
	}))
	require.NoError(t, db.Callback().Query().After("gorm:query").Register("test:failing_read", func(tx *gorm.DB) {
		if failReads.Load() {
			_ = tx.AddError(errors.New("connection reset"))
		}
	}))

	claimed, err := repo.ClaimNextQueued(ctx, "node-1/worker-1")
	require.ErrorIs(t, err, ErrPersistence)
	assert.Nil(t, claimed)

	failReads.Store(false)
	stored, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.JobStatusQueued, stored.Status, "claim returned to the queue")
	assert.Empty(t, stored.WorkerID)
	assert.Nil(t, stored.ClaimedAt)
}

func TestJobRepo_ClaimNextQueued_Contended(t *testing.T) {
	db := untransactedDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()
	for i := range maxClaimAttempts + 1 {
		createJob(t, repo, fmt.Sprintf("https://example.test/v%d", i), baseTime.Add(time.Duration(i)*time.Second))
	}

	// A rival takes the oldest queued job just before each of our claims.
	var rival atomic.Bool
	rival.Store(true)
	require.NoError(t, db.Callback().Update().Before("gorm:update").Register("test:rival_claim", func(*gorm.DB) {
		if !rival.Load() {
			return
		}
		require.NoError(t, db.Exec(`UPDATE media_jobs SET status = ?, worker_id = ? WHERE id = (
			SELECT id FROM media_jobs WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1)`,
			models.JobStatusDownloading, "node-2/worker-1", models.JobStatusQueued).Error)
	}))

	claimed, err := repo.ClaimNextQueued(ctx, "node-1/worker-1")
	require.ErrorIs(t, err, ErrClaimContended)
	assert.Nil(t, claimed)

	rival.Store(false)
	claimed, err = repo.ClaimNextQueued(ctx, "node-1/worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed, "the job left queued is claimed on the next poll")
	assert.Equal(t, "node-1/worker-1", claimed.WorkerID)
}

func TestJobRepo_Update_Transitions(t *testing.T) {
	repo := NewJobRepository(setupJobTestDB(t))
	ctx := context.Background()

	job := createJob(t, repo, "https://example.test/a", baseTime)

	processing := models.JobStatusProcessing
	err := repo.Update(ctx, job.ID, models.JobPatch{Status: &processing})
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "queued cannot skip to processing")

	_, err = repo.ClaimNextQueued(ctx, "node-1")
	require.NoError(t, err)
	require.NoError(t, repo.Update(ctx, job.ID, models.JobPatch{Status: &processing}))

	ready := models.JobStatusReady
	require.NoError(t, repo.Update(ctx, job.ID, models.JobPatch{
		Status:        &ready,
		ArtifactPath:  models.Ptr("/data/jobs/x/playlist.m3u8"),
		FileSizeBytes: models.Ptr(int64(4096)),
	}))

	found, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusReady, found.Status)
	require.NotNil(t, found.ArtifactPath)
	assert.Equal(t, "/data/jobs/x/playlist.m3u8", *found.ArtifactPath)
	require.NotNil(t, found.FileSizeBytes)
	assert.Equal(t, int64(4096), *found.FileSizeBytes)
	assert.NotNil(t, found.CompletedAt)

	// Terminal states never regress.
	failed := models.JobStatusFailed
	err = repo.Update(ctx, job.ID, models.JobPatch{Status: &failed, FailureReason: models.Ptr("late")})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	found, err = repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusReady, found.Status)
	assert.Empty(t, found.FailureReason)
}

func TestJobRepo_Update_ArtifactRequiresReady(t *testing.T) {
	repo := NewJobRepository(setupJobTestDB(t))
	job := createJob(t, repo, "https://example.test/a", baseTime)

	err := repo.Update(context.Background(), job.ID, models.JobPatch{ArtifactPath: models.Ptr("/tmp/x")})
	assert.ErrorIs(t, err, models.ErrArtifactRequiresReady)
}

func TestJobRepo_Update_MetadataSetOnce(t *testing.T) {
	repo := NewJobRepository(setupJobTestDB(t))
	ctx := context.Background()
	job := createJob(t, repo, "https://example.test/a", baseTime)

	require.NoError(t, repo.Update(ctx, job.ID, models.JobPatch{
		Title:           models.Ptr("First Title"),
		DurationSeconds: models.Ptr(int64(93)),
	}))
	require.NoError(t, repo.Update(ctx, job.ID, models.JobPatch{
		Title:        models.Ptr("Second Title"),
		ThumbnailURL: models.Ptr("https://example.test/thumb.jpg"),
	}))

	found, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, found.Title)
	assert.Equal(t, "First Title", *found.Title)
	require.NotNil(t, found.DurationSeconds)
	assert.Equal(t, int64(93), *found.DurationSeconds)
	require.NotNil(t, found.ThumbnailURL)
	assert.Equal(t, "https://example.test/thumb.jpg", *found.ThumbnailURL)
	assert.Nil(t, found.Description)
}

func TestJobRepo_Update_Errors(t *testing.T) {
	repo := NewJobRepository(setupJobTestDB(t))
	ctx := context.Background()

	err := repo.Update(ctx, models.NewULID(), models.JobPatch{Title: models.Ptr("x")})
	assert.ErrorIs(t, err, ErrNotFound)

	job := createJob(t, repo, "https://example.test/a", baseTime)
	err = repo.Update(ctx, job.ID, models.JobPatch{})
	assert.ErrorIs(t, err, models.ErrEmptyPatch)
}

func TestJobRepo_Delete(t *testing.T) {
	repo := NewJobRepository(setupJobTestDB(t))
	ctx := context.Background()
	job := createJob(t, repo, "https://example.test/a", baseTime)

	require.NoError(t, repo.Delete(ctx, job.ID))

	found, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, found)

	assert.ErrorIs(t, repo.Delete(ctx, job.ID), ErrNotFound)
}

func TestJobRepo_ListStale(t *testing.T) {
	repo := NewJobRepository(setupJobTestDB(t))
	ctx := context.Background()

	old := createJob(t, repo, "https://example.test/old", baseTime)
	recent := createJob(t, repo, "https://example.test/recent", baseTime.Add(time.Second))

	repo.now = func() time.Time { return baseTime }
	_, err := repo.ClaimNextQueued(ctx, "node-1")
	require.NoError(t, err)
	repo.now = func() time.Time { return baseTime.Add(2 * time.Hour) }
	_, err = repo.ClaimNextQueued(ctx, "node-1")
	require.NoError(t, err)

	stale, err := repo.ListStale(ctx, baseTime.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)
	assert.NotEqual(t, recent.ID, stale[0].ID)
}

func TestJobRepo_ListFinishedBefore(t *testing.T) {
	repo := NewJobRepository(setupJobTestDB(t))
	ctx := context.Background()
	failed := models.JobStatusFailed

	early := createJob(t, repo, "https://example.test/early", baseTime)
	late := createJob(t, repo, "https://example.test/late", baseTime.Add(time.Second))

	repo.now = func() time.Time { return baseTime }
	require.NoError(t, repo.Update(ctx, early.ID, models.JobPatch{Status: &failed}))
	repo.now = func() time.Time { return baseTime.Add(48 * time.Hour) }
	require.NoError(t, repo.Update(ctx, late.ID, models.JobPatch{Status: &failed}))

	jobs, err := repo.ListFinishedBefore(ctx, models.JobStatusFailed, baseTime.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, early.ID, jobs[0].ID)

	jobs, err = repo.ListFinishedBefore(ctx, models.JobStatusReady, baseTime.Add(72*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestJobRepo_ListInFlightByWorkerPrefix(t *testing.T) {
	repo := NewJobRepository(setupJobTestDB(t))
	ctx := context.Background()

	mine := createJob(t, repo, "https://example.test/a", baseTime)
	createJob(t, repo, "https://example.test/b", baseTime.Add(time.Second))
	createJob(t, repo, "https://example.test/c", baseTime.Add(2*time.Second))

	_, err := repo.ClaimNextQueued(ctx, "node_1/worker-0")
	require.NoError(t, err)
	_, err = repo.ClaimNextQueued(ctx, "nodex1/worker-0")
	require.NoError(t, err)

	jobs, err := repo.ListInFlightByWorkerPrefix(ctx, "node_1/")
	require.NoError(t, err)
	require.Len(t, jobs, 1, "underscore in prefix must match literally")
	assert.Equal(t, mine.ID, jobs[0].ID)
}

func TestJobRepo_ExistingIDs(t *testing.T) {
	repo := NewJobRepository(setupJobTestDB(t))
	ctx := context.Background()

	job := createJob(t, repo, "https://example.test/a", baseTime)
	missing := models.NewULID()

	found, err := repo.ExistingIDs(ctx, []models.ULID{job.ID, missing})
	require.NoError(t, err)
	assert.True(t, found[job.ID])
	assert.False(t, found[missing])

	found, err = repo.ExistingIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, found)
}
