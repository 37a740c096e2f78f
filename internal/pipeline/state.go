package pipeline

import (
	"time"

	"github.com/jmylchreest/vodarr/internal/ffmpeg"
	"github.com/jmylchreest/vodarr/internal/models"
)

// jobState accumulates what the steps learn about one job. The job copy
// mirrors the last persisted row; every change reaches the store through
// one JobPatch per transition before it is applied here.
type jobState struct {
	job        models.Job
	startTime  time.Time
	dir        string
	sourcePath string
	output     *ffmpeg.Output
	sizeBytes  int64
	// warnings are non-fatal step errors, such as a failed metadata probe.
	warnings []error
}

func newJobState(job *models.Job, now time.Time) *jobState {
	return &jobState{job: *job, startTime: now}
}

func (s *jobState) addWarning(err error) {
	if err != nil {
		s.warnings = append(s.warnings, err)
	}
}

// apply records a persisted patch on the in-memory copy.
func (s *jobState) apply(p models.JobPatch) {
	p.Apply(&s.job)
}
