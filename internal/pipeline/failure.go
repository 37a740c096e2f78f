package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/jmylchreest/vodarr/internal/models"
	"github.com/jmylchreest/vodarr/internal/storage"
	"github.com/jmylchreest/vodarr/internal/toolexec"
)

// ErrAbandoned means a transition could not be persisted. The job is left in
// its last persisted state for stale recovery to fail later.
var ErrAbandoned = errors.New("job abandoned: transition not persisted")

// StepError wraps an error with the step that produced it.
type StepError struct {
	StepID string
	Err    error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.StepID, e.Err)
}

// Unwrap returns the underlying error.
func (e *StepError) Unwrap() error {
	return e.Err
}

// Classify maps a step error to the failure category stored on the job.
func Classify(err error) models.FailureKind {
	var pathErr *fs.PathError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return models.FailureInterrupted
	case errors.Is(err, toolexec.ErrNotFound):
		return models.FailureToolNotFound
	case errors.Is(err, toolexec.ErrLaunch):
		return models.FailureToolLaunch
	case errors.Is(err, toolexec.ErrTimeout):
		return models.FailureToolTimeout
	case errors.Is(err, toolexec.ErrNonZeroExit):
		return models.FailureToolExit
	case errors.Is(err, toolexec.ErrMissingOutput):
		return models.FailureMissingOutput
	case errors.Is(err, storage.ErrPathEscape), errors.As(err, &pathErr):
		return models.FailureStorage
	default:
		return models.FailureInternal
	}
}
