// Package handlers provides HTTP API handlers for vodarr.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/vodarr/internal/models"
	"github.com/jmylchreest/vodarr/internal/repository"
	"github.com/jmylchreest/vodarr/internal/scheduler"
	"github.com/jmylchreest/vodarr/internal/service"
)

// JobHandler handles job API endpoints.
type JobHandler struct {
	jobService *service.JobService
}

// NewJobHandler creates a new job handler.
func NewJobHandler(jobService *service.JobService) *JobHandler {
	return &JobHandler{
		jobService: jobService,
	}
}

// Register registers the job routes with the API.
func (h *JobHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "createJob",
		Method:        http.MethodPost,
		Path:          "/api/v1/jobs",
		Summary:       "Submit job",
		Description:   "Queues a URL for download and HLS packaging",
		Tags:          []string{"Jobs"},
		DefaultStatus: http.StatusCreated,
	}, h.Create)

	huma.Register(api, huma.Operation{
		OperationID: "listJobs",
		Method:      http.MethodGet,
		Path:        "/api/v1/jobs",
		Summary:     "List jobs",
		Description: "Returns jobs newest first, optionally filtered by status",
		Tags:        []string{"Jobs"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getJobStats",
		Method:      http.MethodGet,
		Path:        "/api/v1/jobs/stats",
		Summary:     "Get job statistics",
		Description: "Returns job counts per status",
		Tags:        []string{"Jobs"},
	}, h.GetStats)

	huma.Register(api, huma.Operation{
		OperationID: "getJob",
		Method:      http.MethodGet,
		Path:        "/api/v1/jobs/{id}",
		Summary:     "Get job",
		Description: "Returns a job by ID",
		Tags:        []string{"Jobs"},
	}, h.GetByID)

	huma.Register(api, huma.Operation{
		OperationID:   "deleteJob",
		Method:        http.MethodDelete,
		Path:          "/api/v1/jobs/{id}",
		Summary:       "Delete job",
		Description:   "Deletes a ready or failed job together with its files",
		Tags:          []string{"Jobs"},
		DefaultStatus: http.StatusNoContent,
	}, h.Delete)

	huma.Register(api, huma.Operation{
		OperationID:   "resubmitJob",
		Method:        http.MethodPost,
		Path:          "/api/v1/jobs/{id}/resubmit",
		Summary:       "Resubmit failed job",
		Description:   "Queues a new job for the URL of a failed job",
		Tags:          []string{"Jobs"},
		DefaultStatus: http.StatusCreated,
	}, h.Resubmit)

	huma.Register(api, huma.Operation{
		OperationID: "getRunnerStatus",
		Method:      http.MethodGet,
		Path:        "/api/v1/runner",
		Summary:     "Get runner status",
		Description: "Returns the worker pool status and the jobs it is processing",
		Tags:        []string{"Runner"},
	}, h.GetRunnerStatus)
}

// toHTTPError maps service errors onto API errors.
func toHTTPError(err error, msg string) error {
	switch {
	case errors.Is(err, service.ErrJobNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, service.ErrJobNotFinished),
		errors.Is(err, service.ErrJobNotFailed),
		errors.Is(err, service.ErrJobNotReady):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, models.ErrURLRequired),
		errors.Is(err, models.ErrInvalidURL),
		errors.Is(err, models.ErrInvalidStatus):
		return huma.Error422UnprocessableEntity(err.Error())
	case errors.Is(err, service.ErrRunnerNotConfigured):
		return huma.Error503ServiceUnavailable(err.Error())
	default:
		return huma.Error500InternalServerError(msg, err)
	}
}

func parseJobID(raw string) (models.ULID, error) {
	id, err := models.ParseULID(raw)
	if err != nil {
		return models.ULID{}, huma.Error400BadRequest("invalid ID format", err)
	}
	return id, nil
}

// CreateJobInput is the input for submitting a job.
type CreateJobInput struct {
	Body struct {
		URL   string `json:"url" minLength:"1" maxLength:"2048" doc:"http or https URL of the media page"`
		Title string `json:"title,omitempty" maxLength:"1024" doc:"Optional title; takes precedence over the probed one"`
	}
}

// JobOutput is the output for operations returning a single job.
type JobOutput struct {
	Body JobResponse
}

// Create submits a job.
func (h *JobHandler) Create(ctx context.Context, input *CreateJobInput) (*JobOutput, error) {
	job, err := h.jobService.Submit(ctx, service.SubmitRequest{URL: input.Body.URL, Title: input.Body.Title})
	if err != nil {
		return nil, toHTTPError(err, "failed to submit job")
	}
	return &JobOutput{Body: JobFromModel(job)}, nil
}

// ListJobsInput is the input for listing jobs.
type ListJobsInput struct {
	Status string `query:"status" doc:"Filter by status (optional)" enum:"queued,downloading,processing,ready,failed,"`
	Offset int    `query:"offset" default:"0" minimum:"0" doc:"Offset for pagination"`
	Limit  int    `query:"limit" default:"50" minimum:"1" maximum:"500" doc:"Limit for pagination"`
}

// ListJobsOutput is the output for listing jobs.
type ListJobsOutput struct {
	Body struct {
		Jobs       []JobResponse  `json:"jobs"`
		Pagination PaginationMeta `json:"pagination"`
	}
}

// List returns a page of jobs.
func (h *JobHandler) List(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
	filter := repository.JobFilter{Offset: input.Offset, Limit: input.Limit}
	if input.Status != "" {
		status := models.JobStatus(input.Status)
		filter.Status = &status
	}

	jobs, total, err := h.jobService.List(ctx, filter)
	if err != nil {
		return nil, toHTTPError(err, "failed to list jobs")
	}

	resp := &ListJobsOutput{}
	resp.Body.Jobs = make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		resp.Body.Jobs = append(resp.Body.Jobs, JobFromModel(j))
	}
	resp.Body.Pagination = NewPaginationMeta(input.Offset, input.Limit, len(jobs), total)
	return resp, nil
}

// JobIDInput identifies a job by path.
type JobIDInput struct {
	ID string `path:"id" doc:"Job ID (ULID)"`
}

// GetByID returns a job by ID.
func (h *JobHandler) GetByID(ctx context.Context, input *JobIDInput) (*JobOutput, error) {
	id, err := parseJobID(input.ID)
	if err != nil {
		return nil, err
	}
	job, err := h.jobService.GetByID(ctx, id)
	if err != nil {
		return nil, toHTTPError(err, "failed to get job")
	}
	return &JobOutput{Body: JobFromModel(job)}, nil
}

// Delete removes a finished job.
func (h *JobHandler) Delete(ctx context.Context, input *JobIDInput) (*struct{}, error) {
	id, err := parseJobID(input.ID)
	if err != nil {
		return nil, err
	}
	if err := h.jobService.Delete(ctx, id); err != nil {
		return nil, toHTTPError(err, "failed to delete job")
	}
	return nil, nil
}

// Resubmit queues a new job from a failed one.
func (h *JobHandler) Resubmit(ctx context.Context, input *JobIDInput) (*JobOutput, error) {
	id, err := parseJobID(input.ID)
	if err != nil {
		return nil, err
	}
	job, err := h.jobService.Resubmit(ctx, id)
	if err != nil {
		return nil, toHTTPError(err, "failed to resubmit job")
	}
	return &JobOutput{Body: JobFromModel(job)}, nil
}

// JobStatsOutput is the output for job statistics.
type JobStatsOutput struct {
	Body service.JobStats
}

// GetStats returns job counts.
func (h *JobHandler) GetStats(ctx context.Context, _ *struct{}) (*JobStatsOutput, error) {
	stats, err := h.jobService.GetStats(ctx)
	if err != nil {
		return nil, toHTTPError(err, "failed to get job statistics")
	}
	return &JobStatsOutput{Body: *stats}, nil
}

// RunnerStatusOutput is the output for the runner status.
type RunnerStatusOutput struct {
	Body scheduler.RunnerStatus
}

// GetRunnerStatus returns the worker pool status.
func (h *JobHandler) GetRunnerStatus(ctx context.Context, _ *struct{}) (*RunnerStatusOutput, error) {
	status, err := h.jobService.GetRunnerStatus(ctx)
	if err != nil {
		return nil, toHTTPError(err, "failed to get runner status")
	}
	return &RunnerStatusOutput{Body: *status}, nil
}
