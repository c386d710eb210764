package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/castdio/castd/internal/models"
	"github.com/castdio/castd/internal/queue"
	"github.com/castdio/castd/pkg/duration"
)

// JobHandler exposes the job queue over the API.
type JobHandler struct {
	queue *queue.Queue
}

// NewJobHandler creates a job handler.
func NewJobHandler(q *queue.Queue) *JobHandler {
	return &JobHandler{queue: q}
}

// Register registers the job routes with the API.
func (h *JobHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "submitJob",
		Method:        "POST",
		Path:          "/jobs",
		Summary:       "Submit job",
		Description:   "Queues a new processing job",
		Tags:          []string{"Jobs"},
		DefaultStatus: 201,
	}, h.Submit)

	huma.Register(api, huma.Operation{
		OperationID: "listJobs",
		Method:      "GET",
		Path:        "/jobs",
		Summary:     "List jobs",
		Description: "Returns job snapshots, newest first",
		Tags:        []string{"Jobs"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getJobStats",
		Method:      "GET",
		Path:        "/jobs/stats",
		Summary:     "Queue statistics",
		Tags:        []string{"Jobs"},
	}, h.GetStats)

	huma.Register(api, huma.Operation{
		OperationID: "getJob",
		Method:      "GET",
		Path:        "/jobs/{id}",
		Summary:     "Get job",
		Tags:        []string{"Jobs"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "cancelJob",
		Method:      "DELETE",
		Path:        "/jobs/{id}",
		Summary:     "Cancel job",
		Description: "Cancels a pending or processing job",
		Tags:        []string{"Jobs"},
	}, h.Cancel)

	huma.Register(api, huma.Operation{
		OperationID:   "retryJob",
		Method:        "POST",
		Path:          "/jobs/{id}/retry",
		Summary:       "Retry job",
		Description:   "Resubmits a failed job as a new job",
		Tags:          []string{"Jobs"},
		DefaultStatus: 201,
	}, h.Retry)
}

// SubmitJobInput is the request for submitting a job.
type SubmitJobInput struct {
	Body struct {
		Type       string           `json:"type" doc:"Job type" enum:"video-transcode,audio-transcode,image-process,document-convert,custom"`
		Priority   string           `json:"priority,omitempty" doc:"Scheduling priority" enum:"low,normal,high,urgent"`
		TenantID   string           `json:"tenant_id,omitempty" maxLength:"255"`
		UserID     string           `json:"user_id,omitempty" maxLength:"255"`
		MaxRetries int              `json:"max_retries,omitempty" minimum:"0" maximum:"10"`
		Params     models.JobParams `json:"params"`
	}
}

// JobOutput wraps a single job snapshot.
type JobOutput struct {
	Body *models.Job
}

// Submit queues a new job.
func (h *JobHandler) Submit(ctx context.Context, input *SubmitJobInput) (*JobOutput, error) {
	priority, err := models.ParsePriority(input.Body.Priority)
	if err != nil {
		return nil, Err(err)
	}

	job, err := h.queue.Submit(ctx, queue.SubmitRequest{
		Type:       models.JobType(input.Body.Type),
		Priority:   priority,
		TenantID:   input.Body.TenantID,
		UserID:     input.Body.UserID,
		Params:     input.Body.Params,
		MaxRetries: input.Body.MaxRetries,
	})
	if err != nil {
		return nil, Err(err)
	}
	return &JobOutput{Body: job}, nil
}

// ListJobsInput filters and paginates the job list.
type ListJobsInput struct {
	Tenant string `query:"tenant" doc:"Filter by tenant id"`
	User   string `query:"user" doc:"Filter by user id"`
	Status string `query:"status" doc:"Filter by status" enum:",pending,processing,completed,failed,cancelled"`
	Type   string `query:"type" doc:"Filter by job type"`
	Since  string `query:"since" doc:"Only jobs submitted after this point: an RFC3339 timestamp or a relative expression like 2h, \"30m ago\", 2026-08-20"`
	Limit  int    `query:"limit" default:"50" minimum:"1" maximum:"1000"`
	Offset int    `query:"offset" default:"0" minimum:"0"`
}

// ListJobsOutput is a page of job snapshots.
type ListJobsOutput struct {
	Body struct {
		Jobs  []*models.Job `json:"jobs"`
		Total int           `json:"total"`
	}
}

// List returns a page of job snapshots, newest first.
func (h *JobHandler) List(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
	filter := queue.ListFilter{
		TenantID: input.Tenant,
		UserID:   input.User,
		Status:   models.JobStatus(input.Status),
		Type:     models.JobType(input.Type),
		Limit:    input.Limit,
		Offset:   input.Offset,
	}
	if input.Since != "" {
		cutoff, err := duration.ParseRelative(input.Since)
		if err != nil {
			return nil, Err(models.Validationf("invalid since %q: %v", input.Since, err))
		}
		filter.Since = cutoff
	}
	jobs, total := h.queue.List(filter)

	resp := &ListJobsOutput{}
	resp.Body.Jobs = jobs
	resp.Body.Total = total
	return resp, nil
}

// JobIDInput addresses one job.
type JobIDInput struct {
	ID string `path:"id" doc:"Job ID (ULID)"`
}

// Get returns one job snapshot.
func (h *JobHandler) Get(ctx context.Context, input *JobIDInput) (*JobOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, Err(models.Validationf("invalid job id %q", input.ID))
	}
	job, err := h.queue.Get(id)
	if err != nil {
		return nil, Err(err)
	}
	return &JobOutput{Body: job}, nil
}

// Cancel requests cancellation and returns the resulting snapshot. For a
// processing job the final status is decided by its worker; the snapshot
// may still read processing immediately after.
func (h *JobHandler) Cancel(ctx context.Context, input *JobIDInput) (*JobOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, Err(models.Validationf("invalid job id %q", input.ID))
	}
	if err := h.queue.Cancel(id); err != nil {
		return nil, Err(err)
	}
	job, err := h.queue.Get(id)
	if err != nil {
		return nil, Err(err)
	}
	return &JobOutput{Body: job}, nil
}

// Retry resubmits a failed job as a new job linked by parent_id.
func (h *JobHandler) Retry(ctx context.Context, input *JobIDInput) (*JobOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, Err(models.Validationf("invalid job id %q", input.ID))
	}
	job, err := h.queue.Retry(ctx, id)
	if err != nil {
		return nil, Err(err)
	}
	return &JobOutput{Body: job}, nil
}

// StatsOutput wraps queue occupancy counters.
type StatsOutput struct {
	Body queue.Stats
}

// GetStats returns queue occupancy counters.
func (h *JobHandler) GetStats(ctx context.Context, _ *struct{}) (*StatsOutput, error) {
	return &StatsOutput{Body: h.queue.Stats()}, nil
}
