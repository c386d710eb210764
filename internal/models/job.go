package models

import (
	"time"
)

// JobType identifies the class of media work a job performs. The type
// selects the worker pool and the plugin routing domain.
type JobType string

const (
	JobTypeVideoTranscode  JobType = "video-transcode"
	JobTypeAudioTranscode  JobType = "audio-transcode"
	JobTypeImageProcess    JobType = "image-process"
	JobTypeDocumentConvert JobType = "document-convert"
	JobTypeCustom          JobType = "custom"
)

// JobTypes lists every valid job type in routing order.
var JobTypes = []JobType{
	JobTypeVideoTranscode,
	JobTypeAudioTranscode,
	JobTypeImageProcess,
	JobTypeDocumentConvert,
	JobTypeCustom,
}

// Valid reports whether the job type is one of the known types.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeVideoTranscode, JobTypeAudioTranscode, JobTypeImageProcess,
		JobTypeDocumentConvert, JobTypeCustom:
		return true
	}
	return false
}

// JobPriority orders jobs within a type queue. Higher values dequeue first;
// ties break by submission order.
type JobPriority int

const (
	PriorityLow    JobPriority = 0
	PriorityNormal JobPriority = 10
	PriorityHigh   JobPriority = 20
	PriorityUrgent JobPriority = 30
)

// ParsePriority converts the wire representation to a JobPriority.
func ParsePriority(s string) (JobPriority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	return PriorityNormal, Validationf("unknown priority %q", s)
}

// String returns the wire representation of the priority.
func (p JobPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// JobStatus is the lifecycle state of a job. Transitions only ever move
// pending -> processing -> {completed|failed|cancelled}; terminal states are
// final.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a legal
// lifecycle step.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusProcessing || next == JobStatusCancelled
	case JobStatusProcessing:
		return next.Terminal()
	default:
		return false
	}
}

// JobProgress is the live progress of a processing job. Percent is
// monotonic non-decreasing while processing and reaches exactly 100 before
// a completed terminal.
type JobProgress struct {
	Percent    float64 `json:"percent"`
	Stage      string  `json:"stage,omitempty"`
	ETASeconds *int64  `json:"eta_seconds,omitempty"`
}

// Job is a single unit of media work tracked by the queue. The in-memory
// record is authoritative; persistence is a best-effort write-through.
type Job struct {
	ID          ULID        `gorm:"primarykey;type:varchar(26)" json:"id"`
	Type        JobType     `gorm:"not null;index" json:"type"`
	Priority    JobPriority `gorm:"not null;default:10" json:"priority"`
	TenantID    string      `gorm:"index" json:"tenant_id"`
	UserID      string      `gorm:"index" json:"user_id"`
	SubmittedAt Time        `gorm:"not null;index" json:"submitted_at"`
	Params      JobParams   `gorm:"serializer:json" json:"params"`
	MaxRetries  int         `json:"max_retries"`
	ParentID    *ULID       `gorm:"type:varchar(26)" json:"parent_id,omitempty"`

	Status     JobStatus   `gorm:"not null;index" json:"status"`
	Progress   JobProgress `gorm:"embedded;embeddedPrefix:progress_" json:"progress"`
	StartedAt  *Time       `json:"started_at,omitempty"`
	EndedAt    *Time       `json:"ended_at,omitempty"`
	Error      string      `json:"error,omitempty"`
	OutputPath string      `json:"output_path,omitempty"`
}

// TableName overrides the GORM table name.
func (Job) TableName() string {
	return "jobs"
}

// Pending reports whether the job has not yet been picked up by a worker.
func (j *Job) Pending() bool {
	return j.Status == JobStatusPending
}

// Processing reports whether a worker currently owns the job.
func (j *Job) Processing() bool {
	return j.Status == JobStatusProcessing
}

// Finished reports whether the job reached a terminal status.
func (j *Job) Finished() bool {
	return j.Status.Terminal()
}

// MarkProcessing transitions the job to processing and records the start
// time. The caller holds the records lock.
func (j *Job) MarkProcessing() {
	now := Now()
	j.Status = JobStatusProcessing
	j.StartedAt = &now
	if j.Progress.Stage == "" {
		j.Progress.Stage = "starting"
	}
}

// MarkCompleted transitions the job to completed, forcing the final
// progress update to exactly 100.
func (j *Job) MarkCompleted(outputPath string) {
	now := Now()
	j.Status = JobStatusCompleted
	j.EndedAt = &now
	j.OutputPath = outputPath
	j.Progress.Percent = 100
	j.Progress.Stage = "done"
	j.Progress.ETASeconds = nil
}

// MarkFailed transitions the job to failed with the classified reason.
func (j *Job) MarkFailed(reason string) {
	now := Now()
	j.Status = JobStatusFailed
	j.EndedAt = &now
	j.Error = reason
}

// MarkCancelled transitions the job to cancelled.
func (j *Job) MarkCancelled() {
	now := Now()
	j.Status = JobStatusCancelled
	j.EndedAt = &now
}

// UpdateProgress applies a progress report, keeping percent monotonic.
// Reports that would move percent backwards are clamped to the current
// value so consumers only ever observe a non-decreasing sequence.
func (j *Job) UpdateProgress(percent float64, stage string) {
	if percent > 100 {
		percent = 100
	}
	if percent > j.Progress.Percent {
		j.Progress.Percent = percent
	}
	if stage != "" {
		j.Progress.Stage = stage
	}
	if j.StartedAt != nil && j.Progress.Percent > 0 && j.Progress.Percent < 100 {
		elapsed := time.Since(*j.StartedAt).Seconds()
		remaining := int64(elapsed * (100 - j.Progress.Percent) / j.Progress.Percent)
		j.Progress.ETASeconds = &remaining
	}
}

// Clone returns a deep-enough copy for handing snapshots across the API
// boundary without exposing the live record.
func (j *Job) Clone() *Job {
	c := *j
	if j.ParentID != nil {
		id := *j.ParentID
		c.ParentID = &id
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.EndedAt != nil {
		t := *j.EndedAt
		c.EndedAt = &t
	}
	if j.Progress.ETASeconds != nil {
		v := *j.Progress.ETASeconds
		c.Progress.ETASeconds = &v
	}
	c.Params = j.Params.Clone()
	return &c
}
