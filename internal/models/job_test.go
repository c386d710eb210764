package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatusTransitions(t *testing.T) {
	tests := []struct {
		name string
		from JobStatus
		to   JobStatus
		ok   bool
	}{
		{"pending to processing", JobStatusPending, JobStatusProcessing, true},
		{"pending to cancelled", JobStatusPending, JobStatusCancelled, true},
		{"pending to completed", JobStatusPending, JobStatusCompleted, false},
		{"processing to completed", JobStatusProcessing, JobStatusCompleted, true},
		{"processing to failed", JobStatusProcessing, JobStatusFailed, true},
		{"processing to cancelled", JobStatusProcessing, JobStatusCancelled, true},
		{"processing to pending", JobStatusProcessing, JobStatusPending, false},
		{"completed is terminal", JobStatusCompleted, JobStatusProcessing, false},
		{"failed is terminal", JobStatusFailed, JobStatusPending, false},
		{"cancelled is terminal", JobStatusCancelled, JobStatusProcessing, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestJobStatusTerminal(t *testing.T) {
	assert.False(t, JobStatusPending.Terminal())
	assert.False(t, JobStatusProcessing.Terminal())
	assert.True(t, JobStatusCompleted.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
	assert.True(t, JobStatusCancelled.Terminal())
}

func TestJobMarkCompletedForcesFullProgress(t *testing.T) {
	job := &Job{Status: JobStatusPending}
	job.MarkProcessing()
	require.Equal(t, JobStatusProcessing, job.Status)
	require.NotNil(t, job.StartedAt)

	job.UpdateProgress(42.5, "encoding")
	assert.InDelta(t, 42.5, job.Progress.Percent, 0.001)

	job.MarkCompleted("/out/a.mp3")
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Equal(t, 100.0, job.Progress.Percent)
	assert.Equal(t, "/out/a.mp3", job.OutputPath)
	require.NotNil(t, job.EndedAt)
}

func TestJobProgressMonotonic(t *testing.T) {
	job := &Job{Status: JobStatusPending}
	job.MarkProcessing()

	job.UpdateProgress(30, "stage1")
	job.UpdateProgress(10, "stage2")
	assert.Equal(t, 30.0, job.Progress.Percent, "progress must never move backwards")
	assert.Equal(t, "stage2", job.Progress.Stage)

	job.UpdateProgress(150, "")
	assert.Equal(t, 100.0, job.Progress.Percent, "progress is clamped to 100")
}

func TestJobClone(t *testing.T) {
	now := Now()
	job := &Job{
		ID:          NewULID(),
		Type:        JobTypeAudioTranscode,
		Priority:    PriorityHigh,
		SubmittedAt: now,
		StartedAt:   &now,
		Params: JobParams{
			Audio: &AudioParams{
				InputPath:  "/in/a.wav",
				OutputPath: "/out/a.mp3",
				Codec:      "mp3",
				Bitrate:    128,
			},
		},
		Status: JobStatusProcessing,
	}

	clone := job.Clone()
	clone.Params.Audio.Bitrate = 320
	clone.Status = JobStatusCompleted

	assert.Equal(t, 128, job.Params.Audio.Bitrate, "clone must not alias params")
	assert.Equal(t, JobStatusProcessing, job.Status)
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in      string
		want    JobPriority
		wantErr bool
	}{
		{"low", PriorityLow, false},
		{"normal", PriorityNormal, false},
		{"", PriorityNormal, false},
		{"high", PriorityHigh, false},
		{"urgent", PriorityUrgent, false},
		{"extreme", PriorityNormal, true},
	}
	for _, tt := range tests {
		got, err := ParsePriority(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			assert.Equal(t, KindValidation, KindOf(err))
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestJobTypeValid(t *testing.T) {
	for _, jt := range JobTypes {
		assert.True(t, jt.Valid(), string(jt))
	}
	assert.False(t, JobType("pdf-rotate").Valid())
}

func TestULIDMonotonicWithinProcess(t *testing.T) {
	prev := NewULID()
	for i := 0; i < 100; i++ {
		next := NewULID()
		assert.Equal(t, -1, prev.Compare(next), "ids must be strictly increasing")
		prev = next
	}
}

func TestJobJSONRoundTrip(t *testing.T) {
	job := &Job{
		ID:       NewULID(),
		Type:     JobTypeImageProcess,
		Priority: PriorityUrgent,
		Status:   JobStatusPending,
		Params: JobParams{
			Image: &ImageParams{
				InputPath:  "/in/a.png",
				OutputPath: "/out/a.jpg",
				Width:      256,
				Height:     256,
				Quality:    85,
				Format:     "jpg",
				Filters:    []ImageFilter{FilterResize, FilterGrayscale},
			},
		},
		SubmittedAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(job)
	require.NoError(t, err)

	var back Job
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, job.ID, back.ID)
	assert.Equal(t, job.Params.Image.Filters, back.Params.Image.Filters)
}
