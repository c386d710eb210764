package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castdio/castd/internal/config"
	"github.com/castdio/castd/internal/models"
	"github.com/castdio/castd/internal/plugin"
	"github.com/castdio/castd/internal/queue"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testQueue(t *testing.T) *queue.Queue {
	t.Helper()
	logger := discard()
	registry := plugin.NewRegistry(logger)
	q := queue.New(config.JobsConfig{}, registry, logger)
	t.Cleanup(func() { q.Shutdown(false) })
	return q
}

func jobAPI(t *testing.T) humatest.TestAPI {
	t.Helper()
	_, api := humatest.New(t)
	NewJobHandler(testQueue(t)).Register(api)
	return api
}

func TestSubmitJobReturnsPendingSnapshot(t *testing.T) {
	api := jobAPI(t)

	resp := api.Post("/jobs", map[string]any{
		"type":      "image-process",
		"priority":  "high",
		"tenant_id": "t1",
		"params": map[string]any{
			"image": map[string]any{
				"input_path":  "/in/a.png",
				"output_path": "/out/a.jpg",
				"width":       256,
				"height":      256,
				"format":      "jpg",
			},
		},
	})
	require.Equal(t, http.StatusCreated, resp.Code)

	var job models.Job
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &job))
	assert.False(t, job.ID.IsZero())
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, models.PriorityHigh, job.Priority)
}

func TestSubmitJobRejectsUnknownType(t *testing.T) {
	api := jobAPI(t)

	resp := api.Post("/jobs", map[string]any{
		"type":   "mystery",
		"params": map[string]any{},
	})
	require.Equal(t, http.StatusBadRequest, resp.Code)

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "validation_error", body.Error.Code)
	assert.NotEmpty(t, body.Error.Message)
}

func TestSubmitJobRejectsMissingParams(t *testing.T) {
	api := jobAPI(t)

	resp := api.Post("/jobs", map[string]any{
		"type":   "audio-transcode",
		"params": map[string]any{},
	})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, resp.Body.String(), "validation_error")
}

func TestGetUnknownJobIs404(t *testing.T) {
	api := jobAPI(t)

	resp := api.Get("/jobs/" + models.NewULID().String())
	require.Equal(t, http.StatusNotFound, resp.Code)
	assert.Contains(t, resp.Body.String(), "not_found")
}

func TestGetJobRejectsMalformedID(t *testing.T) {
	api := jobAPI(t)

	resp := api.Get("/jobs/not-a-ulid")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, resp.Body.String(), "validation_error")
}

func TestCancelPendingJob(t *testing.T) {
	api := jobAPI(t)

	resp := api.Post("/jobs", map[string]any{
		"type": "custom",
		"params": map[string]any{
			"custom": map[string]string{"task": "noop"},
		},
	})
	require.Equal(t, http.StatusCreated, resp.Code)
	var job models.Job
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &job))

	del := api.Delete("/jobs/" + job.ID.String())
	require.Equal(t, http.StatusOK, del.Code)

	var cancelled models.Job
	require.NoError(t, json.Unmarshal(del.Body.Bytes(), &cancelled))
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)
}

func TestListJobsFiltersByTenant(t *testing.T) {
	api := jobAPI(t)

	for _, tenant := range []string{"t1", "t1", "t2"} {
		resp := api.Post("/jobs", map[string]any{
			"type":      "custom",
			"tenant_id": tenant,
			"params": map[string]any{
				"custom": map[string]string{"task": "noop"},
			},
		})
		require.Equal(t, http.StatusCreated, resp.Code)
	}

	resp := api.Get("/jobs?tenant=t1")
	require.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		Jobs  []models.Job `json:"jobs"`
		Total int          `json:"total"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Total)
	assert.Len(t, body.Jobs, 2)
}

func TestListJobsSinceFilter(t *testing.T) {
	api := jobAPI(t)

	resp := api.Post("/jobs", map[string]any{
		"type": "custom",
		"params": map[string]any{
			"custom": map[string]string{"task": "noop"},
		},
	})
	require.Equal(t, http.StatusCreated, resp.Code)

	var body struct {
		Jobs  []models.Job `json:"jobs"`
		Total int          `json:"total"`
	}

	// A one-hour lookback covers the job just submitted.
	list := api.Get("/jobs?since=1h")
	require.Equal(t, http.StatusOK, list.Code)
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Total)

	// A future cutoff excludes it.
	list = api.Get("/jobs?since=in%202h")
	require.Equal(t, http.StatusOK, list.Code)
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &body))
	assert.Zero(t, body.Total)

	bad := api.Get("/jobs?since=whenever")
	assert.Equal(t, http.StatusBadRequest, bad.Code)
	assert.Contains(t, bad.Body.String(), "validation_error")
}

func TestRetryRequiresFailedJob(t *testing.T) {
	api := jobAPI(t)

	resp := api.Post("/jobs", map[string]any{
		"type": "custom",
		"params": map[string]any{
			"custom": map[string]string{"task": "noop"},
		},
	})
	require.Equal(t, http.StatusCreated, resp.Code)
	var job models.Job
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &job))

	retry := api.Post("/jobs/" + job.ID.String() + "/retry")
	assert.Equal(t, http.StatusConflict, retry.Code)
	assert.Contains(t, retry.Body.String(), "conflict")
}

func TestQueueStats(t *testing.T) {
	api := jobAPI(t)

	resp := api.Get("/jobs/stats")
	require.Equal(t, http.StatusOK, resp.Code)

	var stats queue.Stats
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &stats))
	assert.Zero(t, stats.Pending)
}
