package repository

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castdio/castd/internal/config"
	"github.com/castdio/castd/internal/database"
	"github.com/castdio/castd/internal/models"
)

func testDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(config.DatabaseConfig{
		Driver:   "sqlite",
		DSN:      ":memory:",
		LogLevel: "silent",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestJobRepositorySaveIsUpsert(t *testing.T) {
	repo := NewJobRepository(testDB(t).DB)
	ctx := context.Background()

	job := &models.Job{
		ID:          models.NewULID(),
		Type:        models.JobTypeAudioTranscode,
		Status:      models.JobStatusPending,
		Priority:    models.PriorityNormal,
		TenantID:    "t1",
		SubmittedAt: models.Now(),
	}
	require.NoError(t, repo.SaveJob(ctx, job))

	job.MarkProcessing()
	job.MarkCompleted("/out/a.mp3")
	require.NoError(t, repo.SaveJob(ctx, job))

	got, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, "/out/a.mp3", got.OutputPath)
	assert.InDelta(t, 100, got.Progress.Percent, 0.001)
}

func TestJobRepositoryGetMissing(t *testing.T) {
	repo := NewJobRepository(testDB(t).DB)
	_, err := repo.GetJob(context.Background(), models.NewULID())
	assert.Equal(t, models.KindNotFound, models.KindOf(err))
}

func TestJobRepositoryListFiltersAndOrders(t *testing.T) {
	repo := NewJobRepository(testDB(t).DB)
	ctx := context.Background()

	for _, tenant := range []string{"t1", "t1", "t2"} {
		job := &models.Job{
			ID:          models.NewULID(),
			Type:        models.JobTypeImageProcess,
			Status:      models.JobStatusPending,
			TenantID:    tenant,
			SubmittedAt: models.Now(),
		}
		require.NoError(t, repo.SaveJob(ctx, job))
	}

	all, err := repo.ListJobs(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	t1, err := repo.ListJobs(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Len(t, t1, 2)

	limited, err := repo.ListJobs(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestJobRepositoryDeleteIsIdempotent(t *testing.T) {
	repo := NewJobRepository(testDB(t).DB)
	ctx := context.Background()

	job := &models.Job{
		ID:          models.NewULID(),
		Type:        models.JobTypeCustom,
		Status:      models.JobStatusPending,
		SubmittedAt: models.Now(),
	}
	require.NoError(t, repo.SaveJob(ctx, job))
	require.NoError(t, repo.DeleteJob(ctx, job.ID))
	require.NoError(t, repo.DeleteJob(ctx, job.ID))

	_, err := repo.GetJob(ctx, job.ID)
	assert.Equal(t, models.KindNotFound, models.KindOf(err))
}

func TestChannelRepositoryRoundTrip(t *testing.T) {
	repo := NewChannelRepository(testDB(t).DB)
	ctx := context.Background()

	ch := &models.Channel{
		Kind:         models.ChannelKindRadio,
		Name:         "Morning FM",
		AudioCodec:   "mp3",
		AudioBitrate: 128,
		Playlist: []models.Track{
			{Path: "/music/a.mp3", Title: "A"},
		},
		AutoDJ: models.AutoDJConfig{Enabled: true, Folders: []string{"/music"}},
	}
	ch.ID = models.NewULID()
	require.NoError(t, repo.SaveChannel(ctx, ch))

	ch.Name = "Evening FM"
	require.NoError(t, repo.SaveChannel(ctx, ch))

	got, err := repo.GetChannel(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, "Evening FM", got.Name)
	require.Len(t, got.Playlist, 1)
	assert.Equal(t, "/music/a.mp3", got.Playlist[0].Path)
	assert.True(t, got.AutoDJ.Enabled)

	list, err := repo.ListChannels(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, repo.DeleteChannel(ctx, ch.ID))
	_, err = repo.GetChannel(ctx, ch.ID)
	assert.Equal(t, models.KindNotFound, models.KindOf(err))
}
