// Package repository implements the GORM-backed write-through behind the
// job queue and the channel engines. The in-memory records stay
// authoritative; these repositories only mirror them so history survives a
// restart.
package repository

import (
	"context"

	"github.com/castdio/castd/internal/models"
)

// JobRepository persists job records. Save is an upsert keyed by id.
type JobRepository interface {
	SaveJob(ctx context.Context, job *models.Job) error
	DeleteJob(ctx context.Context, id models.ULID) error
	GetJob(ctx context.Context, id models.ULID) (*models.Job, error)
	ListJobs(ctx context.Context, tenantID string, limit int) ([]*models.Job, error)
}

// ChannelRepository persists channel definitions. Save is an upsert keyed
// by id.
type ChannelRepository interface {
	SaveChannel(ctx context.Context, channel *models.Channel) error
	DeleteChannel(ctx context.Context, id models.ULID) error
	GetChannel(ctx context.Context, id models.ULID) (*models.Channel, error)
	ListChannels(ctx context.Context) ([]*models.Channel, error)
}
