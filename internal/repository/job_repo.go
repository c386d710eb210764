package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/castdio/castd/internal/models"
)

// jobRepo implements JobRepository using GORM.
type jobRepo struct {
	db *gorm.DB
}

// NewJobRepository creates a JobRepository.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &jobRepo{db: db}
}

// SaveJob upserts the job record.
func (r *jobRepo) SaveJob(ctx context.Context, job *models.Job) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(job).Error
	if err != nil {
		return fmt.Errorf("saving job %s: %w", job.ID, err)
	}
	return nil
}

// DeleteJob removes the job record. Deleting an absent record is not an
// error.
func (r *jobRepo) DeleteJob(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Delete(&models.Job{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("deleting job %s: %w", id, err)
	}
	return nil
}

// GetJob retrieves one job record.
func (r *jobRepo) GetJob(ctx context.Context, id models.ULID) (*models.Job, error) {
	var job models.Job
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NotFoundf("job %s not found", id)
		}
		return nil, fmt.Errorf("getting job %s: %w", id, err)
	}
	return &job, nil
}

// ListJobs retrieves persisted job records, newest first, optionally
// scoped to a tenant.
func (r *jobRepo) ListJobs(ctx context.Context, tenantID string, limit int) ([]*models.Job, error) {
	q := r.db.WithContext(ctx).Order("submitted_at DESC")
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var jobs []*models.Job
	if err := q.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, nil
}
