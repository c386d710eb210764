package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/castdio/castd/internal/models"
)

// channelRepo implements ChannelRepository using GORM.
type channelRepo struct {
	db *gorm.DB
}

// NewChannelRepository creates a ChannelRepository.
func NewChannelRepository(db *gorm.DB) ChannelRepository {
	return &channelRepo{db: db}
}

// SaveChannel upserts the channel definition.
func (r *channelRepo) SaveChannel(ctx context.Context, channel *models.Channel) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(channel).Error
	if err != nil {
		return fmt.Errorf("saving channel %s: %w", channel.ID, err)
	}
	return nil
}

// DeleteChannel removes the channel record. Deleting an absent record is
// not an error.
func (r *channelRepo) DeleteChannel(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Delete(&models.Channel{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("deleting channel %s: %w", id, err)
	}
	return nil
}

// GetChannel retrieves one channel definition.
func (r *channelRepo) GetChannel(ctx context.Context, id models.ULID) (*models.Channel, error) {
	var channel models.Channel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&channel).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NotFoundf("channel %s not found", id)
		}
		return nil, fmt.Errorf("getting channel %s: %w", id, err)
	}
	return &channel, nil
}

// ListChannels retrieves every persisted channel definition ordered by id.
func (r *channelRepo) ListChannels(ctx context.Context) ([]*models.Channel, error) {
	var channels []*models.Channel
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&channels).Error; err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	return channels, nil
}
