package outbox

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/grosir-backend/pkg/db/models"
)

const (
	maxDLQErrorLen   = 1024
	defaultDLQListed = 50
)

// DLQRepository stores dead-lettered outbox events and replays them.
type DLQRepository struct {
	db *gorm.DB
}

func NewDLQRepository(db *gorm.DB) *DLQRepository {
	return &DLQRepository{db: db}
}

// InsertTx records entry inside the publisher's transaction.
func (r *DLQRepository) InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if entry.ErrorMessage != nil && len(*entry.ErrorMessage) > maxDLQErrorLen {
		msg := (*entry.ErrorMessage)[:maxDLQErrorLen]
		entry.ErrorMessage = &msg
	}
	return tx.Create(&entry).Error
}

// ListRecent returns the newest dead letters first.
func (r *DLQRepository) ListRecent(ctx context.Context, limit int) ([]models.OutboxDLQ, error) {
	if limit <= 0 {
		limit = defaultDLQListed
	}
	var rows []models.OutboxDLQ
	err := r.db.WithContext(ctx).
		Order("failed_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// ReplayTx makes a dead-lettered event publishable again: the outbox row gets a fresh
// attempt budget and its dead-letter entries are removed. Returns gorm.ErrRecordNotFound
// when the event is not dead-lettered or was already published.
func (r *DLQRepository) ReplayTx(tx *gorm.DB, eventID uuid.UUID) error {
	if tx == nil {
		return errors.New("transaction required")
	}

	var entries int64
	if err := tx.Model(&models.OutboxDLQ{}).Where("event_id = ?", eventID).Count(&entries).Error; err != nil {
		return err
	}
	if entries == 0 {
		return gorm.ErrRecordNotFound
	}

	res := tx.Model(&models.OutboxEvent{}).
		Where("id = ? AND published_at IS NULL", eventID).
		Updates(map[string]any{
			"attempt_count": 0,
			"last_error":    nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}

	return tx.Where("event_id = ?", eventID).Delete(&models.OutboxDLQ{}).Error
}
