package deadletter

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/outbox-relay/pkg/db"
	"github.com/angelmondragon/outbox-relay/pkg/db/models"
)

const (
	maxErrorLen      = 1024
	defaultListLimit = 50
	maxListLimit     = 500
)

// Repository stores the audit trail of dead-lettered records.
type Repository struct {
	db *gorm.DB
}

func NewRepository(conn *gorm.DB) *Repository {
	return &Repository{db: conn}
}

func (r *Repository) Insert(ctx context.Context, entry *models.DeadLetter) error {
	if entry == nil {
		return errors.New("dead letter entry required")
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.ErrorMessage = truncate(entry.ErrorMessage)
	entry.PublishError = truncate(entry.PublishError)
	return r.db.WithContext(ctx).Create(entry).Error
}

// FindByMessageID returns the newest entry for messageID, or nil when the
// record was never dead-lettered.
func (r *Repository) FindByMessageID(ctx context.Context, messageID string) (*models.DeadLetter, error) {
	var entry models.DeadLetter
	err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("failed_at DESC").
		First(&entry).Error
	if err != nil {
		if db.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *Repository) List(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	var rows []models.DeadLetter
	err := r.db.WithContext(ctx).
		Order("failed_at DESC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func truncate(message *string) *string {
	if message == nil || len(*message) <= maxErrorLen {
		return message
	}
	cut := maxErrorLen
	for cut > 0 && !utf8.RuneStart((*message)[cut]) {
		cut--
	}
	short := (*message)[:cut]
	return &short
}
