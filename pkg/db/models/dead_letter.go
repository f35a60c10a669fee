package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/outbox-relay/pkg/enums"
)

// DeadLetter captures a record that left the retry loop, along with the
// outcome of publishing it to the dead-letter topic.
type DeadLetter struct {
	ID              uuid.UUID              `gorm:"column:id;type:uuid;primaryKey"`
	MessageID       string                 `gorm:"column:message_id;type:varchar(255);not null;index:ix_outbox_dead_letters_message_id"`
	OriginalTopic   string                 `gorm:"column:original_topic;type:varchar(255);not null"`
	MessageKey      *string                `gorm:"column:message_key;type:varchar(255)"`
	Payload         []byte                 `gorm:"column:payload;type:bytea;not null"`
	Reason          enums.DeadLetterReason `gorm:"column:reason;type:varchar(32);not null"`
	ErrorMessage    *string                `gorm:"column:error_message;type:text"`
	RetryCount      int                    `gorm:"column:retry_count;not null;default:0"`
	DeadLetterTopic string                 `gorm:"column:dead_letter_topic;type:varchar(255);not null"`
	Published       bool                   `gorm:"column:published;not null;default:false"`
	PublishError    *string                `gorm:"column:publish_error;type:text"`
	FailedAt        time.Time              `gorm:"column:failed_at;not null"`
	CreatedAt       time.Time              `gorm:"column:created_at;autoCreateTime"`
}

func (DeadLetter) TableName() string {
	return "outbox_dead_letters"
}
