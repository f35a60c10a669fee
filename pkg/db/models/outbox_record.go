package models

import (
	"time"

	"github.com/angelmondragon/outbox-relay/pkg/enums"
)

// OutboxRecord is one accepted event and its delivery state. Identity and
// content columns never change after insert.
type OutboxRecord struct {
	MessageID       string             `gorm:"column:message_id;type:varchar(255);primaryKey"`
	Topic           string             `gorm:"column:topic;type:varchar(255);not null"`
	MessageKey      *string            `gorm:"column:message_key;type:varchar(255)"`
	ContentType     *string            `gorm:"column:content_type;type:varchar(255)"`
	Payload         []byte             `gorm:"column:payload;type:bytea;not null"`
	Status          enums.OutboxStatus `gorm:"column:status;type:varchar(32);not null;default:pending;index:ix_outbox_records_status_created_at,priority:1"`
	RetryCount      int                `gorm:"column:retry_count;not null;default:0"`
	LastError       *string            `gorm:"column:last_error;type:text"`
	CreatedAt       time.Time          `gorm:"column:created_at;not null;index:ix_outbox_records_status_created_at,priority:2"`
	SentAt          *time.Time         `gorm:"column:sent_at"`
	BrokerOffset    *int64             `gorm:"column:broker_offset"`
	BrokerPartition *int32             `gorm:"column:broker_partition"`
	UpdatedAt       time.Time          `gorm:"column:updated_at;not null"`
}

func (OutboxRecord) TableName() string {
	return "outbox_records"
}
