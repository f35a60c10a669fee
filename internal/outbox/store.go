package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/angelmondragon/outbox-relay/pkg/db"
	"github.com/angelmondragon/outbox-relay/pkg/db/models"
	"github.com/angelmondragon/outbox-relay/pkg/enums"
)

const maxLastErrorLen = 1024

var (
	// ErrDuplicateKey is returned when a record with the same message id exists.
	ErrDuplicateKey = errors.New("outbox: duplicate message id")
	// ErrNotFound is returned when no record matches the message id.
	ErrNotFound = errors.New("outbox: record not found")
	// ErrInvalidTransition is returned when a record cannot move to the
	// requested status from the one it is in.
	ErrInvalidTransition = errors.New("outbox: invalid status transition")
)

// retryableStatuses are the statuses a delivery attempt may start from.
var retryableStatuses = sourcesOf(enums.OutboxStatusSent)

// sourcesOf lists the statuses allowed to move to target.
func sourcesOf(target enums.OutboxStatus) []string {
	var out []string
	for _, status := range enums.OutboxStatuses() {
		if status.CanTransitionTo(target) {
			out = append(out, string(status))
		}
	}
	return out
}

// Store is the durable ledger of accepted records. Every transition is one
// conditional UPDATE, so concurrent callers cannot move a record backwards.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(conn *gorm.DB) *Store {
	return &Store{db: conn, now: func() time.Time { return time.Now().UTC() }}
}

// WithTx returns a store bound to tx.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	if tx == nil {
		return s
	}
	return &Store{db: tx, now: s.now}
}

// Insert persists a new pending record. The insert commits before it returns.
func (s *Store) Insert(ctx context.Context, record *models.OutboxRecord) error {
	if record == nil {
		return errors.New("outbox record required")
	}
	if strings.TrimSpace(record.MessageID) == "" {
		return errors.New("message id required")
	}
	if strings.TrimSpace(record.Topic) == "" {
		return errors.New("topic required")
	}
	if record.Payload == nil {
		record.Payload = []byte{}
	}

	now := s.now()
	record.Status = enums.OutboxStatusPending
	record.RetryCount = 0
	record.LastError = nil
	record.SentAt = nil
	record.BrokerOffset = nil
	record.BrokerPartition = nil
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		if db.IsUniqueViolation(err, "") {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, record.MessageID)
		}
		return fmt.Errorf("insert outbox record: %w", err)
	}
	return nil
}

// Get loads one record by message id.
func (s *Store) Get(ctx context.Context, messageID string) (*models.OutboxRecord, error) {
	var record models.OutboxRecord
	err := s.db.WithContext(ctx).Where("message_id = ?", messageID).First(&record).Error
	if err != nil {
		if db.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, messageID)
		}
		return nil, fmt.Errorf("get outbox record: %w", err)
	}
	return &record, nil
}

// MarkSent moves a pending or failed record to sent and stores the broker
// position. Marking an already sent record is a no-op.
func (s *Store) MarkSent(ctx context.Context, messageID string, offset int64, partition int32) error {
	now := s.now()
	result := s.db.WithContext(ctx).
		Model(&models.OutboxRecord{}).
		Where("message_id = ? AND status IN ?", messageID, retryableStatuses).
		Updates(map[string]any{
			"status":           enums.OutboxStatusSent,
			"sent_at":          now,
			"broker_offset":    offset,
			"broker_partition": partition,
			"last_error":       gorm.Expr("NULL"),
			"updated_at":       now,
		})
	if result.Error != nil {
		return fmt.Errorf("mark outbox record sent: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	status, err := s.statusOf(ctx, messageID)
	if err != nil {
		return err
	}
	if status == enums.OutboxStatusSent {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, enums.OutboxStatusSent)
}

// MarkFailed records one failed attempt. Terminal records are left untouched.
func (s *Store) MarkFailed(ctx context.Context, messageID string, cause error) error {
	result := s.db.WithContext(ctx).
		Model(&models.OutboxRecord{}).
		Where("message_id = ? AND status IN ?", messageID, sourcesOf(enums.OutboxStatusFailed)).
		Updates(map[string]any{
			"status":      enums.OutboxStatusFailed,
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  truncateError(cause),
			"updated_at":  s.now(),
		})
	if result.Error != nil {
		return fmt.Errorf("mark outbox record failed: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	_, err := s.statusOf(ctx, messageID)
	return err
}

// MarkDeadLettered closes a failed record whose retry budget is spent.
func (s *Store) MarkDeadLettered(ctx context.Context, messageID string, maxRetry int) error {
	result := s.db.WithContext(ctx).
		Model(&models.OutboxRecord{}).
		Where("message_id = ? AND status IN ? AND retry_count >= ?", messageID, sourcesOf(enums.OutboxStatusDeadLettered), maxRetry).
		Updates(map[string]any{
			"status":     enums.OutboxStatusDeadLettered,
			"updated_at": s.now(),
		})
	if result.Error != nil {
		return fmt.Errorf("mark outbox record dead-lettered: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	record, err := s.Get(ctx, messageID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s (retry_count=%d) -> %s",
		ErrInvalidTransition, record.Status, record.RetryCount, enums.OutboxStatusDeadLettered)
}

// Exhaust records the final failed attempt and closes the record in one
// transaction.
func (s *Store) Exhaust(ctx context.Context, messageID string, cause error, maxRetry int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txStore := s.WithTx(tx)
		if err := txStore.MarkFailed(ctx, messageID, cause); err != nil {
			return err
		}
		return txStore.MarkDeadLettered(ctx, messageID, maxRetry)
	})
}

// ListPending returns records still eligible for delivery, oldest first. The
// snapshot takes no locks.
func (s *Store) ListPending(ctx context.Context, limit, maxRetry int) ([]models.OutboxRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []models.OutboxRecord
	err := s.db.WithContext(ctx).
		Where("status IN ? AND retry_count < ?", retryableStatuses, maxRetry).
		Order("created_at ASC").
		Order("message_id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list pending outbox records: %w", err)
	}
	return rows, nil
}

// ListExhausted returns failed records whose retry budget is already spent
// but that were never closed, oldest first.
func (s *Store) ListExhausted(ctx context.Context, limit, maxRetry int) ([]models.OutboxRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []models.OutboxRecord
	err := s.db.WithContext(ctx).
		Where("status IN ? AND retry_count >= ?", sourcesOf(enums.OutboxStatusDeadLettered), maxRetry).
		Order("created_at ASC").
		Order("message_id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list exhausted outbox records: %w", err)
	}
	return rows, nil
}

// CountByStatus returns the number of records per status. Statuses with no
// records are reported as zero.
func (s *Store) CountByStatus(ctx context.Context) (map[enums.OutboxStatus]int64, error) {
	type statusCount struct {
		Status string
		Count  int64
	}
	var rows []statusCount
	err := s.db.WithContext(ctx).
		Model(&models.OutboxRecord{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count outbox records: %w", err)
	}

	counts := make(map[enums.OutboxStatus]int64, len(enums.OutboxStatuses()))
	for _, status := range enums.OutboxStatuses() {
		counts[status] = 0
	}
	for _, row := range rows {
		status, err := enums.ParseOutboxStatus(row.Status)
		if err != nil {
			continue
		}
		counts[status] = row.Count
	}
	return counts, nil
}

func (s *Store) statusOf(ctx context.Context, messageID string) (enums.OutboxStatus, error) {
	record, err := s.Get(ctx, messageID)
	if err != nil {
		return "", err
	}
	return record.Status, nil
}

func truncateError(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if len(msg) > maxLastErrorLen {
		cut := maxLastErrorLen
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return &msg
}
