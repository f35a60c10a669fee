package deadletter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/outbox-relay/pkg/db/models"
	"github.com/angelmondragon/outbox-relay/pkg/enums"
	pkgerrors "github.com/angelmondragon/outbox-relay/pkg/errors"
	"github.com/angelmondragon/outbox-relay/pkg/kafka"
	"github.com/angelmondragon/outbox-relay/pkg/logger"
	"github.com/angelmondragon/outbox-relay/pkg/metrics"
)

const (
	HeaderOriginalTopic = "original-topic"
	HeaderMessageID     = "message-id"
	HeaderError         = "error"
	HeaderRetryCount    = "retry-count"
	HeaderSource        = "source"
)

// ErrPublishFailed is returned when the dead-letter topic rejected a record.
// The record stays dead-lettered either way.
var ErrPublishFailed = errors.New("deadletter: publish failed")

type Publisher interface {
	Send(ctx context.Context, msg kafka.Message) (kafka.Delivery, error)
}

// AuditWriter persists one row per routed record.
type AuditWriter interface {
	Insert(ctx context.Context, entry *models.DeadLetter) error
}

type RouterParams struct {
	Publisher Publisher
	Audit     AuditWriter
	Topic     string
	Source    string
	Logger    *logger.Logger
	Metrics   *metrics.RelayMetrics
}

// Router republishes exhausted records to the dead-letter topic with their
// failure provenance attached as headers.
type Router struct {
	publisher Publisher
	audit     AuditWriter
	topic     string
	source    string
	logg      *logger.Logger
	metrics   *metrics.RelayMetrics
	now       func() time.Time
}

func NewRouter(params RouterParams) (*Router, error) {
	if params.Publisher == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "dead-letter publisher required")
	}
	if params.Audit == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "dead-letter audit repository required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "logger required")
	}
	topic := strings.TrimSpace(params.Topic)
	if topic == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "dead-letter topic required")
	}
	return &Router{
		publisher: params.Publisher,
		audit:     params.Audit,
		topic:     topic,
		source:    strings.TrimSpace(params.Source),
		logg:      params.Logger,
		metrics:   params.Metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func (r *Router) Topic() string {
	return r.topic
}

// Route publishes record to the dead-letter topic and writes the audit row.
// It never touches the record's outbox status.
func (r *Router) Route(ctx context.Context, record *models.OutboxRecord, reason error) error {
	if record == nil {
		return errors.New("dead-letter record required")
	}
	ctx = r.logg.WithTopic(r.logg.WithMessageID(ctx, record.MessageID), record.Topic)

	failure := failureMessage(record, reason)
	msg := kafka.Message{
		Topic: r.topic,
		Value: record.Payload,
		Headers: []kafka.Header{
			{Key: HeaderOriginalTopic, Value: record.Topic},
			{Key: HeaderMessageID, Value: record.MessageID},
			{Key: HeaderError, Value: failure},
			{Key: HeaderRetryCount, Value: strconv.Itoa(record.RetryCount)},
			{Key: HeaderSource, Value: r.source},
		},
	}
	if record.MessageKey != nil {
		msg.Key = []byte(*record.MessageKey)
	}

	entry := &models.DeadLetter{
		MessageID:       record.MessageID,
		OriginalTopic:   record.Topic,
		MessageKey:      record.MessageKey,
		Payload:         record.Payload,
		Reason:          enums.DeadLetterReasonRetryExhausted,
		ErrorMessage:    &failure,
		RetryCount:      record.RetryCount,
		DeadLetterTopic: r.topic,
		FailedAt:        r.now(),
	}

	var result error
	if _, err := r.publisher.Send(ctx, msg); err != nil {
		publishErr := err.Error()
		entry.PublishError = &publishErr
		r.logg.Error(r.logg.WithField(ctx, "dead_letter_topic", r.topic), "dead-letter publish failed", err)
		result = fmt.Errorf("%w: %w", ErrPublishFailed, err)
	} else {
		entry.Published = true
		r.logg.Warn(r.logg.WithFields(ctx, map[string]any{
			"dead_letter_topic": r.topic,
			"retry_count":       record.RetryCount,
		}), "record routed to dead-letter topic")
	}
	r.metrics.IncDeadLetter(entry.Published)

	if err := r.audit.Insert(ctx, entry); err != nil {
		r.logg.Error(ctx, "dead-letter audit insert failed", err)
		result = multierr.Append(result, fmt.Errorf("record dead-letter audit: %w", err))
	}
	return result
}

func failureMessage(record *models.OutboxRecord, reason error) string {
	if record.LastError != nil && *record.LastError != "" {
		return *record.LastError
	}
	if reason != nil {
		return reason.Error()
	}
	return "unknown failure"
}
