package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/outbox-relay/pkg/db/models"
	pkgerrors "github.com/angelmondragon/outbox-relay/pkg/errors"
	"github.com/angelmondragon/outbox-relay/pkg/kafka"
	"github.com/angelmondragon/outbox-relay/pkg/logger"
)

const (
	HeaderMessageID   = "message-id"
	HeaderSource      = "source"
	HeaderContentType = "content-type"
)

var (
	// ErrBrokerUnavailable means no broker accepted the message.
	ErrBrokerUnavailable = errors.New("delivery: broker unavailable")
	// ErrDeliveryTimeout means the broker did not acknowledge in time.
	ErrDeliveryTimeout = errors.New("delivery: acknowledgment timed out")
)

// Producer is the slice of the kafka client the engine needs.
type Producer interface {
	Connected() bool
	Send(ctx context.Context, msg kafka.Message) (kafka.Delivery, error)
}

// Outcome is the result of one delivery attempt. Delivered outcomes carry
// the broker position; failed ones carry the reason.
type Outcome struct {
	Delivered bool
	Offset    int64
	Partition int32
	Reason    error
	Duration  time.Duration
}

func Sent(offset int64, partition int32) Outcome {
	return Outcome{Delivered: true, Offset: offset, Partition: partition}
}

func Failed(reason error) Outcome {
	return Outcome{Reason: reason}
}

// Engine sends a single outbox record to its topic and waits for every
// in-sync replica to acknowledge it. Callers must hold the record's Guard
// slot while attempting.
type Engine struct {
	producer Producer
	source   string
	logg     *logger.Logger
}

func NewEngine(producer Producer, source string, logg *logger.Logger) (*Engine, error) {
	if producer == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "kafka producer required")
	}
	if logg == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "logger required")
	}
	return &Engine{producer: producer, source: strings.TrimSpace(source), logg: logg}, nil
}

// Attempt never returns an error or panics; every failure is a Failed outcome
// whose reason wraps ErrBrokerUnavailable or ErrDeliveryTimeout.
func (e *Engine) Attempt(ctx context.Context, record *models.OutboxRecord) (outcome Outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			outcome = Failed(fmt.Errorf("%w: producer panic: %v", ErrBrokerUnavailable, r))
		}
		outcome.Duration = time.Since(start)
	}()

	if record == nil {
		return Failed(fmt.Errorf("%w: nil record", ErrBrokerUnavailable))
	}
	if !e.producer.Connected() {
		return Failed(fmt.Errorf("%w: %w", ErrBrokerUnavailable, kafka.ErrNotConnected))
	}

	delivery, err := e.producer.Send(ctx, e.message(record))
	if err != nil {
		reason := reasonFor(err)
		logCtx := e.logg.WithTopic(e.logg.WithMessageID(ctx, record.MessageID), record.Topic)
		e.logg.Warn(e.logg.WithField(logCtx, "error", reason.Error()), "delivery attempt failed")
		return Failed(reason)
	}
	return Sent(delivery.Offset, delivery.Partition)
}

func (e *Engine) message(record *models.OutboxRecord) kafka.Message {
	headers := []kafka.Header{
		{Key: HeaderMessageID, Value: record.MessageID},
		{Key: HeaderSource, Value: e.source},
	}
	if record.ContentType != nil && *record.ContentType != "" {
		headers = append(headers, kafka.Header{Key: HeaderContentType, Value: *record.ContentType})
	}
	msg := kafka.Message{
		Topic:   record.Topic,
		Value:   record.Payload,
		Headers: headers,
	}
	if record.MessageKey != nil {
		msg.Key = []byte(*record.MessageKey)
	}
	return msg
}

func reasonFor(err error) error {
	if kafka.IsTimeout(err) {
		return fmt.Errorf("%w: %w", ErrDeliveryTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
}
