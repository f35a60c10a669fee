package ingress

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/outbox-relay/internal/delivery"
	"github.com/angelmondragon/outbox-relay/internal/outbox"
	"github.com/angelmondragon/outbox-relay/pkg/db/models"
	"github.com/angelmondragon/outbox-relay/pkg/enums"
	pkgerrors "github.com/angelmondragon/outbox-relay/pkg/errors"
	"github.com/angelmondragon/outbox-relay/pkg/logger"
	"github.com/angelmondragon/outbox-relay/pkg/metrics"
)

const maxMessageIDLen = 255

// DeliveryState tells the caller whether the broker confirmed the record
// during the request.
type DeliveryState string

const (
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryQueued    DeliveryState = "queued"
)

var topicPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,249}$`)

// Request is one publish call.
type Request struct {
	Topic          string
	Key            *string
	Payload        []byte
	ContentType    string
	IdempotencyKey string
}

// Result is the ingress response contract. Accepted is only true once the
// record is durable.
type Result struct {
	Accepted  bool          `json:"accepted"`
	MessageID string        `json:"message_id"`
	Delivery  DeliveryState `json:"delivery,omitempty"`
	Duplicate bool          `json:"duplicate,omitempty"`
	Error     string        `json:"error,omitempty"`
}

type Store interface {
	Insert(ctx context.Context, record *models.OutboxRecord) error
	Get(ctx context.Context, messageID string) (*models.OutboxRecord, error)
	MarkSent(ctx context.Context, messageID string, offset int64, partition int32) error
}

type Deliverer interface {
	Attempt(ctx context.Context, record *models.OutboxRecord) delivery.Outcome
}

// Service accepts publish requests.
type Service interface {
	Publish(ctx context.Context, req Request) (Result, error)
}

type ServiceParams struct {
	Store   Store
	Engine  Deliverer
	Guard   *delivery.Guard
	Logger  *logger.Logger
	Metrics *metrics.RelayMetrics
}

type service struct {
	store   Store
	engine  Deliverer
	guard   *delivery.Guard
	logg    *logger.Logger
	metrics *metrics.RelayMetrics
}

func NewService(params ServiceParams) (Service, error) {
	if params.Store == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "outbox store required")
	}
	if params.Engine == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "delivery engine required")
	}
	if params.Guard == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "in-flight guard required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "logger required")
	}
	return &service{
		store:   params.Store,
		engine:  params.Engine,
		guard:   params.Guard,
		logg:    params.Logger,
		metrics: params.Metrics,
	}, nil
}

// Publish persists the record, then makes one delivery attempt. A failed
// attempt leaves the record pending for the retry scheduler.
func (s *service) Publish(ctx context.Context, req Request) (Result, error) {
	messageID, err := resolveMessageID(req.IdempotencyKey)
	if err != nil {
		return Result{Accepted: false, Error: publicMessage(err)}, err
	}
	result := Result{MessageID: messageID}

	topic := strings.TrimSpace(req.Topic)
	if !topicPattern.MatchString(topic) {
		err := pkgerrors.New(pkgerrors.CodeValidation, "topic must be 1-249 characters of [a-zA-Z0-9._-]")
		result.Error = err.Message()
		return result, err
	}

	ctx = s.logg.WithTopic(s.logg.WithMessageID(ctx, messageID), topic)

	record := &models.OutboxRecord{
		MessageID: messageID,
		Topic:     topic,
		Payload:   req.Payload,
	}
	if req.Key != nil {
		key := *req.Key
		record.MessageKey = &key
	}
	if ct := strings.TrimSpace(req.ContentType); ct != "" {
		record.ContentType = &ct
	}

	// the guard is held across the insert so a sweep cannot pick the new
	// record up before this request has made its attempt
	owned := s.guard.TryAcquire(messageID)
	if owned {
		defer s.guard.Release(messageID)
	}

	if err := s.store.Insert(ctx, record); err != nil {
		if errors.Is(err, outbox.ErrDuplicateKey) {
			return s.duplicate(ctx, messageID)
		}
		s.logg.Error(ctx, "persist outbox record failed", err)
		result.Error = "message could not be persisted"
		return result, pkgerrors.Wrap(pkgerrors.CodeDependency, err, result.Error)
	}
	result.Accepted = true

	if !owned {
		result.Delivery = DeliveryQueued
		s.metrics.IncIngress(string(result.Delivery))
		return result, nil
	}

	outcome := s.engine.Attempt(ctx, record)
	s.metrics.ObserveDelivery(metrics.PathIngress, outcome.Delivered, outcome.Duration)

	if outcome.Delivered {
		result.Delivery = DeliveryConfirmed
		if err := s.store.MarkSent(context.WithoutCancel(ctx), messageID, outcome.Offset, outcome.Partition); err != nil {
			s.logg.Error(ctx, "mark record sent failed; the scheduler will resend it", err)
		}
	} else {
		result.Delivery = DeliveryQueued
		s.logg.Warn(s.logg.WithField(ctx, "reason", errorText(outcome.Reason)), "immediate delivery failed; record queued for retry")
	}
	s.metrics.IncIngress(string(result.Delivery))
	return result, nil
}

func (s *service) duplicate(ctx context.Context, messageID string) (Result, error) {
	result := Result{Accepted: true, MessageID: messageID, Duplicate: true, Delivery: DeliveryQueued}
	existing, err := s.store.Get(ctx, messageID)
	if err != nil {
		s.logg.Error(ctx, "load duplicate record failed", err)
	} else if existing.Status == enums.OutboxStatusSent {
		result.Delivery = DeliveryConfirmed
	}
	s.logg.Info(ctx, "duplicate publish ignored")
	s.metrics.IncIngress("duplicate")
	return result, nil
}

func resolveMessageID(idempotencyKey string) (string, error) {
	key := strings.TrimSpace(idempotencyKey)
	if key == "" {
		return uuid.NewString(), nil
	}
	if len(key) > maxMessageIDLen {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "idempotency key must be at most 255 characters")
	}
	return key, nil
}

func publicMessage(err error) string {
	if typed := pkgerrors.As(err); typed != nil {
		return typed.Message()
	}
	return err.Error()
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
