package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/outbox-relay/api/responses"
	"github.com/angelmondragon/outbox-relay/internal/outbox"
	"github.com/angelmondragon/outbox-relay/pkg/db/models"
	"github.com/angelmondragon/outbox-relay/pkg/enums"
	pkgerrors "github.com/angelmondragon/outbox-relay/pkg/errors"
	"github.com/angelmondragon/outbox-relay/pkg/logger"
)

type MessageReader interface {
	Get(ctx context.Context, messageID string) (*models.OutboxRecord, error)
}

type messageView struct {
	MessageID   string             `json:"message_id"`
	Topic       string             `json:"topic"`
	Key         *string            `json:"key,omitempty"`
	ContentType *string            `json:"content_type,omitempty"`
	Payload     any                `json:"payload"`
	Status      enums.OutboxStatus `json:"status"`
	RetryCount  int                `json:"retry_count"`
	LastError   *string            `json:"last_error,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	SentAt      *time.Time         `json:"sent_at,omitempty"`
	Offset      *int64             `json:"offset,omitempty"`
	Partition   *int32             `json:"partition,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

func newMessageView(rec *models.OutboxRecord) messageView {
	return messageView{
		MessageID:   rec.MessageID,
		Topic:       rec.Topic,
		Key:         rec.MessageKey,
		ContentType: rec.ContentType,
		Payload:     payloadView(rec.Payload),
		Status:      rec.Status,
		RetryCount:  rec.RetryCount,
		LastError:   rec.LastError,
		CreatedAt:   rec.CreatedAt,
		SentAt:      rec.SentAt,
		Offset:      rec.BrokerOffset,
		Partition:   rec.BrokerPartition,
		UpdatedAt:   rec.UpdatedAt,
	}
}

// payloadView renders JSON payloads inline and anything else as base64.
func payloadView(payload []byte) any {
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	return payload
}

// MessageGet returns one outbox record and its delivery state.
func MessageGet(reader MessageReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		messageID := strings.TrimSpace(chi.URLParam(r, "messageId"))
		if messageID == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "message id is required"))
			return
		}

		rec, err := reader.Get(r.Context(), messageID)
		if err != nil {
			if errors.Is(err, outbox.ErrNotFound) {
				err = pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "message not found")
			}
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newMessageView(rec))
	}
}
