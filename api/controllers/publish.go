package controllers

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/outbox-relay/api/responses"
	"github.com/angelmondragon/outbox-relay/api/validators"
	"github.com/angelmondragon/outbox-relay/internal/ingress"
	pkgerrors "github.com/angelmondragon/outbox-relay/pkg/errors"
	"github.com/angelmondragon/outbox-relay/pkg/logger"
)

const (
	idempotencyHeader  = "Idempotency-Key"
	defaultContentType = "application/json"
	maxHeaderValueLen  = 255
)

type publishRequest struct {
	Topic       string          `json:"topic" validate:"required,topic"`
	Key         *string         `json:"key" validate:"omitempty,max=255"`
	Payload     json.RawMessage `json:"payload" validate:"required"`
	ContentType string          `json:"content_type" validate:"omitempty,max=255"`
}

// topicPublishRequest is the REST-proxy style body of POST /topics/{topic}.
type topicPublishRequest struct {
	Key  *string         `json:"key" validate:"omitempty,max=255"`
	Data json.RawMessage `json:"data" validate:"required"`
}

// Publish accepts {topic, key, payload}. The payload JSON value is forwarded
// to the broker as the record value.
func Publish(svc ingress.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ingress service unavailable"))
			return
		}

		var body publishRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		contentType := validators.SanitizeString(body.ContentType, maxHeaderValueLen)
		if contentType == "" {
			contentType = defaultContentType
		}

		result, err := svc.Publish(r.Context(), ingress.Request{
			Topic:          body.Topic,
			Key:            normalizeKey(body.Key),
			Payload:        compactJSON(body.Payload),
			ContentType:    contentType,
			IdempotencyKey: r.Header.Get(idempotencyHeader),
		})
		responses.WritePublish(r.Context(), logg, w, result, err)
	}
}

// PublishToTopic accepts {key, data} for the topic named in the path.
func PublishToTopic(svc ingress.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ingress service unavailable"))
			return
		}

		var body topicPublishRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Publish(r.Context(), ingress.Request{
			Topic:          chi.URLParam(r, "topic"),
			Key:            normalizeKey(body.Key),
			Payload:        compactJSON(body.Data),
			ContentType:    defaultContentType,
			IdempotencyKey: r.Header.Get(idempotencyHeader),
		})
		responses.WritePublish(r.Context(), logg, w, result, err)
	}
}

// normalizeKey treats an empty key as no key. Any other key is sent exactly
// as given.
func normalizeKey(key *string) *string {
	if key == nil || *key == "" {
		return nil
	}
	return key
}

func compactJSON(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
