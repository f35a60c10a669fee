package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/outbox-relay/api/responses"
	"github.com/angelmondragon/outbox-relay/api/validators"
	"github.com/angelmondragon/outbox-relay/pkg/db/models"
	"github.com/angelmondragon/outbox-relay/pkg/enums"
	pkgerrors "github.com/angelmondragon/outbox-relay/pkg/errors"
	"github.com/angelmondragon/outbox-relay/pkg/logger"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

type DeadLetterLister interface {
	List(ctx context.Context, limit int) ([]models.DeadLetter, error)
}

type deadLetterView struct {
	ID              uuid.UUID              `json:"id"`
	MessageID       string                 `json:"message_id"`
	OriginalTopic   string                 `json:"original_topic"`
	Key             *string                `json:"key,omitempty"`
	Reason          enums.DeadLetterReason `json:"reason"`
	Error           *string                `json:"error,omitempty"`
	RetryCount      int                    `json:"retry_count"`
	DeadLetterTopic string                 `json:"dead_letter_topic"`
	Published       bool                   `json:"published"`
	PublishError    *string                `json:"publish_error,omitempty"`
	FailedAt        time.Time              `json:"failed_at"`
}

// DeadLetterList returns the most recent dead-letter audit rows.
func DeadLetterList(lister DeadLetterLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := validators.ParseQueryInt(r, "limit", defaultDeadLetterLimit, 1, maxDeadLetterLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		entries, err := lister.List(r.Context(), limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list dead letters"))
			return
		}

		views := make([]deadLetterView, 0, len(entries))
		for _, e := range entries {
			views = append(views, deadLetterView{
				ID:              e.ID,
				MessageID:       e.MessageID,
				OriginalTopic:   e.OriginalTopic,
				Key:             e.MessageKey,
				Reason:          e.Reason,
				Error:           e.ErrorMessage,
				RetryCount:      e.RetryCount,
				DeadLetterTopic: e.DeadLetterTopic,
				Published:       e.Published,
				PublishError:    e.PublishError,
				FailedAt:        e.FailedAt,
			})
		}
		responses.WriteSuccess(w, map[string]any{"dead_letters": views, "limit": limit})
	}
}
