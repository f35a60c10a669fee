package controllers

import (
	"net/http"

	"github.com/angelmondragon/outbox-relay/api/responses"
	"github.com/angelmondragon/outbox-relay/pkg/enums"
	pkgerrors "github.com/angelmondragon/outbox-relay/pkg/errors"
	"github.com/angelmondragon/outbox-relay/pkg/logger"
	"github.com/angelmondragon/outbox-relay/pkg/metrics"
)

type statsView struct {
	Records        map[enums.OutboxStatus]int64 `json:"records"`
	Total          int64                        `json:"total"`
	InFlight       int                          `json:"in_flight"`
	KafkaConnected bool                         `json:"kafka_connected"`
}

// InFlightCounter reports how many delivery attempts are outstanding.
type InFlightCounter interface {
	InFlight() int
}

// Stats reports record counts per status with the broker connection state.
// Every value is derived at read time.
func Stats(counter metrics.StatusCounter, broker BrokerStatus, inFlight InFlightCounter, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := counter.CountByStatus(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count outbox records"))
			return
		}

		view := statsView{
			Records:        counts,
			KafkaConnected: broker.Connected(),
		}
		for _, n := range counts {
			view.Total += n
		}
		if inFlight != nil {
			view.InFlight = inFlight.InFlight()
		}
		responses.WriteSuccess(w, view)
	}
}
