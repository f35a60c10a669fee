package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/outbox-relay/api/controllers"
	"github.com/angelmondragon/outbox-relay/api/middleware"
	"github.com/angelmondragon/outbox-relay/internal/ingress"
	"github.com/angelmondragon/outbox-relay/pkg/config"
	"github.com/angelmondragon/outbox-relay/pkg/logger"
	"github.com/angelmondragon/outbox-relay/pkg/metrics"
)

// Deps are the collaborators the HTTP surface reads from.
type Deps struct {
	Config      *config.Config
	Logger      *logger.Logger
	Ingress     ingress.Service
	Messages    controllers.MessageReader
	DeadLetters controllers.DeadLetterLister
	Counter     metrics.StatusCounter
	Broker      controllers.BrokerStatus
	DB          controllers.Pinger
	InFlight    controllers.InFlightCounter
	Gatherer    prometheus.Gatherer
	Started     time.Time
}

func NewRouter(deps Deps) http.Handler {
	cfg := deps.Config
	logg := deps.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/", controllers.Health(cfg, logg, deps.Broker, deps.DB, deps.Started))
		r.Get("/live", controllers.HealthLive(cfg))
	})

	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/stats", controllers.Stats(deps.Counter, deps.Broker, deps.InFlight, logg))

	r.Group(func(r chi.Router) {
		r.Use(middleware.BodyLimit(cfg.Ingress.MaxPayloadBytes))
		r.Post("/publish", controllers.Publish(deps.Ingress, logg))
		r.Post("/topics/{topic}", controllers.PublishToTopic(deps.Ingress, logg))
	})

	r.Get("/messages/{messageId}", controllers.MessageGet(deps.Messages, logg))
	r.Get("/dead-letters", controllers.DeadLetterList(deps.DeadLetters, logg))

	return r
}
