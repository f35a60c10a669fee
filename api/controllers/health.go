package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/angelmondragon/outbox-relay/api/responses"
	"github.com/angelmondragon/outbox-relay/pkg/config"
	"github.com/angelmondragon/outbox-relay/pkg/logger"
)

const (
	healthHealthy   = "healthy"
	healthUnhealthy = "unhealthy"
	envHeader       = "X-Relay-Env"
	pingTimeout     = 2 * time.Second
)

// BrokerStatus is the read-only view of the producer connection.
type BrokerStatus interface {
	Connected() bool
	Brokers() []string
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type kafkaHealth struct {
	Connected bool     `json:"connected"`
	Brokers   []string `json:"brokers"`
}

type databaseHealth struct {
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

type healthView struct {
	Status        string         `json:"status"`
	Timestamp     time.Time      `json:"timestamp"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Kafka         kafkaHealth    `json:"kafka"`
	Database      databaseHealth `json:"database"`
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// Health reports broker connectivity and database reachability. It answers
// 503 when either is down so load balancers can drain the instance.
func Health(cfg *config.Config, logg *logger.Logger, broker BrokerStatus, db Pinger, started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)

		view := healthView{
			Status:        healthHealthy,
			Timestamp:     time.Now().UTC(),
			UptimeSeconds: int64(time.Since(started).Seconds()),
			Kafka: kafkaHealth{
				Connected: broker.Connected(),
				Brokers:   broker.Brokers(),
			},
			Database: databaseHealth{Reachable: true},
		}

		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			view.Database = databaseHealth{Reachable: false, Error: err.Error()}
			logg.Warn(logg.WithField(r.Context(), "error", err.Error()), "health database ping failed")
		}

		status := http.StatusOK
		if !view.Kafka.Connected || !view.Database.Reachable {
			view.Status = healthUnhealthy
			status = http.StatusServiceUnavailable
		}
		responses.WriteSuccessStatus(w, status, view)
	}
}
