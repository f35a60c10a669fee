package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/outbox-relay/pkg/enums"
)

// StatusCounter reports how many outbox records sit in each status.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[enums.OutboxStatus]int64, error)
}

// StatusCollector exports record counts per status at scrape time.
type StatusCollector struct {
	counter StatusCounter
	timeout time.Duration
	desc    *prometheus.Desc
	errors  prometheus.Counter
}

func NewStatusCollector(counter StatusCounter, timeout time.Duration) *StatusCollector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &StatusCollector{
		counter: counter,
		timeout: timeout,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "records"),
			"Outbox records by delivery status.",
			[]string{"status"}, nil,
		),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_scrape_errors_total",
			Help:      "Failures reading record counts during a scrape.",
		}),
	}
}

func (c *StatusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
	c.errors.Describe(ch)
}

func (c *StatusCollector) Collect(ch chan<- prometheus.Metric) {
	defer c.errors.Collect(ch)
	if c.counter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	counts, err := c.counter.CountByStatus(ctx)
	if err != nil {
		c.errors.Inc()
		return
	}
	for _, status := range enums.OutboxStatuses() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts[status]), string(status))
	}
}
