package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"github.com/angelmondragon/outbox-relay/pkg/config"
	"github.com/angelmondragon/outbox-relay/pkg/logger"
	"github.com/angelmondragon/outbox-relay/pkg/metrics"
)

const defaultReconnectDelay = 5 * time.Second

// Header is a single record header.
type Header struct {
	Key   string
	Value string
}

// Message is one record to produce. A nil Key sends the record without a
// partition key.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers []Header
}

// Delivery is the broker position of an acknowledged record.
type Delivery struct {
	Partition int32
	Offset    int64
}

// ProducerFactory builds a sync producer. sarama.NewSyncProducer satisfies it.
type ProducerFactory func(brokers []string, cfg *sarama.Config) (sarama.SyncProducer, error)

type Option func(*Client)

func WithProducerFactory(factory ProducerFactory) Option {
	return func(c *Client) {
		if factory != nil {
			c.factory = factory
		}
	}
}

func WithMetrics(m *metrics.RelayMetrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// Client owns the process-wide producer and its connection state. Only the
// client writes the connected flag; everyone else reads it.
type Client struct {
	brokers        []string
	saramaCfg      *sarama.Config
	reconnectDelay time.Duration
	factory        ProducerFactory
	logg           *logger.Logger
	metrics        *metrics.RelayMetrics
	breaker        *gobreaker.CircuitBreaker

	mu        sync.RWMutex
	producer  sarama.SyncProducer
	connected atomic.Bool
	reconnect chan struct{}
}

// New builds the client and tries one connection. A failed first connection
// is not an error: the client starts disconnected and Run keeps retrying.
func New(ctx context.Context, cfg config.KafkaConfig, logg *logger.Logger, opts ...Option) (*Client, error) {
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	brokers := cleanBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	saramaCfg, err := NewSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}

	c := &Client{
		brokers:        brokers,
		saramaCfg:      saramaCfg,
		reconnectDelay: delay,
		factory:        sarama.NewSyncProducer,
		logg:           logg,
		reconnect:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = newBreaker(cfg, c.onBreakerStateChange)

	if err := c.connect(); err != nil {
		c.logg.Error(c.fields(ctx), "kafka connect failed; retrying in background", err)
		c.requestReconnect()
	}
	return c, nil
}

func newBreaker(cfg config.KafkaConfig, onChange func(string, gobreaker.State, gobreaker.State)) *gobreaker.CircuitBreaker {
	threshold := cfg.BreakerFailures
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "kafka-producer",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return threshold > 0 && counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: onChange,
	})
}

func cleanBrokers(in []string) []string {
	out := make([]string, 0, len(in))
	for _, b := range in {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Connected reports the last known connection state.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Brokers returns the configured bootstrap brokers.
func (c *Client) Brokers() []string {
	out := make([]string, len(c.brokers))
	copy(out, c.brokers)
	return out
}

// Send produces one message and blocks until every in-sync replica has
// acknowledged it or the producer gives up. Failures wrap ErrUnavailable or
// ErrTimeout.
func (c *Client) Send(ctx context.Context, msg Message) (Delivery, error) {
	if err := ctx.Err(); err != nil {
		return Delivery{}, classify(err)
	}
	c.mu.RLock()
	producer := c.producer
	c.mu.RUnlock()
	if producer == nil || !c.connected.Load() {
		return Delivery{}, ErrNotConnected
	}

	pm := toProducerMessage(msg)
	res, err := c.breaker.Execute(func() (interface{}, error) {
		partition, offset, err := producer.SendMessage(pm)
		if err != nil {
			return nil, err
		}
		return Delivery{Partition: partition, Offset: offset}, nil
	})
	if err != nil {
		if IsConnectionError(err) {
			c.markDisconnected(ctx, err)
		}
		return Delivery{}, classify(err)
	}
	return res.(Delivery), nil
}

func toProducerMessage(msg Message) *sarama.ProducerMessage {
	pm := &sarama.ProducerMessage{
		Topic: msg.Topic,
		Value: sarama.ByteEncoder(msg.Value),
	}
	if msg.Key != nil {
		pm.Key = sarama.ByteEncoder(msg.Key)
	}
	if len(msg.Headers) > 0 {
		pm.Headers = make([]sarama.RecordHeader, 0, len(msg.Headers))
		for _, h := range msg.Headers {
			pm.Headers = append(pm.Headers, sarama.RecordHeader{
				Key:   []byte(h.Key),
				Value: []byte(h.Value),
			})
		}
	}
	return pm
}

// Run keeps the producer connected until ctx is canceled. After a
// disconnect it waits the reconnect delay and then retries on that same
// fixed delay until a producer can be built.
func (c *Client) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.reconnect:
		}
		if c.Connected() {
			continue
		}
		if err := sleep(ctx, c.reconnectDelay); err != nil {
			return err
		}
		attempt := 0
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			attempt++
			return struct{}{}, c.connect()
		},
			backoff.WithBackOff(backoff.NewConstantBackOff(c.reconnectDelay)),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				ctx := c.logg.WithFields(c.fields(ctx), map[string]any{
					"attempt":  attempt,
					"retry_in": next.String(),
					"error":    err.Error(),
				})
				c.logg.Warn(ctx, "kafka reconnect failed")
			}),
		)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logg.Error(c.fields(ctx), "kafka reconnect loop aborted", err)
			continue
		}
		c.metrics.IncReconnect()
		c.logg.Info(c.logg.WithField(c.fields(ctx), "attempts", attempt), "kafka producer reconnected")
	}
}

// Close shuts the producer down. The client reports disconnected afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	producer := c.producer
	c.producer = nil
	c.mu.Unlock()
	c.setConnected(false)
	if producer == nil {
		return nil
	}
	if err := producer.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}

func (c *Client) connect() error {
	producer, err := c.factory(c.brokers, c.saramaCfg)
	if err != nil {
		c.setConnected(false)
		return fmt.Errorf("create kafka producer: %w", err)
	}
	c.mu.Lock()
	previous := c.producer
	c.producer = producer
	c.mu.Unlock()
	if previous != nil {
		_ = previous.Close()
	}
	c.setConnected(true)
	return nil
}

func (c *Client) markDisconnected(ctx context.Context, cause error) {
	if !c.connected.CompareAndSwap(true, false) {
		return
	}
	c.metrics.SetBrokerConnected(false)
	c.logg.Error(c.fields(ctx), "kafka producer disconnected", cause)
	c.requestReconnect()
}

func (c *Client) requestReconnect() {
	select {
	case c.reconnect <- struct{}{}:
	default:
	}
}

func (c *Client) setConnected(connected bool) {
	c.connected.Store(connected)
	c.metrics.SetBrokerConnected(connected)
}

func (c *Client) onBreakerStateChange(name string, from, to gobreaker.State) {
	ctx := c.logg.WithFields(context.Background(), map[string]any{
		"breaker": name,
		"from":    from.String(),
		"to":      to.String(),
	})
	c.logg.Warn(ctx, "kafka circuit breaker state changed")
}

func (c *Client) fields(ctx context.Context) context.Context {
	return c.logg.WithField(ctx, "brokers", strings.Join(c.brokers, ","))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
