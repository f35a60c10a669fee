package kafka

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/outbox-relay/pkg/config"
	"github.com/angelmondragon/outbox-relay/pkg/logger"
)

func testKafkaConfig() config.KafkaConfig {
	return config.KafkaConfig{
		Brokers:         []string{"broker-1:9092", " ", "broker-2:9092"},
		ClientID:        "relay-test",
		Version:         "2.8.0",
		Source:          "relay-test",
		DeadLetterTopic: "relay.dlq",
		SendTimeout:     2 * time.Second,
		DialTimeout:     time.Second,
		ReconnectDelay:  10 * time.Millisecond,
		ProducerRetries: 3,
		BreakerFailures: 5,
		BreakerTimeout:  time.Minute,
	}
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "kafka-test", Output: io.Discard})
}

func newTestClient(t *testing.T, cfg config.KafkaConfig, factory ProducerFactory) *Client {
	t.Helper()
	client, err := New(context.Background(), cfg, testLogger(), WithProducerFactory(factory))
	require.NoError(t, err)
	return client
}

func staticFactory(p sarama.SyncProducer) ProducerFactory {
	return func([]string, *sarama.Config) (sarama.SyncProducer, error) {
		return p, nil
	}
}

func TestNewSaramaConfigRequiresAllReplicas(t *testing.T) {
	sc, err := NewSaramaConfig(testKafkaConfig())
	require.NoError(t, err)

	assert.Equal(t, sarama.WaitForAll, sc.Producer.RequiredAcks)
	assert.True(t, sc.Producer.Idempotent)
	assert.True(t, sc.Producer.Return.Successes)
	assert.Equal(t, sarama.CompressionGZIP, sc.Producer.Compression)
	assert.Equal(t, 1, sc.Net.MaxOpenRequests)
	assert.False(t, sc.Metadata.AllowAutoTopicCreation)
	assert.Equal(t, 2*time.Second, sc.Producer.Timeout)
	assert.Equal(t, time.Second, sc.Net.DialTimeout)
	assert.Equal(t, "relay-test", sc.ClientID)
	assert.Equal(t, sarama.V2_8_0_0, sc.Version)
}

func TestNewSaramaConfigRejectsBadVersion(t *testing.T) {
	cfg := testKafkaConfig()
	cfg.Version = "not-a-version"
	_, err := NewSaramaConfig(cfg)
	require.Error(t, err)
}

func TestSendDeliversWithKeyAndHeaders(t *testing.T) {
	cfg := testKafkaConfig()
	sc, err := NewSaramaConfig(cfg)
	require.NoError(t, err)
	producer := mocks.NewSyncProducer(t, sc)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "orders" {
			return errors.New("unexpected topic " + msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil || string(key) != "order-1" {
			return errors.New("unexpected key")
		}
		if len(msg.Headers) != 1 || string(msg.Headers[0].Key) != "message-id" || string(msg.Headers[0].Value) != "m-1" {
			return errors.New("unexpected headers")
		}
		return nil
	})

	client := newTestClient(t, cfg, staticFactory(producer))
	require.True(t, client.Connected())
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, client.Brokers())

	delivery, err := client.Send(context.Background(), Message{
		Topic:   "orders",
		Key:     []byte("order-1"),
		Value:   []byte(`{"id":1}`),
		Headers: []Header{{Key: "message-id", Value: "m-1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), delivery.Offset)
	require.NoError(t, client.Close())
	assert.False(t, client.Connected())
}

func TestSendWithoutKeyLeavesKeyNil(t *testing.T) {
	cfg := testKafkaConfig()
	sc, err := NewSaramaConfig(cfg)
	require.NoError(t, err)
	producer := mocks.NewSyncProducer(t, sc)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Key != nil {
			return errors.New("expected nil key")
		}
		return nil
	})

	client := newTestClient(t, cfg, staticFactory(producer))
	_, err = client.Send(context.Background(), Message{Topic: "orders", Value: []byte("x")})
	require.NoError(t, err)
	require.NoError(t, client.Close())
}

func TestNewStartsDisconnectedWhenBrokersAreDown(t *testing.T) {
	client := newTestClient(t, testKafkaConfig(), func([]string, *sarama.Config) (sarama.SyncProducer, error) {
		return nil, sarama.ErrOutOfBrokers
	})

	assert.False(t, client.Connected())
	_, err := client.Send(context.Background(), Message{Topic: "orders", Value: []byte("x")})
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestSendTimeoutIsClassified(t *testing.T) {
	cfg := testKafkaConfig()
	sc, err := NewSaramaConfig(cfg)
	require.NoError(t, err)
	producer := mocks.NewSyncProducer(t, sc)
	producer.ExpectSendMessageAndFail(sarama.ErrRequestTimedOut)

	client := newTestClient(t, cfg, staticFactory(producer))
	_, err = client.Send(context.Background(), Message{Topic: "orders", Value: []byte("x")})
	require.ErrorIs(t, err, ErrTimeout)
	require.ErrorIs(t, err, sarama.ErrRequestTimedOut)
	assert.True(t, client.Connected(), "a timeout should not drop the connection")
	require.NoError(t, client.Close())
}

func TestConnectionLossTriggersReconnect(t *testing.T) {
	cfg := testKafkaConfig()
	sc, err := NewSaramaConfig(cfg)
	require.NoError(t, err)

	first := mocks.NewSyncProducer(t, sc)
	first.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	second := mocks.NewSyncProducer(t, sc)
	second.ExpectSendMessageAndSucceed()

	var (
		mu    sync.Mutex
		calls int
	)
	factory := func([]string, *sarama.Config) (sarama.SyncProducer, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		switch calls {
		case 1:
			return first, nil
		case 2:
			return nil, sarama.ErrOutOfBrokers
		default:
			return second, nil
		}
	}
	client := newTestClient(t, cfg, factory)

	_, err = client.Send(context.Background(), Message{Topic: "orders", Value: []byte("x")})
	require.ErrorIs(t, err, ErrUnavailable)
	require.False(t, client.Connected())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	require.Eventually(t, client.Connected, 2*time.Second, 5*time.Millisecond)
	_, err = client.Send(context.Background(), Message{Topic: "orders", Value: []byte("x")})
	require.NoError(t, err)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.NoError(t, client.Close())
	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cfg := testKafkaConfig()
	cfg.BreakerFailures = 2
	sc, err := NewSaramaConfig(cfg)
	require.NoError(t, err)
	producer := mocks.NewSyncProducer(t, sc)
	producer.ExpectSendMessageAndFail(sarama.ErrRequestTimedOut)
	producer.ExpectSendMessageAndFail(sarama.ErrRequestTimedOut)

	client := newTestClient(t, cfg, staticFactory(producer))
	for i := 0; i < 2; i++ {
		_, err := client.Send(context.Background(), Message{Topic: "orders", Value: []byte("x")})
		require.ErrorIs(t, err, ErrTimeout)
	}

	_, err = client.Send(context.Background(), Message{Topic: "orders", Value: []byte("x")})
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	require.NoError(t, client.Close())
}

func TestClassifyMapsErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: ErrTimeout},
		{name: "request timeout", err: sarama.ErrRequestTimedOut, want: ErrTimeout},
		{name: "out of brokers", err: sarama.ErrOutOfBrokers, want: ErrUnavailable},
		{name: "breaker", err: gobreaker.ErrTooManyRequests, want: ErrUnavailable},
		{name: "other", err: errors.New("boom"), want: ErrUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(tc.err), tc.want)
		})
	}
	assert.NoError(t, classify(nil))
	assert.True(t, IsConnectionError(sarama.ErrOutOfBrokers))
	assert.False(t, IsConnectionError(sarama.ErrRequestTimedOut))
}
