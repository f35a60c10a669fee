package ingress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/outbox-relay/internal/delivery"
	"github.com/angelmondragon/outbox-relay/internal/outbox"
	"github.com/angelmondragon/outbox-relay/internal/retry"
	"github.com/angelmondragon/outbox-relay/pkg/db/models"
	"github.com/angelmondragon/outbox-relay/pkg/enums"
	pkgerrors "github.com/angelmondragon/outbox-relay/pkg/errors"
	"github.com/angelmondragon/outbox-relay/pkg/logger"
)

type fakeEngine struct {
	outcome  delivery.Outcome
	attempts []models.OutboxRecord
}

func (f *fakeEngine) Attempt(_ context.Context, record *models.OutboxRecord) delivery.Outcome {
	f.attempts = append(f.attempts, *record)
	return f.outcome
}

type brokenStore struct{}

func (brokenStore) Insert(context.Context, *models.OutboxRecord) error {
	return errors.New("connection refused")
}

func (brokenStore) Get(context.Context, string) (*models.OutboxRecord, error) {
	return nil, outbox.ErrNotFound
}

func (brokenStore) MarkSent(context.Context, string, int64, int32) error {
	return nil
}

// sweepingStore runs a retry sweep right after each insert commits.
type sweepingStore struct {
	*outbox.Store
	sweep func()
}

func (s sweepingStore) Insert(ctx context.Context, record *models.OutboxRecord) error {
	if err := s.Store.Insert(ctx, record); err != nil {
		return err
	}
	s.sweep()
	return nil
}

type discardRouter struct{}

func (discardRouter) Route(context.Context, *models.OutboxRecord, error) error { return nil }

func setupIngressStore(t *testing.T) *outbox.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, conn.AutoMigrate(&models.OutboxRecord{}))
	return outbox.NewStore(conn)
}

func newTestService(t *testing.T, store Store, engine Deliverer, guard *delivery.Guard) Service {
	t.Helper()
	if guard == nil {
		guard = delivery.NewGuard()
	}
	svc, err := NewService(ServiceParams{
		Store:  store,
		Engine: engine,
		Guard:  guard,
		Logger: logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
	})
	require.NoError(t, err)
	return svc
}

func strPtr(v string) *string { return &v }

func TestPublishConfirmedDelivery(t *testing.T) {
	store := setupIngressStore(t)
	engine := &fakeEngine{outcome: delivery.Sent(12, 1)}
	svc := newTestService(t, store, engine, nil)

	result, err := svc.Publish(context.Background(), Request{
		Topic:       "orders",
		Key:         strPtr("order-1"),
		Payload:     []byte(`{"id":1}`),
		ContentType: "application/json",
	})
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, DeliveryConfirmed, result.Delivery)
	_, parseErr := uuid.Parse(result.MessageID)
	assert.NoError(t, parseErr, "generated message ids are uuids")

	rec, err := store.Get(context.Background(), result.MessageID)
	require.NoError(t, err)
	assert.Equal(t, enums.OutboxStatusSent, rec.Status)
	require.NotNil(t, rec.BrokerOffset)
	assert.Equal(t, int64(12), *rec.BrokerOffset)
	require.NotNil(t, rec.ContentType)
	assert.Equal(t, "application/json", *rec.ContentType)

	require.Len(t, engine.attempts, 1)
	assert.Equal(t, "order-1", *engine.attempts[0].MessageKey)
}

func TestPublishQueuedWhenBrokerDown(t *testing.T) {
	store := setupIngressStore(t)
	engine := &fakeEngine{outcome: delivery.Failed(fmt.Errorf("%w: not connected", delivery.ErrBrokerUnavailable))}
	svc := newTestService(t, store, engine, nil)

	result, err := svc.Publish(context.Background(), Request{Topic: "orders", Payload: []byte("x"), IdempotencyKey: "evt-1"})
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, "evt-1", result.MessageID)
	assert.Equal(t, DeliveryQueued, result.Delivery)

	rec, err := store.Get(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, enums.OutboxStatusPending, rec.Status)
	assert.Equal(t, 0, rec.RetryCount)
}

func TestPublishDuplicateIsAcceptedNoOp(t *testing.T) {
	store := setupIngressStore(t)
	engine := &fakeEngine{outcome: delivery.Sent(1, 0)}
	svc := newTestService(t, store, engine, nil)
	ctx := context.Background()

	first, err := svc.Publish(ctx, Request{Topic: "orders", Payload: []byte("first"), IdempotencyKey: "evt-1"})
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := svc.Publish(ctx, Request{Topic: "payments", Payload: []byte("second"), IdempotencyKey: "evt-1"})
	require.NoError(t, err)
	assert.True(t, second.Accepted)
	assert.True(t, second.Duplicate)
	assert.Equal(t, "evt-1", second.MessageID)
	assert.Equal(t, DeliveryConfirmed, second.Delivery)
	assert.Len(t, engine.attempts, 1)

	rec, err := store.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, "orders", rec.Topic)
	assert.Equal(t, []byte("first"), rec.Payload)
}

func TestPublishDuplicateOfQueuedRecordReportsQueued(t *testing.T) {
	store := setupIngressStore(t)
	engine := &fakeEngine{outcome: delivery.Failed(delivery.ErrDeliveryTimeout)}
	svc := newTestService(t, store, engine, nil)

	_, err := svc.Publish(context.Background(), Request{Topic: "orders", Payload: []byte("x"), IdempotencyKey: "evt-2"})
	require.NoError(t, err)
	dup, err := svc.Publish(context.Background(), Request{Topic: "orders", Payload: []byte("x"), IdempotencyKey: "evt-2"})
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, DeliveryQueued, dup.Delivery)
}

func TestPublishPersistFailureIsNotAccepted(t *testing.T) {
	engine := &fakeEngine{outcome: delivery.Sent(1, 0)}
	svc := newTestService(t, brokenStore{}, engine, nil)

	result, err := svc.Publish(context.Background(), Request{Topic: "orders", Payload: []byte("x")})
	require.Error(t, err)
	assert.False(t, result.Accepted)
	assert.NotEmpty(t, result.MessageID)
	assert.NotEmpty(t, result.Error)
	assert.Equal(t, pkgerrors.CodeDependency, pkgerrors.As(err).Code())
	assert.Empty(t, engine.attempts, "nothing is sent before the record is durable")
}

func TestPublishValidatesInput(t *testing.T) {
	svc := newTestService(t, setupIngressStore(t), &fakeEngine{}, nil)

	for _, topic := range []string{"", "bad topic", strings.Repeat("t", 250)} {
		result, err := svc.Publish(context.Background(), Request{Topic: topic, Payload: []byte("x")})
		require.Error(t, err, topic)
		assert.False(t, result.Accepted)
		assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())
	}

	result, err := svc.Publish(context.Background(), Request{Topic: "orders", IdempotencyKey: strings.Repeat("k", 256)})
	require.Error(t, err)
	assert.False(t, result.Accepted)
	assert.Equal(t, "idempotency key must be at most 255 characters", result.Error)
}

func TestPublishQueuesWhenAttemptInFlight(t *testing.T) {
	store := setupIngressStore(t)
	guard := delivery.NewGuard()
	require.True(t, guard.TryAcquire("evt-3"))
	engine := &fakeEngine{outcome: delivery.Sent(1, 0)}
	svc := newTestService(t, store, engine, guard)

	result, err := svc.Publish(context.Background(), Request{Topic: "orders", Payload: []byte("x"), IdempotencyKey: "evt-3"})
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, DeliveryQueued, result.Delivery)
	assert.Empty(t, engine.attempts)
}

func TestPublishNotResentBySweepAfterInsert(t *testing.T) {
	store := setupIngressStore(t)
	guard := delivery.NewGuard()
	engine := &fakeEngine{outcome: delivery.Sent(7, 0)}
	scheduler, err := retry.NewScheduler(retry.Params{
		Logger:   logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
		Store:    store,
		Engine:   engine,
		Router:   discardRouter{},
		Guard:    guard,
		MaxRetry: 3,
	})
	require.NoError(t, err)

	var sweep retry.SweepResult
	racing := sweepingStore{Store: store, sweep: func() {
		sweep, err = scheduler.Sweep(context.Background())
		require.NoError(t, err)
	}}
	svc := newTestService(t, racing, engine, guard)

	result, err := svc.Publish(context.Background(), Request{Topic: "orders", Payload: []byte("x"), IdempotencyKey: "m1"})
	require.NoError(t, err)
	assert.Equal(t, DeliveryConfirmed, result.Delivery)
	assert.Equal(t, 1, sweep.Scanned)
	assert.Equal(t, 1, sweep.Skipped)
	assert.Len(t, engine.attempts, 1)

	rec, err := store.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, enums.OutboxStatusSent, rec.Status)

	// the next sweep finds nothing left to send
	sweep, err = scheduler.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sweep.Scanned)
	assert.Len(t, engine.attempts, 1)
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	logg := logger.New(logger.Options{Output: io.Discard})
	_, err := NewService(ServiceParams{Engine: &fakeEngine{}, Guard: delivery.NewGuard(), Logger: logg})
	require.Error(t, err)
	_, err = NewService(ServiceParams{Store: brokenStore{}, Guard: delivery.NewGuard(), Logger: logg})
	require.Error(t, err)
	_, err = NewService(ServiceParams{Store: brokenStore{}, Engine: &fakeEngine{}, Logger: logg})
	require.Error(t, err)
	_, err = NewService(ServiceParams{Store: brokenStore{}, Engine: &fakeEngine{}, Guard: delivery.NewGuard()})
	require.Error(t, err)
}
