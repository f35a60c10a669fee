package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/outbox-relay/internal/delivery"
	"github.com/angelmondragon/outbox-relay/internal/outbox"
	"github.com/angelmondragon/outbox-relay/pkg/db/models"
	"github.com/angelmondragon/outbox-relay/pkg/enums"
	"github.com/angelmondragon/outbox-relay/pkg/logger"
)

type fakeEngine struct {
	mu       sync.Mutex
	outcomes []delivery.Outcome
	fallback delivery.Outcome
	attempts []string
	started  chan struct{}
	release  chan struct{}
}

func (f *fakeEngine) Attempt(_ context.Context, record *models.OutboxRecord) delivery.Outcome {
	if f.started != nil {
		f.started <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, record.MessageID)
	if len(f.outcomes) == 0 {
		return f.fallback
	}
	next := f.outcomes[0]
	f.outcomes = f.outcomes[1:]
	return next
}

func (f *fakeEngine) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attempts)
}

type routed struct {
	record models.OutboxRecord
	reason error
}

type fakeRouter struct {
	mu     sync.Mutex
	routed []routed
	err    error
}

func (f *fakeRouter) Route(_ context.Context, record *models.OutboxRecord, reason error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routed = append(f.routed, routed{record: *record, reason: reason})
	return f.err
}

type fakeLock struct {
	acquire  bool
	err      error
	released int
}

func (l *fakeLock) Acquire(context.Context) (bool, error) { return l.acquire, l.err }
func (l *fakeLock) Release(context.Context) error {
	l.released++
	return nil
}

func brokerDown() delivery.Outcome {
	return delivery.Failed(fmt.Errorf("%w: out of brokers", delivery.ErrBrokerUnavailable))
}

func setupRetryStore(t *testing.T) *outbox.Store {
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

func seed(t *testing.T, store *outbox.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, store.Insert(context.Background(), &models.OutboxRecord{
			MessageID: id,
			Topic:     "orders",
			Payload:   []byte(`{"id":"` + id + `"}`),
		}))
	}
}

func newTestScheduler(t *testing.T, params Params) *Scheduler {
	t.Helper()
	if params.Logger == nil {
		params.Logger = logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	}
	if params.Guard == nil {
		params.Guard = delivery.NewGuard()
	}
	if params.MaxRetry == 0 {
		params.MaxRetry = 3
	}
	scheduler, err := NewScheduler(params)
	require.NoError(t, err)
	return scheduler
}

func TestNewSchedulerValidatesParams(t *testing.T) {
	logg := logger.New(logger.Options{Output: io.Discard})
	store := setupRetryStore(t)
	base := Params{Logger: logg, Store: store, Engine: &fakeEngine{}, Router: &fakeRouter{}, Guard: delivery.NewGuard(), MaxRetry: 1}

	_, err := NewScheduler(base)
	require.NoError(t, err)

	for name, mutate := range map[string]func(*Params){
		"logger":    func(p *Params) { p.Logger = nil },
		"store":     func(p *Params) { p.Store = nil },
		"engine":    func(p *Params) { p.Engine = nil },
		"router":    func(p *Params) { p.Router = nil },
		"guard":     func(p *Params) { p.Guard = nil },
		"max retry": func(p *Params) { p.MaxRetry = 0 },
	} {
		params := base
		mutate(&params)
		_, err := NewScheduler(params)
		assert.Error(t, err, name)
	}
}

func TestSweepDeliversQueuedRecords(t *testing.T) {
	store := setupRetryStore(t)
	seed(t, store, "m-1", "m-2")
	engine := &fakeEngine{fallback: delivery.Sent(10, 1)}
	scheduler := newTestScheduler(t, Params{Store: store, Engine: engine, Router: &fakeRouter{}})

	result, err := scheduler.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 2, Sent: 2}, result)

	for _, id := range []string{"m-1", "m-2"} {
		rec, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, enums.OutboxStatusSent, rec.Status)
		require.NotNil(t, rec.BrokerOffset)
		assert.Equal(t, int64(10), *rec.BrokerOffset)
	}

	result, err = scheduler.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, result)
	assert.Equal(t, 2, engine.attemptCount())
}

func TestSweepRecoversAfterTransientFailures(t *testing.T) {
	store := setupRetryStore(t)
	seed(t, store, "m-1")
	engine := &fakeEngine{outcomes: []delivery.Outcome{brokerDown(), brokerDown(), delivery.Sent(3, 0)}}
	router := &fakeRouter{}
	scheduler := newTestScheduler(t, Params{Store: store, Engine: engine, Router: router, MaxRetry: 5})

	for i := 0; i < 3; i++ {
		_, err := scheduler.Sweep(context.Background())
		require.NoError(t, err)
	}

	rec, err := store.Get(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, enums.OutboxStatusSent, rec.Status)
	assert.Equal(t, 2, rec.RetryCount)
	assert.Nil(t, rec.LastError)
	assert.Empty(t, router.routed)
}

func TestSweepDeadLettersAfterMaxRetry(t *testing.T) {
	store := setupRetryStore(t)
	seed(t, store, "m-1")
	engine := &fakeEngine{fallback: brokerDown()}
	router := &fakeRouter{}
	scheduler := newTestScheduler(t, Params{Store: store, Engine: engine, Router: router, MaxRetry: 3})
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		result, err := scheduler.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Failed)
		rec, err := store.Get(ctx, "m-1")
		require.NoError(t, err)
		assert.Equal(t, enums.OutboxStatusFailed, rec.Status)
		assert.Equal(t, i, rec.RetryCount)
	}

	result, err := scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.DeadLettered)

	rec, err := store.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, enums.OutboxStatusDeadLettered, rec.Status)
	assert.Equal(t, 3, rec.RetryCount)

	require.Len(t, router.routed, 1)
	assert.Equal(t, 3, router.routed[0].record.RetryCount)
	assert.ErrorIs(t, router.routed[0].reason, ErrRetryExhausted)
	assert.ErrorIs(t, router.routed[0].reason, delivery.ErrBrokerUnavailable)

	result, err = scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, result)
	assert.Equal(t, 3, engine.attemptCount())
}

func TestSweepClosesRecordsWithSpentBudget(t *testing.T) {
	store := setupRetryStore(t)
	seed(t, store, "spent", "fresh")
	ctx := context.Background()
	// failed twice under a larger budget
	require.NoError(t, store.MarkFailed(ctx, "spent", errors.New("broker down")))
	require.NoError(t, store.MarkFailed(ctx, "spent", errors.New("broker down")))

	engine := &fakeEngine{fallback: delivery.Sent(1, 0)}
	router := &fakeRouter{}
	scheduler := newTestScheduler(t, Params{Store: store, Engine: engine, Router: router, MaxRetry: 2})

	result, err := scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Scanned)
	assert.Equal(t, 1, result.DeadLettered)
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, 1, engine.attemptCount(), "spent records are closed without another attempt")

	rec, err := store.Get(ctx, "spent")
	require.NoError(t, err)
	assert.Equal(t, enums.OutboxStatusDeadLettered, rec.Status)
	assert.Equal(t, 2, rec.RetryCount)

	require.Len(t, router.routed, 1)
	assert.Equal(t, "spent", router.routed[0].record.MessageID)
	assert.ErrorIs(t, router.routed[0].reason, ErrRetryExhausted)
	assert.Contains(t, router.routed[0].reason.Error(), "broker down")

	result, err = scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, result)
}

func TestSweepSkipsSpentRecordHeldByAnotherAttempt(t *testing.T) {
	store := setupRetryStore(t)
	seed(t, store, "spent")
	ctx := context.Background()
	require.NoError(t, store.MarkFailed(ctx, "spent", errors.New("x")))

	guard := delivery.NewGuard()
	require.True(t, guard.TryAcquire("spent"))
	router := &fakeRouter{}
	scheduler := newTestScheduler(t, Params{Store: store, Engine: &fakeEngine{}, Router: router, Guard: guard, MaxRetry: 1})

	result, err := scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Empty(t, router.routed)

	rec, err := store.Get(ctx, "spent")
	require.NoError(t, err)
	assert.Equal(t, enums.OutboxStatusFailed, rec.Status)
}

func TestSweepDeadLetterPublishFailureKeepsTerminalStatus(t *testing.T) {
	store := setupRetryStore(t)
	seed(t, store, "m-1")
	router := &fakeRouter{err: errors.New("dlq down")}
	scheduler := newTestScheduler(t, Params{Store: store, Engine: &fakeEngine{fallback: brokerDown()}, Router: router, MaxRetry: 1})

	result, err := scheduler.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.DeadLettered)

	rec, err := store.Get(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, enums.OutboxStatusDeadLettered, rec.Status)
	assert.Len(t, router.routed, 1)
}

func TestSweepSkipsRecordsHeldByAnotherAttempt(t *testing.T) {
	store := setupRetryStore(t)
	seed(t, store, "m-1")
	guard := delivery.NewGuard()
	require.True(t, guard.TryAcquire("m-1"))
	engine := &fakeEngine{fallback: delivery.Sent(1, 0)}
	scheduler := newTestScheduler(t, Params{Store: store, Engine: engine, Router: &fakeRouter{}, Guard: guard})

	result, err := scheduler.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 1, Skipped: 1}, result)
	assert.Zero(t, engine.attemptCount())
}

func TestSweepSkippedWhenLockHeldElsewhere(t *testing.T) {
	store := setupRetryStore(t)
	seed(t, store, "m-1")
	engine := &fakeEngine{fallback: delivery.Sent(1, 0)}
	lock := &fakeLock{acquire: false}
	scheduler := newTestScheduler(t, Params{Store: store, Engine: engine, Router: &fakeRouter{}, Lock: lock})

	result, err := scheduler.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, result)
	assert.Zero(t, engine.attemptCount())
	assert.Zero(t, lock.released)

	lock.acquire = true
	_, err = scheduler.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, engine.attemptCount())
	assert.Equal(t, 1, lock.released)

	lock.err = errors.New("redis down")
	_, err = scheduler.Sweep(context.Background())
	require.Error(t, err)
}

func TestSweepsNeverOverlap(t *testing.T) {
	store := setupRetryStore(t)
	seed(t, store, "m-1")
	engine := &fakeEngine{fallback: delivery.Sent(1, 0), started: make(chan struct{}), release: make(chan struct{})}
	scheduler := newTestScheduler(t, Params{Store: store, Engine: engine, Router: &fakeRouter{}})

	done := make(chan error, 1)
	go func() {
		_, err := scheduler.Sweep(context.Background())
		done <- err
	}()
	<-engine.started

	_, err := scheduler.Sweep(context.Background())
	require.ErrorIs(t, err, ErrSweepInProgress)

	close(engine.release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, engine.attemptCount())
}

func TestRunWaitsForWarmUp(t *testing.T) {
	store := setupRetryStore(t)
	seed(t, store, "m-1")
	engine := &fakeEngine{fallback: delivery.Sent(1, 0)}
	scheduler := newTestScheduler(t, Params{Store: store, Engine: engine, Router: &fakeRouter{}, WarmUp: time.Hour, Interval: time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := scheduler.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, engine.attemptCount())
}

func TestRunSweepsOnInterval(t *testing.T) {
	store := setupRetryStore(t)
	seed(t, store, "m-1")
	engine := &fakeEngine{outcomes: []delivery.Outcome{brokerDown()}, fallback: delivery.Sent(5, 0)}
	scheduler := newTestScheduler(t, Params{Store: store, Engine: engine, Router: &fakeRouter{}, Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- scheduler.Run(ctx) }()

	require.Eventually(t, func() bool {
		rec, err := store.Get(context.Background(), "m-1")
		return err == nil && rec.Status == enums.OutboxStatusSent
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 2, engine.attemptCount())
}
