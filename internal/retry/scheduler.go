package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/angelmondragon/outbox-relay/internal/delivery"
	"github.com/angelmondragon/outbox-relay/internal/outbox"
	"github.com/angelmondragon/outbox-relay/pkg/db/models"
	"github.com/angelmondragon/outbox-relay/pkg/enums"
	"github.com/angelmondragon/outbox-relay/pkg/logger"
	"github.com/angelmondragon/outbox-relay/pkg/metrics"
)

const (
	defaultInterval  = 30 * time.Second
	defaultBatchSize = 100
)

var (
	// ErrRetryExhausted is the dead-letter reason for records whose retry
	// budget ran out.
	ErrRetryExhausted = errors.New("retry: attempts exhausted")
	// ErrSweepInProgress is returned by Sweep while another sweep is running.
	ErrSweepInProgress = errors.New("retry: sweep already in progress")
)

// Store is the outbox persistence the scheduler drives.
type Store interface {
	ListPending(ctx context.Context, limit, maxRetry int) ([]models.OutboxRecord, error)
	ListExhausted(ctx context.Context, limit, maxRetry int) ([]models.OutboxRecord, error)
	Get(ctx context.Context, messageID string) (*models.OutboxRecord, error)
	MarkSent(ctx context.Context, messageID string, offset int64, partition int32) error
	MarkFailed(ctx context.Context, messageID string, cause error) error
	Exhaust(ctx context.Context, messageID string, cause error, maxRetry int) error
	MarkDeadLettered(ctx context.Context, messageID string, maxRetry int) error
}

type Deliverer interface {
	Attempt(ctx context.Context, record *models.OutboxRecord) delivery.Outcome
}

type DeadLetterRouter interface {
	Route(ctx context.Context, record *models.OutboxRecord, reason error) error
}

// Params configure the scheduler.
type Params struct {
	Logger    *logger.Logger
	Store     Store
	Engine    Deliverer
	Router    DeadLetterRouter
	Guard     *delivery.Guard
	Lock      Lock
	Metrics   *metrics.RelayMetrics
	Interval  time.Duration
	WarmUp    time.Duration
	MaxRetry  int
	BatchSize int
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Scanned      int
	Sent         int
	Failed       int
	DeadLettered int
	Skipped      int
	Errors       int
}

// Scheduler re-attempts undelivered records on a flat cadence and routes the
// ones that run out of attempts to the dead-letter topic.
type Scheduler struct {
	logg      *logger.Logger
	store     Store
	engine    Deliverer
	router    DeadLetterRouter
	guard     *delivery.Guard
	lock      Lock
	metrics   *metrics.RelayMetrics
	interval  time.Duration
	warmUp    time.Duration
	maxRetry  int
	batchSize int

	running atomic.Bool
	wg      sync.WaitGroup
}

func NewScheduler(params Params) (*Scheduler, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("outbox store required")
	}
	if params.Engine == nil {
		return nil, fmt.Errorf("delivery engine required")
	}
	if params.Router == nil {
		return nil, fmt.Errorf("dead-letter router required")
	}
	if params.Guard == nil {
		return nil, fmt.Errorf("in-flight guard required")
	}
	if params.MaxRetry < 1 {
		return nil, fmt.Errorf("max retry must be at least 1")
	}
	lock := params.Lock
	if lock == nil {
		lock = LocalLock{}
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	warmUp := params.WarmUp
	if warmUp < 0 {
		warmUp = 0
	}
	batchSize := params.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Scheduler{
		logg:      params.Logger,
		store:     params.Store,
		engine:    params.Engine,
		router:    params.Router,
		guard:     params.Guard,
		lock:      lock,
		metrics:   params.Metrics,
		interval:  interval,
		warmUp:    warmUp,
		maxRetry:  params.MaxRetry,
		batchSize: batchSize,
	}, nil
}

// Run waits out the warm-up delay, sweeps once, then sweeps on every tick
// until ctx is canceled. A tick that lands while a sweep is still running is
// dropped. Run returns after the in-progress sweep finishes.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx = s.logg.WithField(ctx, "component", "retry_scheduler")
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"interval":   s.interval.String(),
		"warm_up":    s.warmUp.String(),
		"max_retry":  s.maxRetry,
		"batch_size": s.batchSize,
	}), "retry scheduler starting")

	if s.warmUp > 0 {
		timer := time.NewTimer(s.warmUp)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	s.trigger(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logg.Info(ctx, "retry scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.trigger(ctx)
		}
	}
}

func (s *Scheduler) trigger(ctx context.Context) {
	if s.running.Load() {
		s.metrics.IncSweepSkipped()
		s.logg.Debug(ctx, "previous sweep still running; skipping tick")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, ErrSweepInProgress) && ctx.Err() == nil {
			s.logg.Error(ctx, "retry sweep failed", err)
		}
	}()
}

// Sweep runs one pass over the pending records and blocks until it is done.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.IncSweepSkipped()
		return SweepResult{}, ErrSweepInProgress
	}
	defer s.running.Store(false)

	start := time.Now()
	result, err := s.sweep(ctx)
	duration := time.Since(start)
	s.metrics.ObserveSweep(duration, err)

	if err == nil && result.Scanned > 0 {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"scanned":       result.Scanned,
			"sent":          result.Sent,
			"failed":        result.Failed,
			"dead_lettered": result.DeadLettered,
			"skipped":       result.Skipped,
			"errors":        result.Errors,
			"duration_ms":   duration.Milliseconds(),
		}), "retry sweep complete")
	}
	return result, err
}

func (s *Scheduler) sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	locked, err := s.lock.Acquire(ctx)
	if err != nil {
		return result, fmt.Errorf("lock acquire: %w", err)
	}
	if !locked {
		s.metrics.IncSweepSkipped()
		s.logg.Info(ctx, "another relay instance is sweeping; skipping this cycle")
		return result, nil
	}
	defer func() {
		if relErr := s.lock.Release(context.WithoutCancel(ctx)); relErr != nil {
			s.logg.Error(ctx, "failed to release sweep lock", relErr)
		}
	}()

	// records that ran out of attempts without being closed, e.g. after the
	// retry budget was lowered
	stale, err := s.store.ListExhausted(ctx, s.batchSize, s.maxRetry)
	if err != nil {
		return result, fmt.Errorf("list exhausted records: %w", err)
	}
	result.Scanned = len(stale)
	for i := range stale {
		if ctx.Err() != nil {
			return result, nil
		}
		s.closeStale(ctx, stale[i].MessageID, &result)
	}

	records, err := s.store.ListPending(ctx, s.batchSize, s.maxRetry)
	if err != nil {
		return result, fmt.Errorf("list pending records: %w", err)
	}
	result.Scanned += len(records)

	for i := range records {
		if ctx.Err() != nil {
			break
		}
		s.process(ctx, records[i].MessageID, &result)
	}
	return result, nil
}

func (s *Scheduler) process(ctx context.Context, messageID string, result *SweepResult) {
	ctx = s.logg.WithMessageID(ctx, messageID)
	if !s.guard.TryAcquire(messageID) {
		result.Skipped++
		return
	}
	defer s.guard.Release(messageID)

	record, err := s.store.Get(ctx, messageID)
	if err != nil {
		s.logg.Error(ctx, "reload outbox record failed", err)
		result.Errors++
		return
	}
	if record.Status.IsTerminal() {
		result.Skipped++
		return
	}
	if ctx.Err() != nil {
		return
	}

	outcome := s.engine.Attempt(ctx, record)
	s.metrics.ObserveDelivery(metrics.PathRetry, outcome.Delivered, outcome.Duration)

	// outcomes are persisted even when ctx is canceled mid-attempt
	persistCtx := context.WithoutCancel(ctx)

	if outcome.Delivered {
		if err := s.store.MarkSent(persistCtx, messageID, outcome.Offset, outcome.Partition); err != nil {
			s.logg.Error(ctx, "mark record sent failed", err)
			result.Errors++
			return
		}
		result.Sent++
		return
	}

	if record.RetryCount+1 < s.maxRetry {
		if err := s.store.MarkFailed(persistCtx, messageID, outcome.Reason); err != nil {
			s.logg.Error(ctx, "record failure write failed", err)
			result.Errors++
			return
		}
		result.Failed++
		return
	}

	s.exhaust(persistCtx, record, outcome.Reason, result)
}

func (s *Scheduler) exhaust(ctx context.Context, record *models.OutboxRecord, cause error, result *SweepResult) {
	if err := s.store.Exhaust(ctx, record.MessageID, cause, s.maxRetry); err != nil {
		s.logg.Error(ctx, "dead-letter transition failed", err)
		result.Errors++
		return
	}
	result.DeadLettered++

	closed, err := s.store.Get(ctx, record.MessageID)
	if err != nil {
		s.logg.Error(ctx, "reload dead-lettered record failed", err)
		closed = exhaustedCopy(record, cause, s.maxRetry)
	}

	reason := fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, closed.RetryCount, cause)
	if err := s.router.Route(ctx, closed, reason); err != nil {
		s.logg.Error(ctx, "dead-letter routing failed", err)
	}
}

// closeStale dead-letters a failed record whose budget was spent before this
// sweep. No further attempt is made.
func (s *Scheduler) closeStale(ctx context.Context, messageID string, result *SweepResult) {
	ctx = s.logg.WithMessageID(ctx, messageID)
	if !s.guard.TryAcquire(messageID) {
		result.Skipped++
		return
	}
	defer s.guard.Release(messageID)

	persistCtx := context.WithoutCancel(ctx)
	if err := s.store.MarkDeadLettered(persistCtx, messageID, s.maxRetry); err != nil {
		if errors.Is(err, outbox.ErrInvalidTransition) {
			result.Skipped++
			return
		}
		s.logg.Error(ctx, "dead-letter transition failed", err)
		result.Errors++
		return
	}
	result.DeadLettered++

	closed, err := s.store.Get(persistCtx, messageID)
	if err != nil {
		s.logg.Error(ctx, "reload dead-lettered record failed", err)
		return
	}
	lastError := "unknown"
	if closed.LastError != nil {
		lastError = *closed.LastError
	}
	reason := fmt.Errorf("%w after %d attempts: %s", ErrRetryExhausted, closed.RetryCount, lastError)
	if err := s.router.Route(persistCtx, closed, reason); err != nil {
		s.logg.Error(ctx, "dead-letter routing failed", err)
	}
}

func exhaustedCopy(record *models.OutboxRecord, cause error, maxRetry int) *models.OutboxRecord {
	clone := *record
	clone.Status = enums.OutboxStatusDeadLettered
	clone.RetryCount = maxRetry
	if cause != nil {
		msg := cause.Error()
		clone.LastError = &msg
	}
	return &clone
}
