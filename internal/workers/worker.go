package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/lckrugel/payment-dispatch/internal/config"
	"github.com/lckrugel/payment-dispatch/internal/dtos"
	"github.com/lckrugel/payment-dispatch/internal/observability"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// PaymentStore is the slice of the shared store the workers write to.
type PaymentStore interface {
	PushProcessing(ctx context.Context, attempts ...dtos.ProcessingAttempt) error
	RemoveProcessing(ctx context.Context, attempt dtos.ProcessingAttempt) error
	PromoteProcessed(ctx context.Context, attempt dtos.ProcessingAttempt, payment dtos.ProcessedPayment) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, payment dtos.PaymentRequest, requestedAt time.Time) (*dtos.ProcessedPayment, error)
}

const (
	reasonStoreUnavailable   = "store_unavailable"
	reasonNoHealthyProcessor = "no_healthy_processor"
	reasonExhausted          = "exhausted"
	reasonShutdown           = "shutdown"
	reasonPanic              = "panic"
)

// Workers drains the pending queue in batches and dispatches each payment
// under a shared concurrency gate.
type Workers struct {
	queue   *PendingQueue
	store   PaymentStore
	router  Dispatcher
	sem     *semaphore.Weighted
	cfg     config.WorkerConfig
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewWorkers(queue *PendingQueue, store PaymentStore, router Dispatcher, cfg config.WorkerConfig, metrics *observability.Metrics, logger zerolog.Logger) *Workers {
	return &Workers{
		queue:   queue,
		store:   store,
		router:  router,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency())),
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With().Str("component", "worker").Logger(),
		now:     time.Now,
	}
}

// Submit hands a validated payment to the pool. It never blocks on dispatch.
func (w *Workers) Submit(payment dtos.PaymentRequest) {
	w.queue.Enqueue(payment)
	w.metrics.PendingQueueDepth.Set(float64(w.queue.Len()))
}

// Pending returns how many payments are still waiting locally.
func (w *Workers) Pending() int {
	return w.queue.Len()
}

// Reset drops every payment still waiting locally.
func (w *Workers) Reset() int {
	dropped := len(w.queue.Drain())
	w.metrics.PendingQueueDepth.Set(0)
	return dropped
}

// StartWorkers runs numWorkers loops and blocks until ctx is cancelled and
// every in-flight dispatch has settled.
func (w *Workers) StartWorkers(ctx context.Context, numWorkers int) {
	w.logger.Info().Int("nworkers", numWorkers).Int("concurrency", w.cfg.Concurrency()).Msg("Starting payment workers")

	var wg sync.WaitGroup
	for i := range numWorkers {
		wg.Add(1)
		go func(workerId int) {
			defer wg.Done()
			w.start(ctx, workerId)
		}(i)
	}
	wg.Wait()

	if pending := w.queue.Len(); pending > 0 {
		w.logger.Warn().Int("pending", pending).Msg("Workers stopped with payments still pending")
	}
}

func (w *Workers) start(ctx context.Context, workerId int) {
	logger := w.logger.With().Int("workerId", workerId).Logger()
	logger.Debug().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("Worker received stop signal")
			return
		default:
		}

		delivered, err := w.processBatch(ctx, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Worker encountered an error")
			sleep(ctx, w.cfg.ErrorBackoff)
			continue
		}
		// Nothing queued, or everything went back to the queue.
		if delivered == 0 {
			sleep(ctx, w.cfg.IdleSleep)
		}
	}
}

func (w *Workers) processBatch(ctx context.Context, logger zerolog.Logger) (int, error) {
	batch := w.queue.DequeueBatch(w.cfg.BatchSize)
	w.metrics.PendingQueueDepth.Set(float64(w.queue.Len()))
	if len(batch) == 0 {
		return 0, nil
	}

	requestedAt := w.now().UTC().Truncate(time.Millisecond)
	attempts := make([]dtos.ProcessingAttempt, len(batch))
	for i, payment := range batch {
		attempts[i] = dtos.NewProcessingAttempt(payment, requestedAt)
	}

	// Shadow entries must exist before any processor sees the payments, so
	// summaries covering requestedAt wait for them.
	if err := w.store.PushProcessing(ctx, attempts...); err != nil {
		w.queue.Enqueue(batch...)
		w.metrics.PaymentsRequeued.WithLabelValues(reasonStoreUnavailable).Add(float64(len(batch)))
		return 0, fmt.Errorf("failed to record processing attempts: %w", err)
	}

	var (
		wg        sync.WaitGroup
		delivered atomic.Int64
	)
	for i, attempt := range attempts {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			cleanupCtx := context.WithoutCancel(ctx)
			for _, rest := range attempts[i:] {
				w.requeue(cleanupCtx, logger, rest, reasonShutdown)
			}
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer w.sem.Release(1)
			if w.dispatch(ctx, logger, attempt) {
				delivered.Add(1)
			}
		}()
	}
	wg.Wait()

	return int(delivered.Load()), nil
}

// dispatch settles one attempt: promoted to the ledger on success, returned
// to the pending queue otherwise. Shutdown does not interrupt it. It reports
// whether a processor accepted the payment.
func (w *Workers) dispatch(ctx context.Context, logger zerolog.Logger, attempt dtos.ProcessingAttempt) (delivered bool) {
	dispatchCtx := context.WithoutCancel(ctx)
	logger = logger.With().Str("correlationId", attempt.CorrelationId.String()).Logger()

	w.metrics.InflightDispatches.Inc()
	defer w.metrics.InflightDispatches.Dec()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("Dispatch panicked")
			w.requeue(dispatchCtx, logger, attempt, reasonPanic)
		}
	}()

	processed, err := w.router.Dispatch(dispatchCtx, attempt.Payment(), attempt.RequestedAt)
	if err != nil {
		reason := reasonExhausted
		if errors.Is(err, ErrNoHealthyProcessor) {
			reason = reasonNoHealthyProcessor
		}
		logger.Debug().Err(err).Str("reason", reason).Msg("Payment not delivered, requeueing")
		w.requeue(dispatchCtx, logger, attempt, reason)
		return false
	}

	err = retry.Do(
		func() error {
			return w.store.PromoteProcessed(dispatchCtx, attempt, *processed)
		},
		retry.Attempts(3),
		retry.Delay(50*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		logger.Error().Err(err).Str("processor", processed.Processor.String()).Msg("Payment delivered but ledger append failed")
		if err := w.store.RemoveProcessing(dispatchCtx, attempt); err != nil {
			logger.Error().Err(err).Msg("Failed to clear processing attempt")
		}
		return true
	}

	w.metrics.PaymentsProcessed.WithLabelValues(processed.Processor.String()).Inc()
	logger.Debug().Str("processor", processed.Processor.String()).Msg("Payment processed")
	return true
}

func (w *Workers) requeue(ctx context.Context, logger zerolog.Logger, attempt dtos.ProcessingAttempt, reason string) {
	if err := w.store.RemoveProcessing(ctx, attempt); err != nil {
		logger.Warn().Err(err).Msg("Failed to clear processing attempt")
	}
	w.queue.Enqueue(attempt.Payment())
	w.metrics.PaymentsRequeued.WithLabelValues(reason).Inc()
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
