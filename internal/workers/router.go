package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/lckrugel/payment-dispatch/internal/config"
	"github.com/lckrugel/payment-dispatch/internal/dtos"
	"github.com/lckrugel/payment-dispatch/internal/observability"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

var (
	ErrNoHealthyProcessor = errors.New("no healthy payment processor")
	// ErrRequeue wraps every dispatch failure: the payment was not delivered
	// and belongs back in the pending queue.
	ErrRequeue = errors.New("payment must be requeued")
)

type HealthReader interface {
	GetHealth(ctx context.Context, p dtos.Processor) dtos.HealthStatus
}

type PaymentSender interface {
	SendPayment(ctx context.Context, payment dtos.ProcessorPaymentRequest) error
}

// Router picks a processor from current health and delivers a payment,
// retrying each candidate before moving on to the next.
type Router struct {
	health   HealthReader
	senders  map[dtos.Processor]PaymentSender
	selector *ServiceSelector
	attempts uint
	delay    time.Duration
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewRouter(health HealthReader, senders map[dtos.Processor]PaymentSender, selector *ServiceSelector, cfg config.ProcessorsConfig, metrics *observability.Metrics, logger zerolog.Logger) *Router {
	attempts := cfg.RetryAttempts
	if attempts == 0 {
		attempts = 1
	}
	return &Router{
		health:   health,
		senders:  senders,
		selector: selector,
		attempts: attempts,
		delay:    cfg.RetryDelay,
		metrics:  metrics,
		logger:   logger.With().Str("component", "router").Logger(),
	}
}

// Dispatch delivers payment to the first processor that accepts it. The
// returned ledger entry carries requestedAt as its processing time, matching
// the timestamp the processor received.
func (r *Router) Dispatch(ctx context.Context, payment dtos.PaymentRequest, requestedAt time.Time) (*dtos.ProcessedPayment, error) {
	order := r.selector.Order(
		r.health.GetHealth(ctx, dtos.DefaultProcessor),
		r.health.GetHealth(ctx, dtos.FallbackProcessor),
	)
	if len(order) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrRequeue, ErrNoHealthyProcessor)
	}

	req := dtos.NewProcessorPaymentRequest(payment, requestedAt)

	var lastErr error
	for _, p := range order {
		err := r.send(ctx, p, req)
		if err == nil {
			return &dtos.ProcessedPayment{
				CorrelationId: payment.CorrelationId,
				ProcessedAt:   requestedAt,
				Amount:        payment.Amount,
				Processor:     p,
			}, nil
		}

		r.logger.Debug().Err(err).
			Str("processor", p.String()).
			Str("correlationId", payment.CorrelationId.String()).
			Msg("Processor attempts exhausted")
		lastErr = err

		if ctx.Err() != nil {
			break
		}
	}

	return nil, fmt.Errorf("%w: %w", ErrRequeue, lastErr)
}

func (r *Router) send(ctx context.Context, p dtos.Processor, req dtos.ProcessorPaymentRequest) error {
	sender, ok := r.senders[p]
	if !ok {
		return fmt.Errorf("no sender configured for %s", p)
	}

	return retry.Do(
		func() error {
			err := sender.SendPayment(ctx, req)
			r.metrics.ProcessorAttempts.WithLabelValues(p.String(), attemptResult(err)).Inc()
			return err
		},
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.Delay(r.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !rejectedByBreaker(err) && ctx.Err() == nil
		}),
	)
}

// rejectedByBreaker reports whether the breaker refused the call without
// reaching the processor.
func rejectedByBreaker(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func attemptResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, gobreaker.ErrOpenState):
		return "circuit_open"
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return "circuit_half_open"
	default:
		return "failure"
	}
}
