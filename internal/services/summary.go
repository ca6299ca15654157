package services

import (
	"context"
	"fmt"
	"time"

	"github.com/lckrugel/payment-dispatch/internal/dtos"
	"github.com/lckrugel/payment-dispatch/internal/observability"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type LedgerReader interface {
	ListProcessing(ctx context.Context) ([]dtos.ProcessingAttempt, error)
	ListProcessed(ctx context.Context) ([]dtos.ProcessedPayment, error)
}

// SummaryService totals the processed ledger per processor. It waits for
// every in-flight attempt inside the window to settle first, so a payment
// is never reported while its outcome is still unknown.
type SummaryService struct {
	store        LedgerReader
	pollInterval time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewSummaryService(store LedgerReader, pollInterval time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *SummaryService {
	return &SummaryService{
		store:        store,
		pollInterval: pollInterval,
		metrics:      metrics,
		logger:       logger.With().Str("component", "summary").Logger(),
	}
}

// Summarize covers [from, to] inclusive. A zero bound leaves that side open.
func (s *SummaryService) Summarize(ctx context.Context, from, to time.Time) (*dtos.SummaryResponse, error) {
	if err := s.waitForInflight(ctx, from, to); err != nil {
		return nil, err
	}

	processed, err := s.store.ListProcessed(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read processed payments: %w", err)
	}

	summary := &dtos.SummaryResponse{
		Default:  dtos.APISummary{TotalAmount: decimal.Zero},
		Fallback: dtos.APISummary{TotalAmount: decimal.Zero},
	}
	for _, payment := range processed {
		if !inWindow(payment.ProcessedAt, from, to) || !payment.Processor.Valid() {
			continue
		}
		totals := summary.For(payment.Processor)
		totals.TotalRequests++
		totals.TotalAmount = totals.TotalAmount.Add(payment.Amount)
	}

	return summary, nil
}

func (s *SummaryService) waitForInflight(ctx context.Context, from, to time.Time) error {
	start := time.Now()
	defer func() {
		s.metrics.SummaryBarrierWait.Observe(time.Since(start).Seconds())
	}()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		inflight, err := s.store.ListProcessing(ctx)
		if err != nil {
			return fmt.Errorf("failed to read processing attempts: %w", err)
		}

		pending := 0
		for _, attempt := range inflight {
			if inWindow(attempt.RequestedAt, from, to) {
				pending++
			}
		}
		if pending == 0 {
			return nil
		}

		s.logger.Debug().Int("pending", pending).Msg("Waiting for in-flight payments")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func inWindow(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && t.After(to) {
		return false
	}
	return true
}
