package workers

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lckrugel/payment-dispatch/internal/config"
	"github.com/lckrugel/payment-dispatch/internal/dtos"
	"github.com/lckrugel/payment-dispatch/internal/observability"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// HealthStore is the slice of the shared store the health tracker needs.
type HealthStore interface {
	AcquireHealthLock(ctx context.Context, p dtos.Processor, token string, ttl time.Duration) (bool, error)
	ReleaseHealthLock(ctx context.Context, p dtos.Processor, token string) (bool, error)
	GetHealthStatus(ctx context.Context, p dtos.Processor) (*dtos.HealthStatus, error)
	GetConsecutiveFailures(ctx context.Context, p dtos.Processor) (int, error)
	SetHealthStatus(ctx context.Context, status dtos.HealthStatus, ttl time.Duration) error
}

type HealthProber interface {
	ServiceHealth(ctx context.Context) (*dtos.HealthCheckResponse, error)
}

var errNoProber = errors.New("no health prober configured")

// HealthTracker serves cached processor health and refreshes it under a
// distributed lock, so at most one instance probes a processor at a time.
type HealthTracker struct {
	store   HealthStore
	probers map[dtos.Processor]HealthProber
	cfg     config.HealthConfig
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewHealthTracker(store HealthStore, probers map[dtos.Processor]HealthProber, cfg config.HealthConfig, metrics *observability.Metrics, logger zerolog.Logger) *HealthTracker {
	return &HealthTracker{
		store:   store,
		probers: probers,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With().Str("component", "health").Logger(),
		now:     time.Now,
	}
}

// GetHealth never fails: store and probe errors degrade to an unhealthy status.
func (t *HealthTracker) GetHealth(ctx context.Context, p dtos.Processor) dtos.HealthStatus {
	cached, err := t.store.GetHealthStatus(ctx, p)
	if err != nil {
		t.logger.Warn().Err(err).Str("processor", p.String()).Msg("Failed to read cached health")
		cached = nil
	}

	if cached != nil && t.now().Sub(cached.LastCheck) < t.cfg.FreshWindow {
		return *cached
	}

	return t.refresh(ctx, p, cached)
}

func (t *HealthTracker) refresh(ctx context.Context, p dtos.Processor, cached *dtos.HealthStatus) dtos.HealthStatus {
	logger := t.logger.With().Str("processor", p.String()).Logger()
	token := uuid.NewString()

	acquired, err := t.store.AcquireHealthLock(ctx, p, token, t.cfg.LockTTL)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to acquire health lock")
	}
	if err != nil || !acquired {
		if err == nil {
			logger.Debug().Msg("Health refresh in progress elsewhere")
		}
		if cached != nil {
			return *cached
		}
		return dtos.HealthStatus{
			Processor:           p,
			IsHealthy:           false,
			LastCheck:           t.now().UTC(),
			ConsecutiveFailures: 1,
			MinResponseTime:     0,
		}
	}

	// The lock must be released and the status written even if the caller
	// gives up while the probe is in flight.
	storeCtx := context.WithoutCancel(ctx)
	defer func() {
		released, err := t.store.ReleaseHealthLock(storeCtx, p, token)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to release health lock")
		} else if !released {
			logger.Debug().Msg("Health lock expired before release")
		}
	}()

	// Another holder may have refreshed between our cache read and the lock.
	if current, err := t.store.GetHealthStatus(ctx, p); err == nil && current != nil && t.now().Sub(current.LastCheck) < t.cfg.FreshWindow {
		logger.Debug().Msg("Health refreshed elsewhere while acquiring lock")
		return *current
	}

	failures, err := t.store.GetConsecutiveFailures(ctx, p)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to read consecutive failures")
		failures = 0
	}

	status := dtos.HealthStatus{Processor: p}

	health, err := t.probe(ctx, p)
	if err != nil {
		logger.Warn().Err(err).Msg("Health probe failed")
		t.metrics.HealthProbes.WithLabelValues(p.String(), "error").Inc()
		status.IsHealthy = false
		failures++
	} else {
		t.metrics.HealthProbes.WithLabelValues(p.String(), "ok").Inc()
		status.IsHealthy = !health.Failing
		status.MinResponseTime = health.MinResponseTime
		if status.IsHealthy {
			failures = 0
		} else {
			failures++
		}
	}

	status.ConsecutiveFailures = failures
	status.LastCheck = t.now().UTC()

	if err := t.store.SetHealthStatus(storeCtx, status, t.cfg.StatusTTL); err != nil {
		logger.Warn().Err(err).Msg("Failed to store health status")
	}

	logger.Debug().
		Bool("healthy", status.IsHealthy).
		Int("minResponseTime", status.MinResponseTime).
		Int("consecutiveFailures", status.ConsecutiveFailures).
		Msg("Health refreshed")

	return status
}

func (t *HealthTracker) probe(ctx context.Context, p dtos.Processor) (*dtos.HealthCheckResponse, error) {
	prober, ok := t.probers[p]
	if !ok {
		return nil, errNoProber
	}

	probeCtx, cancel := context.WithTimeout(ctx, t.cfg.ProbeTimeout)
	defer cancel()

	return prober.ServiceHealth(probeCtx)
}

// HealthCheckWorker keeps the health cache warm so request-path reads hit
// the fast path.
type HealthCheckWorker struct {
	tracker  *HealthTracker
	interval time.Duration
	logger   zerolog.Logger
}

func NewHealthCheckWorker(tracker *HealthTracker, interval time.Duration, logger zerolog.Logger) *HealthCheckWorker {
	return &HealthCheckWorker{
		tracker:  tracker,
		interval: interval,
		logger:   logger.With().Str("component", "health-monitor").Logger(),
	}
}

func (hc *HealthCheckWorker) Start(ctx context.Context) {
	hc.logger.Info().Dur("interval", hc.interval).Msg("Health monitor started")

	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	for {
		hc.checkAll(ctx)

		select {
		case <-ctx.Done():
			hc.logger.Info().Msg("Health monitor stopped")
			return
		case <-ticker.C:
		}
	}
}

func (hc *HealthCheckWorker) checkAll(ctx context.Context) {
	var g errgroup.Group
	for _, p := range dtos.Processors {
		g.Go(func() error {
			hc.tracker.GetHealth(ctx, p)
			return nil
		})
	}
	g.Wait()
}
