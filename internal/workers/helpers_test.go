package workers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/lckrugel/payment-dispatch/internal/dtos"
	"github.com/lckrugel/payment-dispatch/internal/observability"
	"github.com/lckrugel/payment-dispatch/internal/repositories"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

func newTestMetrics() *observability.Metrics {
	return observability.NewMetrics("test", prometheus.NewRegistry())
}

func newTestRepository(t *testing.T) (*repositories.RedisRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return repositories.NewRedisRepository(client), mr
}

func testPayment(amount string) dtos.PaymentRequest {
	return dtos.PaymentRequest{
		CorrelationId: uuid.New(),
		Amount:        decimal.RequireFromString(amount),
	}
}

func healthy(p dtos.Processor, minResponseTime int) dtos.HealthStatus {
	return dtos.HealthStatus{Processor: p, IsHealthy: true, LastCheck: time.Now(), MinResponseTime: minResponseTime}
}

func unhealthy(p dtos.Processor) dtos.HealthStatus {
	return dtos.HealthStatus{Processor: p, IsHealthy: false, LastCheck: time.Now(), ConsecutiveFailures: 1}
}

type mockProber struct {
	calls      atomic.Int32
	delay      time.Duration
	HealthFunc func() (*dtos.HealthCheckResponse, error)
}

func (m *mockProber) ServiceHealth(ctx context.Context) (*dtos.HealthCheckResponse, error) {
	m.calls.Add(1)
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.HealthFunc != nil {
		return m.HealthFunc()
	}
	return &dtos.HealthCheckResponse{Failing: false, MinResponseTime: 10}, nil
}

type staticHealth struct {
	mu       sync.Mutex
	statuses map[dtos.Processor]dtos.HealthStatus
}

func newStaticHealth(def, fb dtos.HealthStatus) *staticHealth {
	return &staticHealth{statuses: map[dtos.Processor]dtos.HealthStatus{
		dtos.DefaultProcessor:  def,
		dtos.FallbackProcessor: fb,
	}}
}

func (s *staticHealth) GetHealth(_ context.Context, p dtos.Processor) dtos.HealthStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[p]
}

func (s *staticHealth) Set(status dtos.HealthStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[status.Processor] = status
}

type mockSender struct {
	calls    atomic.Int32
	SendFunc func(dtos.ProcessorPaymentRequest) error
}

func (m *mockSender) SendPayment(_ context.Context, payment dtos.ProcessorPaymentRequest) error {
	m.calls.Add(1)
	if m.SendFunc != nil {
		return m.SendFunc(payment)
	}
	return nil
}

type mockDispatcher struct {
	calls        atomic.Int32
	DispatchFunc func(ctx context.Context, payment dtos.PaymentRequest, requestedAt time.Time) (*dtos.ProcessedPayment, error)
}

func (m *mockDispatcher) Dispatch(ctx context.Context, payment dtos.PaymentRequest, requestedAt time.Time) (*dtos.ProcessedPayment, error) {
	m.calls.Add(1)
	if m.DispatchFunc != nil {
		return m.DispatchFunc(ctx, payment, requestedAt)
	}
	return deliveredTo(dtos.DefaultProcessor, payment, requestedAt), nil
}

func deliveredTo(p dtos.Processor, payment dtos.PaymentRequest, requestedAt time.Time) *dtos.ProcessedPayment {
	return &dtos.ProcessedPayment{
		CorrelationId: payment.CorrelationId,
		ProcessedAt:   requestedAt,
		Amount:        payment.Amount,
		Processor:     p,
	}
}

// fakeProcessor serves the processor payment and health endpoints.
type fakeProcessor struct {
	srv             *httptest.Server
	mu              sync.Mutex
	failing         bool
	minResponseTime int
	attempts        int
	received        int
	probes          int
}

func newFakeProcessor(t *testing.T, failing bool, minResponseTime int) *fakeProcessor {
	t.Helper()
	f := &fakeProcessor{failing: failing, minResponseTime: minResponseTime}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /payments", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.attempts++
		if f.failing {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		f.received++
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /payments/service-health", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.probes++
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(dtos.HealthCheckResponse{Failing: f.failing, MinResponseTime: f.minResponseTime})
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeProcessor) URL() string {
	return f.srv.URL
}

func (f *fakeProcessor) SetFailing(failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = failing
}

func (f *fakeProcessor) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *fakeProcessor) Received() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.received
}

func (f *fakeProcessor) HealthProbes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}
