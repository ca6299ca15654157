package processors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lckrugel/payment-dispatch/internal/config"
	"github.com/lckrugel/payment-dispatch/internal/dtos"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

const (
	paymentsPath = "/payments"
	healthPath   = "/payments/service-health"
)

type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP error: %s", e.Status)
}

// Client talks to a single payment processor.
type Client struct {
	processor dtos.Processor
	baseURL   string
	payments  *http.Client
	health    *http.Client
	breaker   *gobreaker.CircuitBreaker[struct{}]
	logger    zerolog.Logger

	breakerSettings gobreaker.Settings
}

type Option func(*Client)

// WithBreaker trips the circuit once at least minRequests attempts were made
// in the current window and the failure ratio reaches failureRatio. The
// breaker half-opens after timeout.
func WithBreaker(minRequests uint32, failureRatio float64, timeout time.Duration) Option {
	return func(c *Client) {
		c.breakerSettings.Timeout = timeout
		c.breakerSettings.ReadyToTrip = func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= failureRatio
		}
	}
}

// WithHalfOpenRequests sets how many trial requests a half-open breaker lets
// through before rejecting the rest with gobreaker.ErrTooManyRequests.
func WithHalfOpenRequests(n uint32) Option {
	return func(c *Client) {
		c.breakerSettings.MaxRequests = n
	}
}

func NewClient(p dtos.Processor, baseURL string, paymentTimeout, healthTimeout time.Duration, logger zerolog.Logger, opts ...Option) *Client {
	transport := &http.Transport{
		MaxIdleConns:        200,
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     2 * time.Minute,
	}

	c := &Client{
		processor: p,
		baseURL:   baseURL,
		payments:  &http.Client{Timeout: paymentTimeout, Transport: transport},
		health:    &http.Client{Timeout: healthTimeout, Transport: transport},
		logger:    logger.With().Str("processor", p.String()).Logger(),
		breakerSettings: gobreaker.Settings{
			Name:        p.String(),
			MaxRequests: 1,
			Interval:    10 * time.Second,
		},
	}
	WithBreaker(50, 0.95, 2*time.Second)(c)
	for _, opt := range opts {
		opt(c)
	}

	c.breakerSettings.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, context.Canceled)
	}
	c.breakerSettings.OnStateChange = func(name string, from, to gobreaker.State) {
		c.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker changed state")
	}
	c.breaker = gobreaker.NewCircuitBreaker[struct{}](c.breakerSettings)

	return c
}

// NewClients builds one client per processor from configuration. opts apply
// after the configured breaker.
func NewClients(cfg config.ProcessorsConfig, logger zerolog.Logger, opts ...Option) map[dtos.Processor]*Client {
	opts = append([]Option{WithBreaker(cfg.BreakerMinRequests, cfg.BreakerFailureRatio, cfg.BreakerTimeout)}, opts...)
	return map[dtos.Processor]*Client{
		dtos.DefaultProcessor:  NewClient(dtos.DefaultProcessor, cfg.DefaultURL, cfg.PaymentTimeout, cfg.HealthTimeout, logger, opts...),
		dtos.FallbackProcessor: NewClient(dtos.FallbackProcessor, cfg.FallbackURL, cfg.PaymentTimeout, cfg.HealthTimeout, logger, opts...),
	}
}

func (c *Client) Processor() dtos.Processor {
	return c.processor
}

// SendPayment makes a single delivery attempt. Only a 2xx status counts as
// success. While the breaker is open it fails fast with gobreaker.ErrOpenState,
// and past the half-open trial budget with gobreaker.ErrTooManyRequests.
func (c *Client) SendPayment(ctx context.Context, payment dtos.ProcessorPaymentRequest) error {
	_, err := c.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, c.postPayment(ctx, payment)
	})
	return err
}

func (c *Client) postPayment(ctx context.Context, payment dtos.ProcessorPaymentRequest) error {
	payload, err := json.Marshal(payment)
	if err != nil {
		return fmt.Errorf("failed to serialize payment: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+paymentsPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create payment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.payments.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send payment to %s: %w", c.processor, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
		}
	}

	return nil
}

// ServiceHealth probes the processor's health endpoint once.
func (c *Client) ServiceHealth(ctx context.Context) (*dtos.HealthCheckResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := c.health.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to probe %s health: %w", c.processor, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
		}
	}

	var health dtos.HealthCheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode %s health response: %w", c.processor, err)
	}

	return &health, nil
}
