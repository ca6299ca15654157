package dtos

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func init() {
	decimal.MarshalJSONWithoutQuotes = true
}

// ProcessorTimeLayout is the requestedAt format expected by the payment processors.
const ProcessorTimeLayout = "2006-01-02T15:04:05.000Z"

type PaymentRequest struct {
	CorrelationId uuid.UUID       `json:"correlationId" binding:"required"`
	Amount        decimal.Decimal `json:"amount" binding:"required,gt=0"`
}

// ProcessingAttempt is the shadow entry kept in the shared store while a
// payment is being dispatched.
type ProcessingAttempt struct {
	CorrelationId uuid.UUID       `json:"correlationId"`
	RequestedAt   time.Time       `json:"requestedAt"`
	Amount        decimal.Decimal `json:"amount"`
}

func NewProcessingAttempt(payment PaymentRequest, requestedAt time.Time) ProcessingAttempt {
	return ProcessingAttempt{
		CorrelationId: payment.CorrelationId,
		RequestedAt:   requestedAt,
		Amount:        payment.Amount,
	}
}

func (a ProcessingAttempt) Payment() PaymentRequest {
	return PaymentRequest{CorrelationId: a.CorrelationId, Amount: a.Amount}
}

type ProcessedPayment struct {
	CorrelationId uuid.UUID       `json:"correlationId"`
	ProcessedAt   time.Time       `json:"processedAt"`
	Amount        decimal.Decimal `json:"amount"`
	Processor     Processor       `json:"processor"`
}

type ProcessorPaymentRequest struct {
	CorrelationId uuid.UUID       `json:"correlationId"`
	RequestedAt   string          `json:"requestedAt"`
	Amount        decimal.Decimal `json:"amount"`
}

func NewProcessorPaymentRequest(payment PaymentRequest, requestedAt time.Time) ProcessorPaymentRequest {
	return ProcessorPaymentRequest{
		CorrelationId: payment.CorrelationId,
		RequestedAt:   requestedAt.UTC().Format(ProcessorTimeLayout),
		Amount:        payment.Amount,
	}
}

type HealthCheckResponse struct {
	Failing         bool `json:"failing"`
	MinResponseTime int  `json:"minResponseTime"`
}

type HealthStatus struct {
	Processor           Processor
	IsHealthy           bool
	LastCheck           time.Time
	ConsecutiveFailures int
	MinResponseTime     int
}

type SummaryResponse struct {
	Default  APISummary `json:"default"`
	Fallback APISummary `json:"fallback"`
}

type APISummary struct {
	TotalRequests int             `json:"totalRequests"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
}

func (s *SummaryResponse) For(p Processor) *APISummary {
	if p == FallbackProcessor {
		return &s.Fallback
	}
	return &s.Default
}

// Processor identifies one of the two upstream payment processors.
type Processor uint8

const (
	DefaultProcessor Processor = iota
	FallbackProcessor
)

var Processors = [...]Processor{DefaultProcessor, FallbackProcessor}

func (p Processor) String() string {
	switch p {
	case DefaultProcessor:
		return "default"
	case FallbackProcessor:
		return "fallback"
	default:
		return fmt.Sprintf("processor(%d)", uint8(p))
	}
}

func (p Processor) Valid() bool {
	return p == DefaultProcessor || p == FallbackProcessor
}

func (p Processor) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("unknown processor %d", uint8(p))
	}
	return []byte(p.String()), nil
}

func (p *Processor) UnmarshalText(text []byte) error {
	parsed, err := ParseProcessor(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func ParseProcessor(name string) (Processor, error) {
	switch name {
	case "default":
		return DefaultProcessor, nil
	case "fallback":
		return FallbackProcessor, nil
	default:
		return 0, fmt.Errorf("unknown processor %q", name)
	}
}
