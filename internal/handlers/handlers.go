package handlers

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/lckrugel/payment-dispatch/internal/dtos"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type PaymentSubmitter interface {
	Submit(payment dtos.PaymentRequest)
	Reset() int
}

type Summarizer interface {
	Summarize(ctx context.Context, from, to time.Time) (*dtos.SummaryResponse, error)
}

type StateResetter interface {
	Reset(ctx context.Context) error
}

type PaymentHandlers struct {
	submitter  PaymentSubmitter
	summarizer Summarizer
	resetter   StateResetter
	logger     zerolog.Logger
}

func NewPaymentHandlers(submitter PaymentSubmitter, summarizer Summarizer, resetter StateResetter, logger zerolog.Logger) *PaymentHandlers {
	return &PaymentHandlers{
		submitter:  submitter,
		summarizer: summarizer,
		resetter:   resetter,
		logger:     logger.With().Str("component", "http").Logger(),
	}
}

// RegisterValidators lets binding tags such as gt=0 apply to decimal amounts.
// Decimals are validated by their sign, which stays exact at any magnitude.
func RegisterValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return errors.New("unexpected binding validator engine")
	}

	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.Sign()
		}
		return nil
	}, decimal.Decimal{})

	return nil
}

// RegisterRoutes mounts the public API. metrics may be nil.
func RegisterRoutes(r *gin.Engine, h *PaymentHandlers, metrics http.Handler) {
	r.POST("/payments", h.HandlePayment)
	r.GET("/payments-summary", h.HandlePaymentSummary)
	r.POST("/purge-payments", h.HandlePurge)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}
}

func (h *PaymentHandlers) HandlePayment(c *gin.Context) {
	var paymentData dtos.PaymentRequest
	if err := c.ShouldBindJSON(&paymentData); err != nil {
		h.logger.Debug().Err(err).Msg("Rejected payment request")
		c.JSON(http.StatusBadRequest, gin.H{
			"message": "Invalid payment request",
			"error":   err.Error(),
		})
		return
	}

	h.submitter.Submit(paymentData)

	c.Status(http.StatusAccepted)
}

func (h *PaymentHandlers) HandlePaymentSummary(c *gin.Context) {
	from, ok := parseTimeQuery(c, "from")
	if !ok {
		return
	}
	to, ok := parseTimeQuery(c, "to")
	if !ok {
		return
	}

	summary, err := h.summarizer.Summarize(c.Request.Context(), from, to)
	if err != nil {
		h.logger.Error().Err(err).Time("from", from).Time("to", to).Msg("Failed to build payment summary")
		c.JSON(http.StatusInternalServerError, gin.H{
			"message": "Failed to read processed payments",
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (h *PaymentHandlers) HandlePurge(c *gin.Context) {
	if err := h.resetter.Reset(c.Request.Context()); err != nil {
		h.logger.Error().Err(err).Msg("Failed to purge shared state")
		c.JSON(http.StatusInternalServerError, gin.H{
			"message": "Failed to purge payments",
			"error":   err.Error(),
		})
		return
	}

	dropped := h.submitter.Reset()
	h.logger.Info().Int("droppedPending", dropped).Msg("Payments purged")

	c.JSON(http.StatusOK, gin.H{"message": "All payments purged."})
}

// parseTimeQuery reads an optional RFC3339 query parameter. On failure it
// writes the 400 response itself.
func parseTimeQuery(c *gin.Context, name string) (time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, true
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"message": "Invalid format for parameter '" + name + "'",
			"error":   err.Error(),
		})
		return time.Time{}, false
	}
	return t.UTC(), true
}
