package workers

import (
	"sync/atomic"

	"github.com/lckrugel/payment-dispatch/internal/dtos"
	"github.com/rs/zerolog"
)

const noActiveProcessor int32 = -1

// ServiceSelector orders processors for a dispatch and remembers which one
// was preferred last, logging whenever the preference changes.
type ServiceSelector struct {
	active atomic.Int32
	logger zerolog.Logger
}

func NewServiceSelector(logger zerolog.Logger) *ServiceSelector {
	s := &ServiceSelector{logger: logger.With().Str("component", "selector").Logger()}
	s.active.Store(int32(dtos.DefaultProcessor))
	return s
}

// GetActive reports the processor preferred by the latest ordering, or false
// when neither was healthy.
func (s *ServiceSelector) GetActive() (dtos.Processor, bool) {
	v := s.active.Load()
	if v == noActiveProcessor {
		return 0, false
	}
	return dtos.Processor(v), true
}

func (s *ServiceSelector) Order(defaultStatus, fallbackStatus dtos.HealthStatus) []dtos.Processor {
	order := ProcessorOrder(defaultStatus, fallbackStatus)

	next := noActiveProcessor
	if len(order) > 0 {
		next = int32(order[0])
	}
	if prev := s.active.Swap(next); prev != next {
		if next == noActiveProcessor {
			s.logger.Warn().Msg("No healthy processor available")
		} else {
			s.logger.Info().Str("processor", order[0].String()).Msg("Switching active processor")
		}
	}

	return order
}

// ProcessorOrder returns the processors worth attempting, best first. When
// both are healthy the faster one leads and default wins ties.
func ProcessorOrder(defaultStatus, fallbackStatus dtos.HealthStatus) []dtos.Processor {
	switch {
	case defaultStatus.IsHealthy && fallbackStatus.IsHealthy:
		if fallbackStatus.MinResponseTime < defaultStatus.MinResponseTime {
			return []dtos.Processor{dtos.FallbackProcessor, dtos.DefaultProcessor}
		}
		return []dtos.Processor{dtos.DefaultProcessor, dtos.FallbackProcessor}
	case defaultStatus.IsHealthy:
		return []dtos.Processor{dtos.DefaultProcessor}
	case fallbackStatus.IsHealthy:
		return []dtos.Processor{dtos.FallbackProcessor}
	default:
		return nil
	}
}
