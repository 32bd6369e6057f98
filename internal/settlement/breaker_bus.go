package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/p2psettle/internal/circuitbreaker"
	"github.com/mbd888/p2psettle/internal/retry"
)

// BreakerKey labels the settlement bus circuit in metrics.
const BreakerKey = "settlement_bus"

// BreakerBus guards a Bus with a circuit breaker. While the circuit is open
// Send fails immediately with a permanent error, so the publisher records
// the delivery failure without burning its retry budget.
type BreakerBus struct {
	bus     Bus
	breaker *circuitbreaker.Breaker
}

// NewBreakerBus wraps bus. State changes are logged.
func NewBreakerBus(bus Bus, breaker *circuitbreaker.Breaker, logger *slog.Logger) *BreakerBus {
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		logger.Warn("settlement bus circuit changed state",
			"key", key, "from", from.String(), "to", to.String())
	})
	return &BreakerBus{bus: bus, breaker: breaker}
}

// Send forwards msg unless the circuit is open. Permanent errors mean the
// broker answered and do not count against the circuit.
func (b *BreakerBus) Send(ctx context.Context, msg Message) error {
	err := b.breaker.Do(BreakerKey, func() error {
		return b.bus.Send(ctx, msg)
	}, countsAgainstBus)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return retry.Permanent(fmt.Errorf("settlement bus unavailable: %w", err))
	}
	return err
}

// State reports the circuit state for health checks.
func (b *BreakerBus) State() circuitbreaker.State {
	return b.breaker.State(BreakerKey)
}

func countsAgainstBus(err error) bool {
	var pe *retry.PermanentError
	return !errors.As(err, &pe)
}
