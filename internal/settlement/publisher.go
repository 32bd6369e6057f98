package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mbd888/p2psettle/internal/metrics"
	"github.com/mbd888/p2psettle/internal/retry"
	"github.com/mbd888/p2psettle/internal/traces"
)

// ErrDeliveryFailure is matched by every *DeliveryError.
var ErrDeliveryFailure = errors.New("settlement event delivery failed")

// Defaults for the publish retry loop.
const (
	DefaultAttempts = 3
	DefaultBackoff  = time.Second
)

// Message is one encoded event ready for the bus.
type Message struct {
	Key     string
	Value   []byte
	Headers map[string]string
}

// Bus is the transport the publisher writes to.
type Bus interface {
	Send(ctx context.Context, msg Message) error
}

// DeliveryError reports an event that could not be handed to the bus after
// all attempts. The local transition that produced it has already committed.
type DeliveryError struct {
	Identifier     string
	IdempotencyKey string
	Attempts       int
	Err            error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s (%s) after %d attempts: %v", e.Identifier, e.IdempotencyKey, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool { return target == ErrDeliveryFailure }

// Publisher encodes events and sends them with bounded, fixed-interval retry.
type Publisher struct {
	bus      Bus
	logger   *slog.Logger
	attempts int
	backoff  time.Duration
}

// NewPublisher creates a publisher over bus.
func NewPublisher(bus Bus, logger *slog.Logger) *Publisher {
	return &Publisher{
		bus:      bus,
		logger:   logger,
		attempts: DefaultAttempts,
		backoff:  DefaultBackoff,
	}
}

// WithRetry overrides the attempt count and the fixed backoff.
func (p *Publisher) WithRetry(attempts int, backoff time.Duration) *Publisher {
	if attempts > 0 {
		p.attempts = attempts
	}
	if backoff >= 0 {
		p.backoff = backoff
	}
	return p
}

// Publish sends ev. It never blocks on ledger confirmation; it only waits for
// the bus to accept the message. Exhausted retries yield a *DeliveryError.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	ctx, span := traces.StartSpan(ctx, "settlement.Publish",
		traces.Identifier(ev.Identifier),
		traces.Operation(string(ev.OperationType)),
	)
	defer span.End()

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode settlement event %s: %w", ev.IdempotencyKey, err)
	}

	msg := Message{
		Key:   ev.Identifier,
		Value: payload,
		Headers: map[string]string{
			"idempotency-key": ev.IdempotencyKey,
			"operation-type":  string(ev.OperationType),
			"trade-version":   strconv.FormatInt(ev.Version, 10),
		},
	}

	attempts := 0
	err = retry.DoConstant(ctx, p.attempts, p.backoff, func() error {
		attempts++
		sendErr := p.bus.Send(ctx, msg)
		if sendErr != nil {
			p.logger.Warn("settlement send attempt failed",
				"identifier", ev.Identifier,
				"operation", ev.OperationType,
				"attempt", attempts,
				"error", sendErr,
			)
		}
		return sendErr
	})
	if err != nil {
		metrics.SettlementPublishTotal.WithLabelValues(string(ev.OperationType), "failed").Inc()
		traces.Fail(span, err)
		derr := &DeliveryError{
			Identifier:     ev.Identifier,
			IdempotencyKey: ev.IdempotencyKey,
			Attempts:       attempts,
			Err:            err,
		}
		p.logger.Error("settlement event delivery failed",
			"identifier", ev.Identifier,
			"idempotencyKey", ev.IdempotencyKey,
			"operation", ev.OperationType,
			"ref", ev.Ref,
			"attempts", attempts,
			"error", err,
		)
		return derr
	}

	metrics.SettlementPublishTotal.WithLabelValues(string(ev.OperationType), "ok").Inc()
	return nil
}
