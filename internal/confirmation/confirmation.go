// Package confirmation applies inbound payment and settlement confirmations
// to trades.
package confirmation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/p2psettle/internal/keys"
	"github.com/mbd888/p2psettle/internal/trade"
)

// Type is the kind of confirmation carried by a Message.
type Type string

const (
	PaymentConfirmed       Type = "payment_confirmed"
	SettlementAcknowledged Type = "settlement_acknowledged"
)

// ErrMalformed marks a message that can never be applied.
var ErrMalformed = errors.New("malformed confirmation")

// Message is the inbound wire format. Either TradeID or Identifier
// ("trade-<id>") names the trade.
type Message struct {
	Type       Type   `json:"type"`
	TradeID    string `json:"tradeId"`
	Identifier string `json:"identifier"`
}

// Decode parses and validates a confirmation payload.
func Decode(data []byte) (Message, string, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return m, "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch m.Type {
	case PaymentConfirmed, SettlementAcknowledged:
	default:
		return m, "", fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Type)
	}

	id := strings.TrimSpace(m.TradeID)
	if id == "" && m.Identifier != "" {
		parsed, ok := keys.ParseTradeIdentifier(m.Identifier)
		if !ok {
			return m, "", fmt.Errorf("%w: bad identifier %q", ErrMalformed, m.Identifier)
		}
		id = parsed
	}
	if id == "" {
		return m, "", fmt.Errorf("%w: no trade reference", ErrMalformed)
	}
	return m, id, nil
}

// Sink receives confirmations from the outside world.
type Sink interface {
	PaymentConfirmed(ctx context.Context, tradeID string) error
	SettlementAcknowledged(ctx context.Context, tradeID string) error
}

// TradeService is the part of trade.Service a Sink drives.
type TradeService interface {
	MarkPaid(ctx context.Context, id string) (*trade.Trade, error)
	AcknowledgeSettlement(ctx context.Context, id string) (*trade.Trade, error)
}

// ServiceSink adapts a trade service to Sink.
type ServiceSink struct {
	trades TradeService
}

// NewServiceSink wraps trades.
func NewServiceSink(trades TradeService) *ServiceSink {
	return &ServiceSink{trades: trades}
}

func (s *ServiceSink) PaymentConfirmed(ctx context.Context, tradeID string) error {
	_, err := s.trades.MarkPaid(ctx, tradeID)
	return err
}

func (s *ServiceSink) SettlementAcknowledged(ctx context.Context, tradeID string) error {
	_, err := s.trades.AcknowledgeSettlement(ctx, tradeID)
	return err
}

var _ Sink = (*ServiceSink)(nil)

// Apply routes one decoded confirmation to sink.
func Apply(ctx context.Context, sink Sink, typ Type, tradeID string) error {
	switch typ {
	case PaymentConfirmed:
		return sink.PaymentConfirmed(ctx, tradeID)
	case SettlementAcknowledged:
		return sink.SettlementAcknowledged(ctx, tradeID)
	}
	return fmt.Errorf("%w: unknown type %q", ErrMalformed, typ)
}
