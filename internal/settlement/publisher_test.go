package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func sampleEvent() Event {
	paid := time.Unix(1700000100, 0)
	return Event{
		Identifier:       "trade-trd_1",
		IdempotencyKey:   "trade-trd_1:trade-update:paid",
		OperationType:    OpUpdate,
		ActionID:         "trd_1",
		Ref:              "T1A2B3",
		BuyerAccountKey:  "buyer-fiat-acc1",
		SellerAccountKey: "seller-fiat-acc2",
		OfferKey:         "offer-off_1",
		CoinCurrency:     "USDT",
		FiatCurrency:     "VND",
		CoinAmount:       decimal.RequireFromString("100"),
		FiatAmount:       decimal.RequireFromString("2350000"),
		Price:            decimal.RequireFromString("23500"),
		Status:           "paid",
		PaidAt:           Epoch(&paid),
		CreatedAt:        1700000000,
		Version:          2,
	}
}

func TestPublish_EncodesWireFormat(t *testing.T) {
	bus := NewMemoryBus()
	p := NewPublisher(bus, testLogger()).WithRetry(3, 0)

	require.NoError(t, p.Publish(context.Background(), sampleEvent()))

	msgs := bus.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "trade-trd_1", msgs[0].Key)
	assert.Equal(t, "trade-trd_1:trade-update:paid", msgs[0].Headers["idempotency-key"])
	assert.Equal(t, "trade-update", msgs[0].Headers["operation-type"])
	assert.Equal(t, "2", msgs[0].Headers["trade-version"])

	var wire map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Value, &wire))
	// Monetary fields are strings, never JSON numbers.
	assert.Equal(t, "100", wire["coinAmount"])
	assert.Equal(t, "2350000", wire["fiatAmount"])
	assert.Equal(t, "23500", wire["price"])
	assert.Equal(t, float64(1700000100), wire["paidAt"])
	assert.Nil(t, wire["cancelledAt"])
	assert.Equal(t, "trd_1", wire["actionId"])
}

func TestPublish_RetriesThenSucceeds(t *testing.T) {
	bus := NewMemoryBus()
	bus.FailNext(2, errors.New("broker unavailable"))
	p := NewPublisher(bus, testLogger()).WithRetry(3, time.Millisecond)

	require.NoError(t, p.Publish(context.Background(), sampleEvent()))
	assert.Len(t, bus.Messages(), 1)
}

func TestPublish_ExhaustedRetriesIsDeliveryFailure(t *testing.T) {
	bus := NewMemoryBus()
	cause := errors.New("broker unavailable")
	bus.FailNext(5, cause)
	p := NewPublisher(bus, testLogger()).WithRetry(3, time.Millisecond)

	err := p.Publish(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeliveryFailure)
	assert.ErrorIs(t, err, cause)

	var derr *DeliveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, 3, derr.Attempts)
	assert.Equal(t, "trade-trd_1", derr.Identifier)
	assert.Empty(t, bus.Messages())
}

func TestMemoryBus_Deduplicated(t *testing.T) {
	bus := NewMemoryBus()
	p := NewPublisher(bus, testLogger()).WithRetry(1, 0)
	ctx := context.Background()

	ev := sampleEvent()
	require.NoError(t, p.Publish(ctx, ev))
	require.NoError(t, p.Publish(ctx, ev)) // redelivery

	ev.IdempotencyKey = "trade-trd_1:trade-cancel:cancelled"
	ev.OperationType = OpCancel
	require.NoError(t, p.Publish(ctx, ev))

	assert.Len(t, bus.Messages(), 3)
	assert.Len(t, bus.Deduplicated(), 2)
}
