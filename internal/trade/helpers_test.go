package trade

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/p2psettle/internal/settlement"
)

// recordingPublisher captures published events and can be told to fail.
type recordingPublisher struct {
	mu     sync.Mutex
	events []settlement.Event
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, ev settlement.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingPublisher) ops() []settlement.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]settlement.Operation, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.OperationType
	}
	return out
}

func (r *recordingPublisher) count(op settlement.Operation) int {
	n := 0
	for _, o := range r.ops() {
		if o == op {
			n++
		}
	}
	return n
}

// testClock is a manually advanced time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService() (*Service, *MemoryStore, *recordingPublisher, *testClock) {
	store := NewMemoryStore()
	pub := &recordingPublisher{}
	clock := newTestClock()
	svc := NewService(store, pub, discardLogger()).WithClock(clock.Now)
	return svc, store, pub, clock
}

func usdtVND() CreateRequest {
	return CreateRequest{
		OfferID:         "off_1",
		BuyerID:         "u_buyer",
		SellerID:        "u_seller",
		BuyerAccountID:  "vcb01",
		SellerAccountID: "tcb02",
		TakerSide:       TakerBuy,
		CoinCurrency:    "usdt",
		FiatCurrency:    "vnd",
		CoinAmount:      decimal.RequireFromString("100"),
		FiatAmount:      decimal.RequireFromString("2350000"),
		FeeRatio:        decimal.RequireFromString("0.001"),
	}
}
