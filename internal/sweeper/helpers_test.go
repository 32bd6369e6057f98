package sweeper

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/p2psettle/internal/settlement"
	"github.com/mbd888/p2psettle/internal/trade"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
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

type fixture struct {
	clock  *testClock
	store  *trade.MemoryStore
	bus    *settlement.MemoryBus
	svc    *trade.Service
	logger *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &testClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	store := trade.NewMemoryStore()
	bus := settlement.NewMemoryBus()
	pub := settlement.NewPublisher(bus, logger).WithRetry(1, 0)
	svc := trade.NewService(store, pub, logger).WithClock(clock.Now)
	return &fixture{clock: clock, store: store, bus: bus, svc: svc, logger: logger}
}

// open creates the 100 USDT for 2,350,000 VND trade used throughout.
func (f *fixture) open(t *testing.T, window time.Duration) *trade.Trade {
	t.Helper()
	tr, err := f.svc.Create(context.Background(), trade.CreateRequest{
		OfferID:         "off_vnd_1",
		BuyerID:         "u_buyer",
		SellerID:        "u_seller",
		BuyerAccountID:  "vcb01",
		SellerAccountID: "tcb02",
		CoinCurrency:    "USDT",
		FiatCurrency:    "VND",
		CoinAmount:      decimal.NewFromInt(100),
		FiatAmount:      decimal.NewFromInt(2350000),
		PaymentWindow:   window,
	})
	require.NoError(t, err)
	return tr
}

func (f *fixture) get(t *testing.T, id string) *trade.Trade {
	t.Helper()
	tr, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return tr
}

func (f *fixture) ops() []string {
	var out []string
	for _, m := range f.bus.Messages() {
		out = append(out, m.Headers["operation-type"])
	}
	return out
}
