package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/p2psettle/internal/trade"
)

const (
	HardExpiryName      = "hard_expiry"
	HardExpiryReason    = "payment timeout"
	PendingExpiryReason = "offer not accepted in time"
)

// Canceller cancels a trade.
type Canceller interface {
	Cancel(ctx context.Context, id, reason string) (*trade.Trade, error)
}

// HardExpiry cancels unpaid trades whose payment deadline has passed, and
// pending trades the offer owner never accepted before that deadline.
type HardExpiry struct {
	store     Lister
	trades    Canceller
	logger    *slog.Logger
	now       func() time.Time
	batchSize int
}

// NewHardExpiry creates the hard-expiry sweeper.
func NewHardExpiry(store Lister, trades Canceller, logger *slog.Logger) *HardExpiry {
	return &HardExpiry{
		store:     store,
		trades:    trades,
		logger:    logger,
		now:       time.Now,
		batchSize: DefaultBatchSize,
	}
}

// WithClock replaces the time source.
func (h *HardExpiry) WithClock(now func() time.Time) *HardExpiry {
	h.now = now
	return h
}

// WithBatchSize sets the page size used to list due trades.
func (h *HardExpiry) WithBatchSize(n int) *HardExpiry {
	h.batchSize = batchOrDefault(n)
	return h
}

func (h *HardExpiry) Name() string { return HardExpiryName }

func (h *HardExpiry) Sweep(ctx context.Context) (Result, error) {
	now := h.now()
	cancelWith := func(reason string) func(context.Context, *trade.Trade) error {
		return func(ctx context.Context, t *trade.Trade) error {
			_, err := h.trades.Cancel(ctx, t.ID, reason)
			return err
		}
	}
	due := func(status trade.Status) trade.DueQuery {
		return trade.DueQuery{Status: status, Deadline: trade.DeadlineExpiredAt, Before: now, Limit: h.batchSize}
	}
	return runPasses(ctx, h.logger, h.store, []pass{
		{
			sweep:  HardExpiryName,
			what:   "expired unpaid trades",
			action: "cancelled expired trade",
			query:  due(trade.StatusUnpaid),
			apply:  cancelWith(HardExpiryReason),
		},
		{
			sweep:  HardExpiryName,
			what:   "expired pending trades",
			action: "cancelled unaccepted trade",
			query:  due(trade.StatusPending),
			apply:  cancelWith(PendingExpiryReason),
		},
	})
}

var _ Sweeper = (*HardExpiry)(nil)
