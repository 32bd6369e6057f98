package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/p2psettle/internal/trade"
)

const (
	DisputeExpiryName     = "dispute_expiry"
	DefaultMaxDisputeOpen = 72 * time.Hour
)

// Resolver closes disputes.
type Resolver interface {
	ResolveDispute(ctx context.Context, id string, outcome trade.Outcome) (*trade.Trade, error)
}

// DisputeExpiry resolves disputes that stayed open past maxOpen with the
// configured default outcome.
type DisputeExpiry struct {
	store     Lister
	trades    Resolver
	logger    *slog.Logger
	now       func() time.Time
	batchSize int
	maxOpen   time.Duration
	outcome   trade.Outcome
}

// NewDisputeExpiry creates the dispute-expiry sweeper. Expired disputes are
// refunded unless WithOutcome says otherwise.
func NewDisputeExpiry(store Lister, trades Resolver, logger *slog.Logger) *DisputeExpiry {
	return &DisputeExpiry{
		store:     store,
		trades:    trades,
		logger:    logger,
		now:       time.Now,
		batchSize: DefaultBatchSize,
		maxOpen:   DefaultMaxDisputeOpen,
		outcome:   trade.OutcomeRefund,
	}
}

// WithClock replaces the time source.
func (d *DisputeExpiry) WithClock(now func() time.Time) *DisputeExpiry {
	d.now = now
	return d
}

// WithBatchSize sets the page size used to list due disputes.
func (d *DisputeExpiry) WithBatchSize(n int) *DisputeExpiry {
	d.batchSize = batchOrDefault(n)
	return d
}

// WithMaxOpen sets how long a dispute may stay open.
func (d *DisputeExpiry) WithMaxOpen(max time.Duration) *DisputeExpiry {
	if max > 0 {
		d.maxOpen = max
	}
	return d
}

// WithOutcome sets the verdict applied to expired disputes.
func (d *DisputeExpiry) WithOutcome(o trade.Outcome) *DisputeExpiry {
	d.outcome = o
	return d
}

func (d *DisputeExpiry) Name() string { return DisputeExpiryName }

// Sweep resolves every dispute past maxOpen. With the release outcome only
// trades whose escrow lock was acknowledged are listed, since release is
// refused without one.
func (d *DisputeExpiry) Sweep(ctx context.Context) (Result, error) {
	return pass{
		sweep:  DisputeExpiryName,
		what:   "expired disputes",
		action: "resolved expired dispute (" + string(d.outcome) + ")",
		query: trade.DueQuery{
			Status:       trade.StatusDisputed,
			Deadline:     trade.DeadlineDisputedAt,
			Before:       d.now().Add(-d.maxOpen),
			EscrowLocked: d.outcome == trade.OutcomeRelease,
			Limit:        d.batchSize,
		},
		apply: func(ctx context.Context, t *trade.Trade) error {
			_, err := d.trades.ResolveDispute(ctx, t.ID, d.outcome)
			return err
		},
	}.run(ctx, d.logger, d.store)
}

var _ Sweeper = (*DisputeExpiry)(nil)
