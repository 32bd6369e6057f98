package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/p2psettle/internal/trade"
)

const (
	PolicyTimeoutName    = "policy_timeout"
	PolicyTimeoutReason  = "payment policy timeout"
	ReceiptTimeoutReason = "payment receipt not confirmed"

	DefaultUnpaidTimeout = 15 * time.Minute
	DefaultPaidTimeout   = 15 * time.Minute
)

// Escalator is what the policy sweep needs from the trade service.
type Escalator interface {
	Canceller
	OpenDispute(ctx context.Context, id, reason string) (*trade.Trade, error)
}

// PolicyTimeout enforces the platform's payment policy. Unpaid trades older
// than UnpaidTimeout are cancelled even if their own deadline is later, and
// paid trades whose receipt was not confirmed within PaidTimeout are
// escalated to a dispute.
type PolicyTimeout struct {
	store         Lister
	trades        Escalator
	logger        *slog.Logger
	now           func() time.Time
	batchSize     int
	unpaidTimeout time.Duration
	paidTimeout   time.Duration
}

// NewPolicyTimeout creates the policy-timeout sweeper with default thresholds.
func NewPolicyTimeout(store Lister, trades Escalator, logger *slog.Logger) *PolicyTimeout {
	return &PolicyTimeout{
		store:         store,
		trades:        trades,
		logger:        logger,
		now:           time.Now,
		batchSize:     DefaultBatchSize,
		unpaidTimeout: DefaultUnpaidTimeout,
		paidTimeout:   DefaultPaidTimeout,
	}
}

// WithClock replaces the time source.
func (p *PolicyTimeout) WithClock(now func() time.Time) *PolicyTimeout {
	p.now = now
	return p
}

// WithBatchSize sets the page size used by both passes.
func (p *PolicyTimeout) WithBatchSize(n int) *PolicyTimeout {
	p.batchSize = batchOrDefault(n)
	return p
}

// WithThresholds overrides the unpaid and paid timeouts. Non-positive
// values keep the current setting.
func (p *PolicyTimeout) WithThresholds(unpaid, paid time.Duration) *PolicyTimeout {
	if unpaid > 0 {
		p.unpaidTimeout = unpaid
	}
	if paid > 0 {
		p.paidTimeout = paid
	}
	return p
}

func (p *PolicyTimeout) Name() string { return PolicyTimeoutName }

// Sweep runs both passes. A list failure in one pass does not prevent the
// other from running.
func (p *PolicyTimeout) Sweep(ctx context.Context) (Result, error) {
	now := p.now()
	passes := []pass{
		{
			sweep:  PolicyTimeoutName,
			what:   "stale unpaid trades",
			action: "cancelled stale unpaid trade",
			query: trade.DueQuery{
				Status:   trade.StatusUnpaid,
				Deadline: trade.DeadlineCreatedAt,
				Before:   now.Add(-p.unpaidTimeout),
				Limit:    p.batchSize,
			},
			apply: func(ctx context.Context, t *trade.Trade) error {
				_, err := p.trades.Cancel(ctx, t.ID, PolicyTimeoutReason)
				return err
			},
		},
		{
			sweep:  PolicyTimeoutName,
			what:   "unconfirmed paid trades",
			action: "opened dispute",
			query: trade.DueQuery{
				Status:   trade.StatusPaid,
				Deadline: trade.DeadlinePaidAt,
				Before:   now.Add(-p.paidTimeout),
				Limit:    p.batchSize,
			},
			apply: func(ctx context.Context, t *trade.Trade) error {
				_, err := p.trades.OpenDispute(ctx, t.ID, ReceiptTimeoutReason)
				return err
			},
		},
	}

	return runPasses(ctx, p.logger, p.store, passes)
}

var _ Sweeper = (*PolicyTimeout)(nil)
