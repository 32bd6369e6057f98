// Package sweeper runs the periodic timeout supervisors that move stale
// trades forward: unpaid trades are cancelled, unconfirmed payments are
// escalated to disputes, and disputes left open too long are resolved.
//
// Sweepers are stateless. Every run re-lists due trades from the store and
// drives each one through trade.Service, so a trade that changed since it
// was listed is skipped by the state machine rather than by the sweeper.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/p2psettle/internal/metrics"
	"github.com/mbd888/p2psettle/internal/trade"
)

// DefaultBatchSize caps how many trades one page of a listing returns.
const DefaultBatchSize = 100

// Sweeper is one named periodic job.
type Sweeper interface {
	Name() string
	Sweep(ctx context.Context) (Result, error)
}

// Result tallies what one sweep run did.
type Result struct {
	Scanned   int `json:"scanned"`
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

func (r *Result) add(o Result) {
	r.Scanned += o.Scanned
	r.Processed += o.Processed
	r.Skipped += o.Skipped
	r.Failed += o.Failed
}

// Lister is the read side a sweeper needs from the trade store.
type Lister interface {
	ListDue(ctx context.Context, q trade.DueQuery) ([]*trade.Trade, error)
}

// pass is one listing a sweep works through.
type pass struct {
	sweep  string
	what   string
	action string
	query  trade.DueQuery
	apply  func(ctx context.Context, t *trade.Trade) error
}

// run pages through every trade the query matches in one go. Each page
// resumes after the last trade listed, so trades that keep failing never
// hide the ones behind them.
func (p pass) run(ctx context.Context, logger *slog.Logger, store Lister) (Result, error) {
	var total Result
	q := p.query
	for {
		page, err := store.ListDue(ctx, q)
		if err != nil {
			return total, fmt.Errorf("list %s: %w", p.what, err)
		}
		res, err := process(ctx, logger, p.sweep, p.action, page, p.apply)
		total.add(res)
		if err != nil {
			return total, err
		}
		if len(page) == 0 || len(page) < q.Limit || q.Limit <= 0 {
			return total, nil
		}
		q.After = trade.CursorAt(page[len(page)-1], q.Deadline)
	}
}

// runPasses runs every pass in order. A list failure in one pass does not
// prevent the others from running; cancellation stops them all.
func runPasses(ctx context.Context, logger *slog.Logger, store Lister, passes []pass) (Result, error) {
	var total Result
	var errs []error
	for _, p := range passes {
		res, err := p.run(ctx, logger, store)
		total.add(res)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return total, ctxErr
			}
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// process applies fn to every trade independently. A failure on one trade
// is logged and counted; it never stops the rest of the batch. Trades that
// moved on or disappeared since listing count as skips.
func process(ctx context.Context, logger *slog.Logger, sweep, action string, due []*trade.Trade, fn func(ctx context.Context, t *trade.Trade) error) (Result, error) {
	res := Result{Scanned: len(due)}
	for _, t := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		err := fn(ctx, t)
		switch {
		case err == nil:
			res.Processed++
			metrics.SweepItemsTotal.WithLabelValues(sweep, "processed").Inc()
			logger.Info("sweep "+action, "sweep", sweep, "tradeId", t.ID, "ref", t.Ref)
		case errors.Is(err, trade.ErrInvalidTransition), errors.Is(err, trade.ErrNotFound):
			res.Skipped++
			metrics.SweepItemsTotal.WithLabelValues(sweep, "skipped").Inc()
			logger.Debug("sweep skipped trade", "sweep", sweep, "tradeId", t.ID, "ref", t.Ref, "reason", err)
		default:
			res.Failed++
			metrics.SweepItemsTotal.WithLabelValues(sweep, "failed").Inc()
			logger.Warn("sweep failed on trade", "sweep", sweep, "tradeId", t.ID, "ref", t.Ref, "error", err)
		}
	}
	return res, nil
}

func batchOrDefault(n int) int {
	if n <= 0 {
		return DefaultBatchSize
	}
	return n
}
