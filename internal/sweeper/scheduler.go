package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mbd888/p2psettle/internal/idgen"
	"github.com/mbd888/p2psettle/internal/lease"
	"github.com/mbd888/p2psettle/internal/logging"
	"github.com/mbd888/p2psettle/internal/metrics"
	"github.com/mbd888/p2psettle/internal/traces"
)

var (
	ErrUnknownSweep = errors.New("unknown sweep")
	ErrLeaseHeld    = errors.New("sweep already running elsewhere")
	ErrDuplicate    = errors.New("sweep already registered")
)

// minLeaseTTL keeps short intervals from producing leases that expire
// before a normal run finishes.
const minLeaseTTL = 30 * time.Second

type entry struct {
	sweeper  Sweeper
	every    time.Duration
	leaseTTL time.Duration
	id       cron.EntryID
}

// Scheduler runs registered sweepers on fixed intervals. Within a process
// a sweep never overlaps itself; across processes the lease keeps one
// replica per sweep name running at a time.
type Scheduler struct {
	cron    *cron.Cron
	lease   lease.Lease
	logger  *slog.Logger
	mu      sync.RWMutex
	entries map[string]*entry
	running atomic.Bool
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler. A nil lease disables the cross-process
// guard.
func NewScheduler(l lease.Lease, logger *slog.Logger) *Scheduler {
	cl := logging.CronLogger(logger)
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.SkipIfStillRunning(cl))),
		lease:   l,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Add registers sw to run every interval.
func (s *Scheduler) Add(sw Sweeper, every time.Duration) error {
	if every <= 0 {
		return fmt.Errorf("sweep %s: interval must be positive", sw.Name())
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	name := sw.Name()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	e := &entry{sweeper: sw, every: every, leaseTTL: max(every, minLeaseTTL)}

	id, err := s.cron.AddFunc("@every "+every.String(), func() {
		_, _ = s.run(s.context(), e)
	})
	if err != nil {
		return fmt.Errorf("schedule sweep %s: %w", name, err)
	}
	e.id = id
	s.entries[name] = e
	return nil
}

// Start begins scheduling. Runs use a context derived from ctx that is
// cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.running.Store(true)
	s.cron.Start()

	names := s.Names()
	s.logger.Info("sweep scheduler started", "sweeps", names)
}

// Stop halts scheduling and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	if !s.running.Swap(false) {
		return
	}
	done := s.cron.Stop()

	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	// In-flight runs finish the trade they are on and return before the next.
	if cancel != nil {
		cancel()
	}
	<-done.Done()
	s.logger.Info("sweep scheduler stopped")
}

// Running reports whether the scheduler is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Names returns the registered sweep names in order.
func (s *Scheduler) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.entries))
	for n := range s.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RunOnce runs the named sweep immediately, subject to the same lease as
// scheduled runs.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (Result, error) {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownSweep, name)
	}
	return s.run(ctx, e)
}

func (s *Scheduler) context() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.baseCtx == nil {
		return context.Background()
	}
	return s.baseCtx
}

func (s *Scheduler) run(ctx context.Context, e *entry) (res Result, err error) {
	name := e.sweeper.Name()
	logger := s.logger.With("sweep", name, "runId", idgen.Hex(6))

	if s.lease != nil {
		release, ok, lerr := s.lease.Acquire(ctx, name, e.leaseTTL)
		switch {
		case lerr != nil:
			// Duplicate runs are safe; a missed run is not.
			logger.Warn("sweep lease unavailable, running without it", "error", lerr)
		case !ok:
			metrics.SweepRunsTotal.WithLabelValues(name, "lease_held").Inc()
			logger.Debug("sweep lease held elsewhere, skipping run")
			return Result{}, ErrLeaseHeld
		default:
			defer release()
		}
	}

	ctx, span := traces.StartSpan(ctx, "sweeper.run", traces.Sweep(name))
	defer span.End()

	start := time.Now()
	defer func() {
		outcome := "ok"
		if r := recover(); r != nil {
			outcome = "panic"
			err = fmt.Errorf("sweep %s panicked: %v", name, r)
			logger.Error("panic in sweep", "panic", fmt.Sprint(r))
		} else if err != nil {
			outcome = "error"
		}
		if err != nil {
			traces.Fail(span, err)
		}
		metrics.SweepRunsTotal.WithLabelValues(name, outcome).Inc()
		metrics.SweepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	res, err = e.sweeper.Sweep(ctx)
	if err != nil {
		logger.Warn("sweep run failed", "error", err,
			"scanned", res.Scanned, "processed", res.Processed, "failed", res.Failed)
		return res, err
	}
	if res.Scanned > 0 {
		logger.Info("sweep run complete",
			"scanned", res.Scanned, "processed", res.Processed,
			"skipped", res.Skipped, "failed", res.Failed,
			"duration", time.Since(start))
	}
	return res, nil
}
