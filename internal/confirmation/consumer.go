package confirmation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mbd888/p2psettle/internal/logging"
	"github.com/mbd888/p2psettle/internal/metrics"
	"github.com/mbd888/p2psettle/internal/retry"
	"github.com/mbd888/p2psettle/internal/trade"
)

const (
	DefaultWorkers       = 4
	defaultApplyDelay    = 200 * time.Millisecond
	defaultApplyMaxDelay = 30 * time.Second
)

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config describes where confirmations come from.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
	Workers int
}

// NewKafkaReader builds a consumer-group reader for cfg.
func NewKafkaReader(cfg Config) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 1 << 20,
		MaxWait:  500 * time.Millisecond,
	})
}

// Consumer reads confirmations from the bus and applies them to trades.
// Each partition is served by one worker in offset order, and a message
// that cannot be applied is retried until it succeeds or the consumer
// stops. Commits are cumulative per partition, so nothing later on that
// partition is committed while an earlier message is still pending.
type Consumer struct {
	reader        Reader
	sink          Sink
	logger        *slog.Logger
	workers       []chan kafka.Message
	wg            sync.WaitGroup
	applyDelay    time.Duration
	applyMaxDelay time.Duration
}

// NewConsumer creates a consumer with the given worker count.
func NewConsumer(reader Reader, sink Sink, workers int, logger *slog.Logger) *Consumer {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	c := &Consumer{
		reader:        reader,
		sink:          sink,
		logger:        logger,
		workers:       make([]chan kafka.Message, workers),
		applyDelay:    defaultApplyDelay,
		applyMaxDelay: defaultApplyMaxDelay,
	}
	for i := range c.workers {
		c.workers[i] = make(chan kafka.Message, 2)
	}
	return c
}

// Start runs until ctx is cancelled, then drains the workers and closes
// the reader.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("confirmation consumer started", "workers", len(c.workers))

	for i, ch := range c.workers {
		c.wg.Add(1)
		go c.worker(ctx, i+1, ch)
	}

	c.readMessages(ctx)

	for _, ch := range c.workers {
		close(ch)
	}
	c.wg.Wait()

	if err := c.reader.Close(); err != nil {
		c.logger.Error("error closing confirmation reader", "error", err)
		return err
	}
	c.logger.Info("confirmation consumer shut down cleanly")
	return nil
}

func (c *Consumer) readMessages(ctx context.Context) {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("error fetching confirmation", "error", err)
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		select {
		case c.workers[c.route(m)] <- m:
		case <-ctx.Done():
			return
		}
	}
}

// route picks a worker by partition. The settlement identifier is the
// message key, so one trade's confirmations share a partition and a worker.
func (c *Consumer) route(m kafka.Message) int {
	return m.Partition % len(c.workers)
}

func (c *Consumer) worker(ctx context.Context, id int, ch <-chan kafka.Message) {
	defer c.wg.Done()
	// Partitions with a message left unapplied at shutdown. Later offsets
	// must stay uncommitted so the pending one is redelivered.
	stalled := make(map[int]bool)
	for m := range ch {
		if stalled[m.Partition] {
			continue
		}
		if !c.Handle(ctx, m) {
			stalled[m.Partition] = true
			continue
		}
		// Commits outlive shutdown so a handled message is not redelivered.
		commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := c.reader.CommitMessages(commitCtx, m); err != nil {
			c.logger.Error("error committing confirmation",
				"worker", id, "partition", m.Partition, "offset", m.Offset, "error", err)
		}
		cancel()
	}
}

// Handle applies one message and reports whether its offset should be
// committed. Malformed messages and unknown trades are committed so they
// never block the partition; duplicates are committed as no-ops. Any other
// failure is retried with backoff until it succeeds or ctx is done, in
// which case the message stays uncommitted.
func (c *Consumer) Handle(ctx context.Context, m kafka.Message) bool {
	msg, tradeID, err := Decode(m.Value)
	if err != nil {
		metrics.ConfirmationsTotal.WithLabelValues("unknown", "malformed").Inc()
		c.logger.Warn("dropping malformed confirmation",
			"partition", m.Partition, "offset", m.Offset, "error", err)
		return true
	}

	ctx = logging.WithTradeID(logging.WithLogger(ctx, c.logger), tradeID)
	logger := logging.L(ctx)
	typ := string(msg.Type)

	err = retry.Forever(ctx, c.applyDelay, c.applyMaxDelay, func(attempt int) error {
		err := Apply(ctx, c.sink, msg.Type, tradeID)
		if err == nil {
			return nil
		}
		if errors.Is(err, trade.ErrNotFound) || errors.Is(err, trade.ErrInvalidTransition) {
			return retry.Permanent(err)
		}
		metrics.ConfirmationsTotal.WithLabelValues(typ, "retried").Inc()
		logger.Warn("confirmation failed, retrying", "type", typ, "attempt", attempt,
			"partition", m.Partition, "offset", m.Offset, "error", err)
		return err
	})

	switch {
	case err == nil:
		metrics.ConfirmationsTotal.WithLabelValues(typ, "applied").Inc()
		logger.Info("confirmation applied", "type", typ)
		return true
	case errors.Is(err, trade.ErrInvalidTransition):
		metrics.ConfirmationsTotal.WithLabelValues(typ, "duplicate").Inc()
		logger.Info("confirmation not applicable", "type", typ, "reason", err)
		return true
	case errors.Is(err, trade.ErrNotFound):
		metrics.ConfirmationsTotal.WithLabelValues(typ, "not_found").Inc()
		logger.Warn("confirmation for unknown trade", "type", typ)
		return true
	default:
		metrics.ConfirmationsTotal.WithLabelValues(typ, "failed").Inc()
		logger.Warn("confirmation left uncommitted for redelivery", "type", typ,
			"partition", m.Partition, "offset", m.Offset, "error", err)
		return false
	}
}
