package confirmation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/p2psettle/internal/trade"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantID  string
		wantErr bool
	}{
		{"trade id", `{"type":"payment_confirmed","tradeId":"trd_1"}`, "trd_1", false},
		{"identifier", `{"type":"settlement_acknowledged","identifier":"trade-trd_2"}`, "trd_2", false},
		{"trade id wins", `{"type":"payment_confirmed","tradeId":"trd_3","identifier":"trade-trd_x"}`, "trd_3", false},
		{"bad json", `{"type":`, "", true},
		{"unknown type", `{"type":"refund_requested","tradeId":"trd_1"}`, "", true},
		{"bad identifier", `{"type":"payment_confirmed","identifier":"offer-1"}`, "", true},
		{"no reference", `{"type":"payment_confirmed"}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, id, err := Decode([]byte(tt.payload))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

// scriptedSink returns queued errors per trade, then nil.
type scriptedSink struct {
	mu    sync.Mutex
	errs  map[string][]error
	calls []string
}

func (s *scriptedSink) next(kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, kind+":"+id)
	q := s.errs[id]
	if len(q) == 0 {
		return nil
	}
	s.errs[id] = q[1:]
	return q[0]
}

func (s *scriptedSink) PaymentConfirmed(_ context.Context, id string) error {
	return s.next("paid", id)
}

func (s *scriptedSink) SettlementAcknowledged(_ context.Context, id string) error {
	return s.next("ack", id)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func msg(value string) kafka.Message {
	return kafka.Message{Value: []byte(value)}
}

func failures(n int) []error {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = errors.New("db down")
	}
	return errs
}

func (s *scriptedSink) count(call string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == call {
			n++
		}
	}
	return n
}

func newTestConsumer(reader Reader, sink Sink, workers int) *Consumer {
	c := NewConsumer(reader, sink, workers, quietLogger())
	c.applyDelay = time.Millisecond
	c.applyMaxDelay = 5 * time.Millisecond
	return c
}

func TestHandle_CommitDecisions(t *testing.T) {
	sink := &scriptedSink{errs: map[string][]error{
		"trd_dup":   {&trade.TransitionError{TradeID: "trd_dup", From: trade.StatusCancelled, To: trade.StatusPaid}},
		"trd_gone":  {trade.ErrNotFound},
		"trd_down":  failures(10000),
		"trd_flaky": failures(5),
	}}
	c := newTestConsumer(nil, sink, 1)
	ctx := context.Background()

	assert.True(t, c.Handle(ctx, msg(`{"type":"payment_confirmed","tradeId":"trd_ok"}`)), "applied")
	assert.True(t, c.Handle(ctx, msg(`not json`)), "malformed is committed")
	assert.True(t, c.Handle(ctx, msg(`{"type":"payment_confirmed","tradeId":"trd_dup"}`)), "duplicate is committed")
	assert.True(t, c.Handle(ctx, msg(`{"type":"payment_confirmed","tradeId":"trd_gone"}`)), "unknown trade is committed")
	assert.True(t, c.Handle(ctx, msg(`{"type":"settlement_acknowledged","tradeId":"trd_flaky"}`)), "retried until applied")

	downCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.False(t, c.Handle(downCtx, msg(`{"type":"payment_confirmed","tradeId":"trd_down"}`)), "stays uncommitted once stopped")

	assert.Equal(t, 1, sink.count("paid:trd_dup"), "benign errors are not retried")
	assert.Equal(t, 6, sink.count("ack:trd_flaky"))
	assert.GreaterOrEqual(t, sink.count("paid:trd_down"), 2)
}

// fakeReader serves queued messages then blocks until ctx is done.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []kafka.Message
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) committedOffsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for _, m := range r.committed {
		out = append(out, m.Offset)
	}
	return out
}

func TestConsumer_EndToEnd(t *testing.T) {
	logger := quietLogger()
	store := trade.NewMemoryStore()
	svc := trade.NewService(store, nil, logger)
	ctx := context.Background()

	tr, err := svc.Create(ctx, trade.CreateRequest{
		OfferID:      "off_1",
		BuyerID:      "u_buyer",
		SellerID:     "u_seller",
		CoinCurrency: "USDT",
		FiatCurrency: "VND",
		CoinAmount:   decimal.NewFromInt(100),
		FiatAmount:   decimal.NewFromInt(2350000),
	})
	require.NoError(t, err)

	key := []byte("trade-" + tr.ID)
	reader := &fakeReader{queue: []kafka.Message{
		{Key: key, Offset: 1, Value: []byte(`{"type":"settlement_acknowledged","identifier":"trade-` + tr.ID + `"}`)},
		{Key: key, Offset: 2, Value: []byte(`{"type":"payment_confirmed","tradeId":"` + tr.ID + `"}`)},
		{Key: key, Offset: 3, Value: []byte(`{"type":"payment_confirmed","tradeId":"` + tr.ID + `"}`)},
		{Offset: 4, Value: []byte(`garbage`)},
	}}

	c := NewConsumer(reader, NewServiceSink(svc), 3, logger)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.Start(runCtx) }()

	require.Eventually(t, func() bool { return len(reader.committedOffsets()) == 4 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.True(t, reader.closed)

	got, err := svc.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusPaid, got.Status)
	assert.NotNil(t, got.EscrowLockedAt)
}

func TestConsumer_RetriesUntilAppliedBeforeCommittingLaterOffsets(t *testing.T) {
	sink := &scriptedSink{errs: map[string][]error{"trd_a": failures(5)}}
	reader := &fakeReader{queue: []kafka.Message{
		{Partition: 0, Offset: 10, Key: []byte("trade-trd_a"), Value: []byte(`{"type":"payment_confirmed","tradeId":"trd_a"}`)},
		{Partition: 0, Offset: 11, Key: []byte("trade-trd_b"), Value: []byte(`{"type":"payment_confirmed","tradeId":"trd_b"}`)},
	}}
	c := newTestConsumer(reader, sink, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool { return len(reader.committedOffsets()) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{10, 11}, reader.committedOffsets())
	assert.Equal(t, 6, sink.count("paid:trd_a"))
	assert.Equal(t, 1, sink.count("paid:trd_b"))
}

func TestConsumer_ShutdownLeavesFailedPartitionUncommitted(t *testing.T) {
	sink := &scriptedSink{errs: map[string][]error{"trd_a": failures(10000)}}
	reader := &fakeReader{queue: []kafka.Message{
		{Partition: 0, Offset: 10, Value: []byte(`{"type":"payment_confirmed","tradeId":"trd_a"}`)},
		{Partition: 0, Offset: 11, Value: []byte(`{"type":"payment_confirmed","tradeId":"trd_b"}`)},
		{Partition: 1, Offset: 7, Value: []byte(`{"type":"payment_confirmed","tradeId":"trd_c"}`)},
	}}
	c := newTestConsumer(reader, sink, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool {
		return sink.count("paid:trd_a") >= 3 && len(reader.committedOffsets()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	// Partition 1 moved on; partition 0 committed nothing past the failure.
	assert.Equal(t, []int64{7}, reader.committedOffsets())
	assert.Zero(t, sink.count("paid:trd_b"))
}

func TestConsumer_RoutesPartitionToOneWorker(t *testing.T) {
	c := NewConsumer(nil, &scriptedSink{}, 4, quietLogger())
	first := c.route(kafka.Message{Key: []byte("trade-trd_abc"), Partition: 6})
	for i := 0; i < 10; i++ {
		m := kafka.Message{Key: []byte(fmt.Sprintf("trade-trd_%d", i)), Partition: 6}
		assert.Equal(t, first, c.route(m))
	}
	assert.NotEqual(t, c.route(kafka.Message{Partition: 1}), c.route(kafka.Message{Partition: 2}))
}
