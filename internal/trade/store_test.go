package trade

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/p2psettle/internal/testutil"
)

func seedTrade(id string, status Status, created time.Time) *Trade {
	return &Trade{
		ID:             id,
		Ref:            "T" + id,
		OfferID:        "off_1",
		BuyerID:        "u_buyer",
		SellerID:       "u_seller",
		TakerSide:      TakerBuy,
		CoinCurrency:   "USDT",
		FiatCurrency:   "VND",
		CoinAmount:     decimal.RequireFromString("100"),
		FiatAmount:     decimal.RequireFromString("2350000"),
		Price:          decimal.RequireFromString("23500"),
		FeeRatio:       decimal.Zero,
		CoinTradingFee: decimal.Zero,
		Status:         status,
		CreatedAt:      created,
		ExpiredAt:      created.Add(15 * time.Minute),
		UpdatedAt:      created,
	}
}

// runStoreTests exercises the Store contract shared by every backend.
func runStoreTests(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("CreateAndGet", func(t *testing.T) {
		tr := seedTrade("trd_get_0001", StatusUnpaid, base)
		if err := store.Create(ctx, tr); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		got, err := store.Get(ctx, tr.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status != StatusUnpaid || !got.FiatAmount.Equal(tr.FiatAmount) || got.PaidAt != nil {
			t.Errorf("Round-trip mismatch: %+v", got)
		}
		if _, err := store.Get(ctx, "trd_missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		tr := seedTrade("trd_cas_0001", StatusUnpaid, base)
		_ = store.Create(ctx, tr)

		first, _ := store.Get(ctx, tr.ID)
		stale, _ := store.Get(ctx, tr.ID)

		now := base.Add(time.Minute)
		first.Status = StatusPaid
		first.PaidAt = &now
		if err := store.CompareAndSwap(ctx, first, first.Version); err != nil {
			t.Fatalf("first CAS failed: %v", err)
		}
		if first.Version != 1 {
			t.Errorf("Expected version 1, got %d", first.Version)
		}

		stale.Status = StatusCancelled
		stale.CancelledAt = &now
		if err := store.CompareAndSwap(ctx, stale, stale.Version); !errors.Is(err, ErrConflict) {
			t.Fatalf("Expected ErrConflict for stale writer, got %v", err)
		}

		got, _ := store.Get(ctx, tr.ID)
		if got.Status != StatusPaid || got.CancelledAt != nil {
			t.Errorf("Stale write leaked: %+v", got)
		}

		ghost := seedTrade("trd_ghost_001", StatusUnpaid, base)
		if err := store.CompareAndSwap(ctx, ghost, 0); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound for missing trade, got %v", err)
		}
	})

	t.Run("ListDue", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			tr := seedTrade(fmt.Sprintf("trd_due_%04d", i), StatusUnpaid, base.Add(-time.Duration(i+1)*time.Hour))
			_ = store.Create(ctx, tr)
		}
		fresh := seedTrade("trd_due_fresh", StatusUnpaid, base)
		_ = store.Create(ctx, fresh)
		paid := seedTrade("trd_due_paid", StatusPaid, base.Add(-10*time.Hour))
		_ = store.Create(ctx, paid)

		due, err := store.ListDue(ctx, DueQuery{Status: StatusUnpaid, Deadline: DeadlineExpiredAt, Before: base, Limit: 3})
		if err != nil {
			t.Fatalf("ListDue failed: %v", err)
		}
		if len(due) != 3 {
			t.Fatalf("Expected limit of 3, got %d", len(due))
		}
		// Oldest deadline first.
		if due[0].ID != "trd_due_0004" {
			t.Errorf("Expected oldest first, got %s", due[0].ID)
		}
		for i := 1; i < len(due); i++ {
			if due[i].ExpiredAt.Before(due[i-1].ExpiredAt) {
				t.Errorf("Results not ordered by deadline")
			}
		}

		// Nil deadlines never match.
		none, err := store.ListDue(ctx, DueQuery{Status: StatusPaid, Deadline: DeadlinePaidAt, Before: base, Limit: 10})
		if err != nil {
			t.Fatalf("ListDue failed: %v", err)
		}
		if len(none) != 0 {
			t.Errorf("Expected no paid trades with paid_at, got %d", len(none))
		}
	})

	t.Run("ListDueCursor", func(t *testing.T) {
		disputedAt := base.Add(-80 * time.Hour)
		for _, id := range []string{"trd_cur_b", "trd_cur_a", "trd_cur_c"} {
			tr := seedTrade(id, StatusDisputed, base.Add(-90*time.Hour))
			tr.DisputedAt = &disputedAt
			_ = store.Create(ctx, tr)
		}
		later := disputedAt.Add(time.Hour)
		acked := seedTrade("trd_cur_acked", StatusDisputed, base.Add(-90*time.Hour))
		acked.DisputedAt = &later
		acked.EscrowLockedAt = &later
		_ = store.Create(ctx, acked)

		q := DueQuery{Status: StatusDisputed, Deadline: DeadlineDisputedAt, Before: base, Limit: 2}
		var seen []string
		for {
			page, err := store.ListDue(ctx, q)
			if err != nil {
				t.Fatalf("ListDue failed: %v", err)
			}
			for _, tr := range page {
				seen = append(seen, tr.ID)
			}
			if len(page) < q.Limit {
				break
			}
			q.After = CursorAt(page[len(page)-1], DeadlineDisputedAt)
		}
		// Equal deadlines are ordered by id; every trade appears exactly once.
		want := []string{"trd_cur_a", "trd_cur_b", "trd_cur_c", "trd_cur_acked"}
		if fmt.Sprint(seen) != fmt.Sprint(want) {
			t.Errorf("Expected %v, got %v", want, seen)
		}

		locked, err := store.ListDue(ctx, DueQuery{Status: StatusDisputed, Deadline: DeadlineDisputedAt, Before: base, EscrowLocked: true})
		if err != nil {
			t.Fatalf("ListDue failed: %v", err)
		}
		if len(locked) != 1 || locked[0].ID != "trd_cur_acked" {
			t.Errorf("Expected only the acknowledged trade, got %d trades", len(locked))
		}
	})

	t.Run("Messages", func(t *testing.T) {
		tr := seedTrade("trd_msg_0001", StatusUnpaid, base)
		_ = store.Create(ctx, tr)

		for i, body := range []string{"opened", "paid", "released"} {
			m := &Message{
				ID:        fmt.Sprintf("msg_%s_%d", tr.ID, i),
				TradeID:   tr.ID,
				Kind:      MessageSystem,
				Body:      body,
				CreatedAt: base.Add(time.Duration(i) * time.Second),
			}
			if err := store.AppendMessage(ctx, m); err != nil {
				t.Fatalf("AppendMessage failed: %v", err)
			}
			if m.Seq != int64(i+1) {
				t.Errorf("Expected seq %d, got %d", i+1, m.Seq)
			}
		}

		msgs, err := store.ListMessages(ctx, tr.ID)
		if err != nil {
			t.Fatalf("ListMessages failed: %v", err)
		}
		if len(msgs) != 3 || msgs[2].Body != "released" {
			t.Errorf("Unexpected log: %+v", msgs)
		}

		orphan := &Message{ID: "msg_orphan", TradeID: "trd_missing", Kind: MessageSystem, Body: "x", CreatedAt: base}
		if err := store.AppendMessage(ctx, orphan); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound for orphan message, got %v", err)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := store.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tr := seedTrade("trd_copy_0001", StatusUnpaid, time.Now())
	_ = store.Create(ctx, tr)

	got, _ := store.Get(ctx, tr.ID)
	got.Status = StatusCancelled
	now := time.Now()
	got.CancelledAt = &now

	again, _ := store.Get(ctx, tr.ID)
	if again.Status != StatusUnpaid || again.CancelledAt != nil {
		t.Error("Mutating a returned trade must not affect the store")
	}
}

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	runStoreTests(t, NewPostgresStore(db))
}
