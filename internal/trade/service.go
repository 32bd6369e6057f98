package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/p2psettle/internal/idgen"
	"github.com/mbd888/p2psettle/internal/metrics"
	"github.com/mbd888/p2psettle/internal/settlement"
	"github.com/mbd888/p2psettle/internal/syncutil"
	"github.com/mbd888/p2psettle/internal/traces"
)

// DefaultPaymentWindow is how long a buyer has to pay when neither the
// request nor the configuration says otherwise.
const DefaultPaymentWindow = 15 * time.Minute

// publishTimeout bounds the bus hand-off that follows a committed transition.
const publishTimeout = 30 * time.Second

// EventPublisher sends settlement events to the ledger.
type EventPublisher interface {
	Publish(ctx context.Context, ev settlement.Event) error
}

// CreateRequest contains the parameters for opening a trade.
type CreateRequest struct {
	OfferID         string          `json:"offerId"`
	BuyerID         string          `json:"buyerId"`
	SellerID        string          `json:"sellerId"`
	BuyerAccountID  string          `json:"buyerAccountId"`
	SellerAccountID string          `json:"sellerAccountId"`
	TakerSide       TakerSide       `json:"takerSide"`
	CoinCurrency    string          `json:"coinCurrency"`
	FiatCurrency    string          `json:"fiatCurrency"`
	CoinAmount      decimal.Decimal `json:"coinAmount"`
	FiatAmount      decimal.Decimal `json:"fiatAmount"`
	Price           decimal.Decimal `json:"price"`
	FeeRatio        decimal.Decimal `json:"feeRatio"`
	PaymentWindow   time.Duration   `json:"paymentWindow"` // zero means the service default
}

// Service implements the trade state machine.
type Service struct {
	store     Store
	publisher EventPublisher
	logger    *slog.Logger
	locks     *syncutil.ContextShardedMutex
	now       func() time.Time

	paymentWindow            time.Duration
	requireOfferConfirmation bool
}

// NewService creates a trade service. publisher may be nil, in which case
// transitions commit without emitting settlement events.
func NewService(store Store, publisher EventPublisher, logger *slog.Logger) *Service {
	return &Service{
		store:         store,
		publisher:     publisher,
		logger:        logger,
		locks:         syncutil.NewContextShardedMutex(0),
		now:           time.Now,
		paymentWindow: DefaultPaymentWindow,
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithPaymentWindow sets the default deadline for unpaid trades.
func (s *Service) WithPaymentWindow(d time.Duration) *Service {
	if d > 0 {
		s.paymentWindow = d
	}
	return s
}

// WithOfferConfirmation makes new trades start pending until Accept.
func (s *Service) WithOfferConfirmation(required bool) *Service {
	s.requireOfferConfirmation = required
	return s
}

// Create validates req, persists the trade and asks the ledger to lock escrow.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Trade, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	window := s.paymentWindow
	if req.PaymentWindow > 0 {
		window = req.PaymentWindow
	}
	price := req.Price
	if price.IsZero() {
		price = req.FiatAmount.DivRound(req.CoinAmount, 8)
	}
	taker := req.TakerSide
	if taker == "" {
		taker = TakerBuy
	}

	now := s.now()
	t := &Trade{
		ID:              idgen.WithPrefix("trd_"),
		Ref:             idgen.Ref("T", 5),
		OfferID:         req.OfferID,
		BuyerID:         req.BuyerID,
		SellerID:        req.SellerID,
		BuyerAccountID:  req.BuyerAccountID,
		SellerAccountID: req.SellerAccountID,
		TakerSide:       taker,
		CoinCurrency:    strings.ToUpper(req.CoinCurrency),
		FiatCurrency:    strings.ToUpper(req.FiatCurrency),
		CoinAmount:      req.CoinAmount,
		FiatAmount:      req.FiatAmount,
		Price:           price,
		FeeRatio:        req.FeeRatio,
		CoinTradingFee:  req.CoinAmount.Mul(req.FeeRatio),
		Status:          StatusUnpaid,
		CreatedAt:       now,
		ExpiredAt:       now.Add(window),
		UpdatedAt:       now,
	}
	if s.requireOfferConfirmation {
		t.Status = StatusPending
	}

	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create trade record: %w", err)
	}
	metrics.TradesCreatedTotal.WithLabelValues(string(t.Status)).Inc()
	s.appendSystem(ctx, t.ID, fmt.Sprintf("trade %s opened (%s %s for %s %s)",
		t.Ref, t.CoinAmount, t.CoinCurrency, t.FiatAmount, t.FiatCurrency))

	s.logger.Info("trade created",
		"tradeId", t.ID, "ref", t.Ref, "status", t.Status,
		"coinAmount", t.CoinAmount.String(), "fiatAmount", t.FiatAmount.String(),
	)

	if t.Status == StatusUnpaid {
		s.publish(ctx, t, settlement.OpCreate, "")
	}
	return t, nil
}

func validateCreate(req CreateRequest) error {
	for name, v := range map[string]string{
		"offerId":      req.OfferID,
		"buyerId":      req.BuyerID,
		"sellerId":     req.SellerID,
		"coinCurrency": req.CoinCurrency,
		"fiatCurrency": req.FiatCurrency,
	} {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%w: %s", ErrMissingField, name)
		}
	}
	if req.BuyerID == req.SellerID {
		return ErrSameParty
	}
	if !req.CoinAmount.IsPositive() || !req.FiatAmount.IsPositive() {
		return fmt.Errorf("%w: coin and fiat amounts must be positive", ErrInvalidAmount)
	}
	if req.Price.IsNegative() || req.FeeRatio.IsNegative() || req.FeeRatio.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: price must be >= 0 and fee ratio in [0, 1)", ErrInvalidAmount)
	}
	switch req.TakerSide {
	case "", TakerBuy, TakerSell:
	default:
		return fmt.Errorf("%w: taker side %q", ErrMissingField, req.TakerSide)
	}
	return nil
}

// Accept moves a pending trade to unpaid once the offer owner confirms.
// The payment window restarts from acceptance.
func (s *Service) Accept(ctx context.Context, id string) (*Trade, error) {
	return s.transition(ctx, id, step{
		to: StatusUnpaid,
		op: settlement.OpCreate,
		apply: func(t *Trade, now time.Time) error {
			t.ExpiredAt = now.Add(t.ExpiredAt.Sub(t.CreatedAt))
			return nil
		},
		note: "offer owner accepted the trade",
	})
}

// MarkPaid records the buyer's confirmed fiat payment. Calling it on a trade
// that is already paid succeeds without side effects.
func (s *Service) MarkPaid(ctx context.Context, id string) (*Trade, error) {
	return s.transition(ctx, id, step{
		to:         StatusPaid,
		op:         settlement.OpUpdate,
		idempotent: true,
		apply: func(t *Trade, now time.Time) error {
			t.PaidAt = &now
			return nil
		},
		note: "buyer payment confirmed",
	})
}

// Release completes a paid trade and releases escrow to the buyer. The
// ledger must have acknowledged the escrow lock; that acknowledgment is
// trusted and not re-verified here. Disputed trades are released only
// through ResolveDispute.
func (s *Service) Release(ctx context.Context, id string) (*Trade, error) {
	return s.transition(ctx, id, releaseStep([]Status{StatusPaid}, ""))
}

// Cancel cancels the trade and asks the ledger to unlock escrow.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Trade, error) {
	return s.transition(ctx, id, cancelStep(nil, reason, ""))
}

// OpenDispute escalates a paid trade whose receipt was not confirmed.
func (s *Service) OpenDispute(ctx context.Context, id, reason string) (*Trade, error) {
	return s.transition(ctx, id, step{
		to:     StatusDisputed,
		op:     settlement.OpUpdate,
		reason: reason,
		apply: func(t *Trade, now time.Time) error {
			t.DisputedAt = &now
			t.DisputeReason = reason
			return nil
		},
		note: "dispute opened: " + reason,
	})
}

func releaseStep(from []Status, resolution string) step {
	return step{
		to:   StatusCompleted,
		op:   settlement.OpComplete,
		from: from,
		apply: func(t *Trade, now time.Time) error {
			if t.EscrowLockedAt == nil {
				return fmt.Errorf("release trade %s: %w", t.ID, ErrEscrowNotLocked)
			}
			t.ReleasedAt = &now
			if resolution != "" {
				t.Resolution = resolution
			}
			return nil
		},
		note: "escrow released to buyer",
	}
}

func cancelStep(from []Status, reason, resolution string) step {
	return step{
		to:     StatusCancelled,
		op:     settlement.OpCancel,
		from:   from,
		reason: reason,
		apply: func(t *Trade, now time.Time) error {
			t.CancelledAt = &now
			t.CancelReason = reason
			if resolution != "" {
				t.Resolution = resolution
			}
			return nil
		},
		note: "trade cancelled: " + reason,
	}
}

// AcknowledgeSettlement records that the ledger holds the escrow lock. It is
// idempotent and ignored once the trade is terminal.
func (s *Service) AcknowledgeSettlement(ctx context.Context, id string) (*Trade, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.EscrowLockedAt != nil || t.IsTerminal() {
		return t, nil
	}

	now := s.now()
	t.EscrowLockedAt = &now
	t.UpdatedAt = now
	if err := s.store.CompareAndSwap(ctx, t, t.Version); err != nil {
		return nil, fmt.Errorf("record escrow lock for trade %s: %w", id, err)
	}
	s.appendSystem(ctx, t.ID, "escrow lock acknowledged by ledger")
	return t, nil
}

// Republish re-sends the settlement event for the trade's current status.
// The idempotency key is unchanged, so the ledger drops it if the original
// delivery did arrive.
func (s *Service) Republish(ctx context.Context, id string) (*Trade, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var op settlement.Operation
	reason := ""
	switch t.Status {
	case StatusUnpaid:
		op = settlement.OpCreate
	case StatusPaid:
		op = settlement.OpUpdate
	case StatusDisputed:
		op, reason = settlement.OpUpdate, t.DisputeReason
	case StatusCompleted:
		op = settlement.OpComplete
	case StatusCancelled:
		op, reason = settlement.OpCancel, t.CancelReason
	default:
		return nil, fmt.Errorf("trade %s in status %s has no settlement event", id, t.Status)
	}
	if s.publisher == nil {
		return t, nil
	}
	if err := s.publisher.Publish(ctx, settlementEvent(t, op, reason)); err != nil {
		return nil, err
	}
	return t, nil
}

// Get returns a trade by ID.
func (s *Service) Get(ctx context.Context, id string) (*Trade, error) {
	return s.store.Get(ctx, id)
}

// Messages returns the trade's message log in order.
func (s *Service) Messages(ctx context.Context, id string) ([]*Message, error) {
	return s.store.ListMessages(ctx, id)
}

// PostMessage appends a party's message to the trade log.
func (s *Service) PostMessage(ctx context.Context, id, authorID, body string) (*Message, error) {
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("%w: body", ErrMissingField)
	}
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m := &Message{
		ID:        idgen.WithPrefix("msg_"),
		TradeID:   id,
		Kind:      MessageUser,
		AuthorID:  authorID,
		Body:      body,
		CreatedAt: s.now(),
	}
	if err := s.store.AppendMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// step describes one guarded transition.
type step struct {
	to         Status
	op         settlement.Operation
	from       []Status // narrows the legal sources further than the graph
	idempotent bool     // already being in `to` counts as success
	apply      func(t *Trade, now time.Time) error
	note       string
	reason     string
}

// transition commits st and then publishes its settlement event. The
// per-trade lock is released before the bus is contacted.
func (s *Service) transition(ctx context.Context, id string, st step) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.transition",
		traces.TradeID(id),
		traces.TargetStatus(string(st.to)),
	)
	defer span.End()

	t, changed, err := s.commit(ctx, id, st)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	if changed {
		s.publish(ctx, t, st.op, st.reason)
	}
	return t, nil
}

func (s *Service) commit(ctx context.Context, id string, st step) (*Trade, bool, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	// Re-read under lock; the caller's view may be stale.
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}

	if st.idempotent && t.Status == st.to {
		return t, false, nil
	}

	from := t.Status
	if !CanTransition(from, st.to) || (len(st.from) > 0 && !slices.Contains(st.from, from)) {
		metrics.TradeTransitionRejectsTotal.WithLabelValues(string(st.to), "illegal_edge").Inc()
		return nil, false, &TransitionError{TradeID: id, From: from, To: st.to}
	}

	now := s.now()
	if st.apply != nil {
		if err := st.apply(t, now); err != nil {
			metrics.TradeTransitionRejectsTotal.WithLabelValues(string(st.to), "precondition").Inc()
			return nil, false, err
		}
	}
	expected := t.Version
	t.Status = st.to
	t.UpdatedAt = now

	if err := s.store.CompareAndSwap(ctx, t, expected); err != nil {
		if errors.Is(err, ErrConflict) {
			metrics.TradeTransitionRejectsTotal.WithLabelValues(string(st.to), "conflict").Inc()
			return nil, false, &TransitionError{TradeID: id, From: from, To: st.to, Err: ErrConflict}
		}
		return nil, false, fmt.Errorf("persist trade %s: %w", id, err)
	}

	metrics.TradeTransitionsTotal.WithLabelValues(string(from), string(st.to)).Inc()
	if st.to.Terminal() {
		metrics.TradeLifetime.WithLabelValues(string(st.to)).Observe(now.Sub(t.CreatedAt).Seconds())
	}
	s.logger.Info("trade transitioned",
		"tradeId", t.ID, "ref", t.Ref, "from", from, "to", st.to, "reason", st.reason)
	s.appendSystem(ctx, t.ID, st.note)

	return t, true, nil
}

// publish hands the event to the bus. The transition is already committed:
// delivery failure is logged and written to the trade log, never rolled back.
func (s *Service) publish(ctx context.Context, t *Trade, op settlement.Operation, reason string) {
	if s.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := s.publisher.Publish(pubCtx, settlementEvent(t, op, reason)); err != nil {
		s.logger.Error("settlement event not delivered",
			"tradeId", t.ID, "ref", t.Ref, "operation", op, "error", err)
		s.appendSystem(pubCtx, t.ID, fmt.Sprintf("settlement %s delivery failed: %v", op, err))
	}
}

func (s *Service) appendSystem(ctx context.Context, tradeID, body string) {
	if body == "" {
		return
	}
	m := &Message{
		ID:        idgen.WithPrefix("msg_"),
		TradeID:   tradeID,
		Kind:      MessageSystem,
		Body:      body,
		CreatedAt: s.now(),
	}
	if err := s.store.AppendMessage(ctx, m); err != nil {
		s.logger.Warn("failed to append trade message", "tradeId", tradeID, "error", err)
	}
}
