// Package trade owns the P2P trade aggregate and its state machine.
//
// Lifecycle:
//  1. Trade created → unpaid (or pending while the offer owner confirms);
//     the ledger is asked to lock the seller's coin in escrow
//  2. Buyer's fiat payment is confirmed → paid
//  3. Payee confirms receipt → completed, escrow released to the buyer
//  4. Receipt never confirmed → disputed, resolved by release or refund
//  5. Payment never arrives → cancelled, escrow unlocked
//
// Service is the only writer of Status. Every transition re-reads the trade
// under a per-trade lock and commits with a version compare-and-swap, so
// sweepers and confirmation consumers racing on one trade produce exactly
// one winner.
package trade

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("trade not found")
	ErrInvalidTransition = errors.New("invalid trade transition")
	ErrConflict          = errors.New("trade modified concurrently")
	ErrEscrowNotLocked   = errors.New("escrow lock not acknowledged by ledger")
	ErrInvalidOutcome    = errors.New("invalid dispute outcome")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrSameParty         = errors.New("buyer and seller must differ")
	ErrMissingField      = errors.New("missing required field")
)

// Status is the trade lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"   // Waiting for the offer owner
	StatusUnpaid    Status = "unpaid"    // Escrow lock requested, awaiting fiat payment
	StatusPaid      Status = "paid"      // Fiat payment confirmed
	StatusDisputed  Status = "disputed"  // Receipt not confirmed, awaiting resolution
	StatusCancelled Status = "cancelled" // Escrow unlocked back to the seller
	StatusCompleted Status = "completed" // Escrow released to the buyer
)

// transitions is the complete graph. Nothing outside CanTransition consults
// status pairs.
var transitions = map[Status][]Status{
	StatusPending:  {StatusUnpaid, StatusCancelled},
	StatusUnpaid:   {StatusPaid, StatusCancelled},
	StatusPaid:     {StatusCompleted, StatusDisputed},
	StatusDisputed: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether from → to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusUnpaid, StatusPaid, StatusDisputed, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ParseStatus converts a stored status string.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown trade status %q", s)
	}
	return st, nil
}

// TakerSide is which party took the offer.
type TakerSide string

const (
	TakerBuy  TakerSide = "buy"
	TakerSell TakerSide = "sell"
)

// Trade is the aggregate root.
type Trade struct {
	ID      string `json:"id"`
	Ref     string `json:"ref"`
	OfferID string `json:"offerId"`

	BuyerID         string    `json:"buyerId"`
	SellerID        string    `json:"sellerId"`
	BuyerAccountID  string    `json:"buyerAccountId"`
	SellerAccountID string    `json:"sellerAccountId"`
	TakerSide       TakerSide `json:"takerSide"`

	CoinCurrency   string          `json:"coinCurrency"`
	FiatCurrency   string          `json:"fiatCurrency"`
	CoinAmount     decimal.Decimal `json:"coinAmount"`
	FiatAmount     decimal.Decimal `json:"fiatAmount"`
	Price          decimal.Decimal `json:"price"`
	FeeRatio       decimal.Decimal `json:"feeRatio"`
	CoinTradingFee decimal.Decimal `json:"coinTradingFee"`

	PaymentProofStatus string `json:"paymentProofStatus,omitempty"`
	HasPaymentProof    bool   `json:"hasPaymentProof"`

	Status        Status `json:"status"`
	CancelReason  string `json:"cancelReason,omitempty"`
	DisputeReason string `json:"disputeReason,omitempty"`
	Resolution    string `json:"resolution,omitempty"`

	CreatedAt      time.Time  `json:"createdAt"`
	ExpiredAt      time.Time  `json:"expiredAt"`
	PaidAt         *time.Time `json:"paidAt,omitempty"`
	DisputedAt     *time.Time `json:"disputedAt,omitempty"`
	ReleasedAt     *time.Time `json:"releasedAt,omitempty"`
	CancelledAt    *time.Time `json:"cancelledAt,omitempty"`
	EscrowLockedAt *time.Time `json:"escrowLockedAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`

	// Version increments on every committed write.
	Version int64 `json:"version"`
}

// IsTerminal returns true if the trade is completed or cancelled.
func (t *Trade) IsTerminal() bool {
	return t.Status.Terminal()
}

// Clone returns a copy that shares no pointers with t.
func (t *Trade) Clone() *Trade {
	cp := *t
	cp.PaidAt = cloneTime(t.PaidAt)
	cp.DisputedAt = cloneTime(t.DisputedAt)
	cp.ReleasedAt = cloneTime(t.ReleasedAt)
	cp.CancelledAt = cloneTime(t.CancelledAt)
	cp.EscrowLockedAt = cloneTime(t.EscrowLockedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// MessageKind distinguishes audit entries written by the system from
// messages posted by the parties.
type MessageKind string

const (
	MessageSystem MessageKind = "system"
	MessageUser   MessageKind = "user"
)

// Message is one entry of a trade's append-only log.
type Message struct {
	ID        string      `json:"id"`
	TradeID   string      `json:"tradeId"`
	Seq       int64       `json:"seq"`
	Kind      MessageKind `json:"kind"`
	AuthorID  string      `json:"authorId,omitempty"`
	Body      string      `json:"body"`
	CreatedAt time.Time   `json:"createdAt"`
}

// TransitionError reports a transition whose precondition did not hold.
// It matches ErrInvalidTransition; Err carries a more specific cause
// (ErrConflict when a concurrent writer won).
type TransitionError struct {
	TradeID string
	From    Status
	To      Status
	Err     error
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("trade %s: cannot move %s → %s", e.TradeID, e.From, e.To)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return e.Err }

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }
