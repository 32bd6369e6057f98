// Package settlement emits escrow commands to the external settlement ledger.
//
// Every trade transition with settlement consequences produces one Event on
// the bus: trade-create asks the ledger to lock escrow, trade-cancel to
// unlock it, trade-complete to release it to the buyer, and trade-update
// reports the remaining status changes. Delivery is at-least-once; the
// ledger dedupes on IdempotencyKey.
package settlement

import (
	"time"

	"github.com/shopspring/decimal"
)

// Operation is the settlement command carried by an Event.
type Operation string

const (
	OpCreate   Operation = "trade-create"
	OpUpdate   Operation = "trade-update"
	OpComplete Operation = "trade-complete"
	OpCancel   Operation = "trade-cancel"
)

// Event is the outbound wire message. Amounts marshal as decimal strings
// and timestamps as epoch seconds.
//
// Events are published after the transition commits and outside the
// trade's lock, so two quick transitions on one trade can reach the bus in
// either order. Version is the trade's version at publish time and grows
// with every committed change; consumers apply events in Version order and
// ignore one older than the last they applied.
type Event struct {
	Identifier       string          `json:"identifier"`
	IdempotencyKey   string          `json:"idempotencyKey"`
	OperationType    Operation       `json:"operationType"`
	ActionID         string          `json:"actionId"`
	Ref              string          `json:"ref"`
	BuyerAccountKey  string          `json:"buyerAccountKey"`
	SellerAccountKey string          `json:"sellerAccountKey"`
	OfferKey         string          `json:"offerKey"`
	CoinCurrency     string          `json:"coinCurrency"`
	FiatCurrency     string          `json:"fiatCurrency"`
	CoinAmount       decimal.Decimal `json:"coinAmount"`
	FiatAmount       decimal.Decimal `json:"fiatAmount"`
	Price            decimal.Decimal `json:"price"`
	Status           string          `json:"status"`
	Reason           string          `json:"reason,omitempty"`
	PaidAt           *int64          `json:"paidAt"`
	ReleasedAt       *int64          `json:"releasedAt"`
	CancelledAt      *int64          `json:"cancelledAt"`
	DisputedAt       *int64          `json:"disputedAt"`
	CreatedAt        int64           `json:"createdAt"`
	Version          int64           `json:"version"`
}

// Epoch converts an optional timestamp into optional epoch seconds.
func Epoch(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	s := t.Unix()
	return &s
}
