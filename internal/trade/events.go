package trade

import (
	"github.com/mbd888/p2psettle/internal/keys"
	"github.com/mbd888/p2psettle/internal/settlement"
)

// settlementEvent snapshots t into the outbound wire event for op.
func settlementEvent(t *Trade, op settlement.Operation, reason string) settlement.Event {
	return settlement.Event{
		Identifier:       keys.TradeIdentifier(t.ID),
		IdempotencyKey:   keys.IdempotencyKey(t.ID, string(op), string(t.Status)),
		OperationType:    op,
		ActionID:         t.ID,
		Ref:              t.Ref,
		BuyerAccountKey:  keys.FiatAccountKey(t.BuyerID, t.BuyerAccountID),
		SellerAccountKey: keys.FiatAccountKey(t.SellerID, t.SellerAccountID),
		OfferKey:         keys.OfferKey(t.OfferID),
		CoinCurrency:     t.CoinCurrency,
		FiatCurrency:     t.FiatCurrency,
		CoinAmount:       t.CoinAmount,
		FiatAmount:       t.FiatAmount,
		Price:            t.Price,
		Status:           string(t.Status),
		Reason:           reason,
		PaidAt:           settlement.Epoch(t.PaidAt),
		ReleasedAt:       settlement.Epoch(t.ReleasedAt),
		CancelledAt:      settlement.Epoch(t.CancelledAt),
		DisputedAt:       settlement.Epoch(t.DisputedAt),
		CreatedAt:        t.CreatedAt.Unix(),
		Version:          t.Version,
	}
}
