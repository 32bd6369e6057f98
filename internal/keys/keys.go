// Package keys derives the deterministic identifiers shared with the
// settlement ledger. Everything here is pure: the same inputs always yield
// the same key, which is what lets consumers detect redelivery.
package keys

import (
	"fmt"
	"strings"
)

// TradeIdentifier is the message identifier for every settlement event of a
// trade. It doubles as the bus partition key so a trade's events stay ordered.
func TradeIdentifier(tradeID string) string {
	return "trade-" + tradeID
}

// IdempotencyKey identifies one logical settlement event. The status
// snapshot is part of the key because a single operation type
// (trade-update) is emitted for more than one transition.
func IdempotencyKey(tradeID, operationType, status string) string {
	return fmt.Sprintf("%s:%s:%s", TradeIdentifier(tradeID), operationType, status)
}

// FiatAccountKey builds the ledger account key for a user's fiat account.
func FiatAccountKey(userID, accountID string) string {
	return userID + "-fiat-" + accountID
}

// OfferKey builds the ledger key for the offer a trade was taken from.
func OfferKey(offerID string) string {
	return "offer-" + offerID
}

// ParseTradeIdentifier extracts the trade id from a "trade-<id>" identifier.
func ParseTradeIdentifier(identifier string) (string, bool) {
	id, ok := strings.CutPrefix(identifier, "trade-")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// SweepLeaseKey names the lease guarding one sweep type.
func SweepLeaseKey(sweep string) string {
	return "p2psettle:sweep:" + sweep
}
