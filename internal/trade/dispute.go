package trade

import (
	"context"
	"fmt"
	"strings"
)

// Outcome is the verdict that closes a dispute.
type Outcome string

const (
	OutcomeRelease Outcome = "release" // escrow goes to the buyer
	OutcomeRefund  Outcome = "refund"  // escrow returns to the seller
)

// ParseOutcome validates a configured or operator-supplied outcome.
func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(strings.ToLower(strings.TrimSpace(s))); o {
	case OutcomeRelease, OutcomeRefund:
		return o, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOutcome, s)
}

// ResolveDispute closes a disputed trade with an explicit outcome: release
// completes it, refund cancels it. Only disputed trades can be resolved.
func (s *Service) ResolveDispute(ctx context.Context, id string, outcome Outcome) (*Trade, error) {
	disputed := []Status{StatusDisputed}
	switch outcome {
	case OutcomeRelease:
		return s.transition(ctx, id, releaseStep(disputed, string(outcome)))
	case OutcomeRefund:
		return s.transition(ctx, id, cancelStep(disputed, "dispute resolved: refund", string(outcome)))
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
}
