package trade

import (
	"context"
	"time"
)

// Deadline names the timestamp a sweep compares against.
type Deadline string

const (
	DeadlineExpiredAt  Deadline = "expired_at"
	DeadlineCreatedAt  Deadline = "created_at"
	DeadlinePaidAt     Deadline = "paid_at"
	DeadlineDisputedAt Deadline = "disputed_at"
)

// DueQuery selects trades in Status whose Deadline timestamp is strictly
// before Before.
type DueQuery struct {
	Status   Status
	Deadline Deadline
	Before   time.Time

	// After resumes a listing strictly past this position.
	After *Cursor
	// EscrowLocked keeps only trades whose escrow lock the ledger acknowledged.
	EscrowLocked bool
	// Limit caps the page; zero means no cap.
	Limit int
}

// Cursor is a position in a ListDue ordering.
type Cursor struct {
	At time.Time
	ID string
}

// CursorAt returns the position of t in a listing by d, or nil if t has no
// such timestamp.
func CursorAt(t *Trade, d Deadline) *Cursor {
	ts := deadlineOf(t, d)
	if ts == nil {
		return nil
	}
	return &Cursor{At: *ts, ID: t.ID}
}

// past reports whether (at, id) sorts strictly after c.
func (c *Cursor) past(at time.Time, id string) bool {
	if c == nil {
		return true
	}
	if !at.Equal(c.At) {
		return at.After(c.At)
	}
	return id > c.ID
}

// Store persists trades and their message logs.
type Store interface {
	Create(ctx context.Context, t *Trade) error
	Get(ctx context.Context, id string) (*Trade, error)

	// CompareAndSwap writes t only if the stored version equals expected.
	// On success t.Version becomes expected+1. A version mismatch returns
	// ErrConflict and leaves the stored trade untouched.
	CompareAndSwap(ctx context.Context, t *Trade, expected int64) error

	// ListDue returns trades matching q ordered by (deadline, id).
	ListDue(ctx context.Context, q DueQuery) ([]*Trade, error)

	// AppendMessage assigns m.Seq and stores it. Messages are never updated.
	AppendMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, tradeID string) ([]*Message, error)

	Ping(ctx context.Context) error
}

// deadlineOf returns the timestamp named by d, or nil if it is unset.
func deadlineOf(t *Trade, d Deadline) *time.Time {
	switch d {
	case DeadlineExpiredAt:
		return &t.ExpiredAt
	case DeadlineCreatedAt:
		return &t.CreatedAt
	case DeadlinePaidAt:
		return t.PaidAt
	case DeadlineDisputedAt:
		return t.DisputedAt
	}
	return nil
}
