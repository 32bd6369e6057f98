package trade

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists trades in PostgreSQL. Concurrent writers are
// serialized per row by the version column: CompareAndSwap only updates
// the row when the version it read is still current.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed trade store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tradeColumns = `id, ref, offer_id, buyer_id, seller_id, buyer_account_id, seller_account_id,
		       taker_side, coin_currency, fiat_currency, coin_amount, fiat_amount, price,
		       fee_ratio, coin_trading_fee, payment_proof_status, has_payment_proof,
		       status, cancel_reason, dispute_reason, resolution,
		       created_at, expired_at, paid_at, disputed_at, released_at, cancelled_at,
		       escrow_locked_at, updated_at, version`

func (p *PostgresStore) Create(ctx context.Context, t *Trade) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trades (
			id, ref, offer_id, buyer_id, seller_id, buyer_account_id, seller_account_id,
			taker_side, coin_currency, fiat_currency, coin_amount, fiat_amount, price,
			fee_ratio, coin_trading_fee, payment_proof_status, has_payment_proof,
			status, cancel_reason, dispute_reason, resolution,
			created_at, expired_at, paid_at, disputed_at, released_at, cancelled_at,
			escrow_locked_at, updated_at, version
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17,
			$18, $19, $20, $21,
			$22, $23, $24, $25, $26, $27,
			$28, $29, $30
		)`,
		t.ID, t.Ref, t.OfferID, t.BuyerID, t.SellerID, t.BuyerAccountID, t.SellerAccountID,
		string(t.TakerSide), t.CoinCurrency, t.FiatCurrency, t.CoinAmount, t.FiatAmount, t.Price,
		t.FeeRatio, t.CoinTradingFee, nullString(t.PaymentProofStatus), t.HasPaymentProof,
		string(t.Status), nullString(t.CancelReason), nullString(t.DisputeReason), nullString(t.Resolution),
		t.CreatedAt, t.ExpiredAt, nullTime(t.PaidAt), nullTime(t.DisputedAt), nullTime(t.ReleasedAt), nullTime(t.CancelledAt),
		nullTime(t.EscrowLockedAt), t.UpdatedAt, t.Version,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Trade, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)

	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) CompareAndSwap(ctx context.Context, t *Trade, expected int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE trades SET
			status = $1, cancel_reason = $2, dispute_reason = $3, resolution = $4,
			paid_at = $5, disputed_at = $6, released_at = $7, cancelled_at = $8,
			escrow_locked_at = $9, payment_proof_status = $10, has_payment_proof = $11,
			updated_at = $12, version = version + 1
		WHERE id = $13 AND version = $14`,
		string(t.Status), nullString(t.CancelReason), nullString(t.DisputeReason), nullString(t.Resolution),
		nullTime(t.PaidAt), nullTime(t.DisputedAt), nullTime(t.ReleasedAt), nullTime(t.CancelledAt),
		nullTime(t.EscrowLockedAt), nullString(t.PaymentProofStatus), t.HasPaymentProof,
		t.UpdatedAt, t.ID, expected,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM trades WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	t.Version = expected + 1
	return nil
}

func (p *PostgresStore) ListDue(ctx context.Context, q DueQuery) ([]*Trade, error) {
	col, err := deadlineColumn(q.Deadline)
	if err != nil {
		return nil, err
	}
	// col comes from a fixed whitelist, not caller input.
	where := "status = $1 AND " + col + " < $2"
	args := []any{string(q.Status), q.Before}
	if q.EscrowLocked {
		where += " AND escrow_locked_at IS NOT NULL"
	}
	if q.After != nil {
		args = append(args, q.After.At, q.After.ID)
		where += fmt.Sprintf(" AND (%s, id) > ($%d, $%d)", col, len(args)-1, len(args))
	}
	limit := ""
	if q.Limit > 0 {
		args = append(args, q.Limit)
		limit = fmt.Sprintf("LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE `+where+`
		ORDER BY `+col+` ASC, id ASC
		`+limit, args...) // #nosec G202
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func deadlineColumn(d Deadline) (string, error) {
	switch d {
	case DeadlineExpiredAt, DeadlineCreatedAt, DeadlinePaidAt, DeadlineDisputedAt:
		return string(d), nil
	}
	return "", fmt.Errorf("unknown deadline %q", d)
}

// appendAttempts bounds retries when two writers race for the same seq.
const appendAttempts = 3

func (p *PostgresStore) AppendMessage(ctx context.Context, m *Message) error {
	var err error
	for i := 0; i < appendAttempts; i++ {
		err = p.db.QueryRowContext(ctx, `
			INSERT INTO trade_messages (id, trade_id, seq, kind, author_id, body, created_at)
			SELECT $1::text, $2::text, COALESCE(MAX(seq), 0) + 1, $3::text, $4::text, $5::text, $6::timestamptz
			FROM trade_messages WHERE trade_id = $2
			RETURNING seq`,
			m.ID, m.TradeID, string(m.Kind), nullString(m.AuthorID), m.Body, m.CreatedAt,
		).Scan(&m.Seq)

		var pqErr *pq.Error
		if !errors.As(err, &pqErr) {
			return err
		}
		switch pqErr.Code {
		case "23503": // foreign_key_violation
			return ErrNotFound
		case "23505": // unique_violation on (trade_id, seq)
			continue
		default:
			return err
		}
	}
	return fmt.Errorf("append message to trade %s: %w", m.TradeID, err)
}

func (p *PostgresStore) ListMessages(ctx context.Context, tradeID string) ([]*Message, error) {
	if _, err := p.Get(ctx, tradeID); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, trade_id, seq, kind, author_id, body, created_at
		FROM trade_messages
		WHERE trade_id = $1
		ORDER BY seq ASC`, tradeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Message
	for rows.Next() {
		m := &Message{}
		var kind string
		var author sql.NullString
		if err := rows.Scan(&m.ID, &m.TradeID, &m.Seq, &kind, &author, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Kind = MessageKind(kind)
		m.AuthorID = author.String
		result = append(result, m)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(s scanner) (*Trade, error) {
	t := &Trade{}
	var (
		takerSide      string
		status         string
		proofStatus    sql.NullString
		cancelReason   sql.NullString
		disputeReason  sql.NullString
		resolution     sql.NullString
		paidAt         sql.NullTime
		disputedAt     sql.NullTime
		releasedAt     sql.NullTime
		cancelledAt    sql.NullTime
		escrowLockedAt sql.NullTime
	)

	err := s.Scan(
		&t.ID, &t.Ref, &t.OfferID, &t.BuyerID, &t.SellerID, &t.BuyerAccountID, &t.SellerAccountID,
		&takerSide, &t.CoinCurrency, &t.FiatCurrency, &t.CoinAmount, &t.FiatAmount, &t.Price,
		&t.FeeRatio, &t.CoinTradingFee, &proofStatus, &t.HasPaymentProof,
		&status, &cancelReason, &disputeReason, &resolution,
		&t.CreatedAt, &t.ExpiredAt, &paidAt, &disputedAt, &releasedAt, &cancelledAt,
		&escrowLockedAt, &t.UpdatedAt, &t.Version,
	)
	if err != nil {
		return nil, err
	}

	if t.Status, err = ParseStatus(status); err != nil {
		return nil, err
	}
	t.TakerSide = TakerSide(takerSide)
	t.PaymentProofStatus = proofStatus.String
	t.CancelReason = cancelReason.String
	t.DisputeReason = disputeReason.String
	t.Resolution = resolution.String
	t.PaidAt = timePtr(paidAt)
	t.DisputedAt = timePtr(disputedAt)
	t.ReleasedAt = timePtr(releasedAt)
	t.CancelledAt = timePtr(cancelledAt)
	t.EscrowLockedAt = timePtr(escrowLockedAt)

	return t, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
