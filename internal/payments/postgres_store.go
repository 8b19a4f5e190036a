package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/settlegate/internal/chain"
)

// PostgresStore persists payments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, business_id, chain, amount, amount_usd, merchant_address, address_id, address,
		       status, deposit_tx_hash, deposited_amount, fee_amount, forward_tx_hash, fee_tx_hash,
		       fee_forward_pending, forward_failed, last_error, forward_generation,
		       created_at, expires_at, paid_at, forwarded_at, confirmed_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, p *Payment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24
		)`,
		p.ID, p.BusinessID, string(p.Chain), p.Amount, p.AmountUSD, p.MerchantAddress, p.AddressID, p.Address,
		string(p.Status), nullString(p.DepositTxHash), p.DepositedAmount, p.FeeAmount,
		nullString(p.ForwardTxHash), nullString(p.FeeTxHash),
		p.FeeForwardPending, p.ForwardFailed, nullString(p.LastError), p.ForwardGeneration,
		p.CreatedAt, p.ExpiresAt, nullTime(p.PaidAt), nullTime(p.ForwardedAt), nullTime(p.ConfirmedAt), p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	p, err := scanPayment(s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return p, err
}

func (s *PostgresStore) Update(ctx context.Context, p *Payment, from Status) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE payments SET
			status = $1, deposit_tx_hash = $2, deposited_amount = $3, fee_amount = $4,
			forward_tx_hash = $5, fee_tx_hash = $6, fee_forward_pending = $7, forward_failed = $8,
			last_error = $9, forward_generation = $10,
			paid_at = $11, forwarded_at = $12, confirmed_at = $13, updated_at = $14
		WHERE id = $15 AND status = $16`,
		string(p.Status), nullString(p.DepositTxHash), p.DepositedAmount, p.FeeAmount,
		nullString(p.ForwardTxHash), nullString(p.FeeTxHash), p.FeeForwardPending, p.ForwardFailed,
		nullString(p.LastError), p.ForwardGeneration,
		nullTime(p.PaidAt), nullTime(p.ForwardedAt), nullTime(p.ConfirmedAt), p.UpdatedAt,
		p.ID, string(from),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := s.Get(ctx, p.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is no longer %s", ErrStateConflict, p.ID, from)
	}
	return nil
}

func (s *PostgresStore) ListExpiredPending(ctx context.Context, before time.Time, limit int) ([]*Payment, error) {
	return s.query(ctx, `WHERE status = 'pending' AND expires_at < $1 ORDER BY expires_at LIMIT $2`, before, limit)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, c chain.ID, status Status, limit int) ([]*Payment, error) {
	return s.query(ctx, `WHERE chain = $1 AND status = $2 ORDER BY created_at LIMIT $3`, string(c), string(status), limit)
}

func (s *PostgresStore) ListFeePending(ctx context.Context, c chain.ID, limit int) ([]*Payment, error) {
	return s.query(ctx, `WHERE chain = $1 AND fee_forward_pending ORDER BY created_at LIMIT $2`, string(c), limit)
}

func (s *PostgresStore) ListForwardFailed(ctx context.Context, c chain.ID, limit int) ([]*Payment, error) {
	return s.query(ctx, `WHERE chain = $1 AND status = 'paid' AND forward_failed ORDER BY created_at LIMIT $2`, string(c), limit)
}

func (s *PostgresStore) query(ctx context.Context, clause string, args ...any) ([]*Payment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments `+clause, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(sc scanner) (*Payment, error) {
	p := &Payment{}
	var (
		chainID, status                   string
		depositTx, forwardTx, feeTx, lerr sql.NullString
		paidAt, forwardedAt, confirmedAt  sql.NullTime
	)
	err := sc.Scan(
		&p.ID, &p.BusinessID, &chainID, &p.Amount, &p.AmountUSD, &p.MerchantAddress, &p.AddressID, &p.Address,
		&status, &depositTx, &p.DepositedAmount, &p.FeeAmount, &forwardTx, &feeTx,
		&p.FeeForwardPending, &p.ForwardFailed, &lerr, &p.ForwardGeneration,
		&p.CreatedAt, &p.ExpiresAt, &paidAt, &forwardedAt, &confirmedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Chain = chain.ID(chainID)
	p.Status = Status(status)
	p.DepositTxHash = depositTx.String
	p.ForwardTxHash = forwardTx.String
	p.FeeTxHash = feeTx.String
	p.LastError = lerr.String
	if paidAt.Valid {
		p.PaidAt = &paidAt.Time
	}
	if forwardedAt.Valid {
		p.ForwardedAt = &forwardedAt.Time
	}
	if confirmedAt.Valid {
		p.ConfirmedAt = &confirmedAt.Time
	}
	return p, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
