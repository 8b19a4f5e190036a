package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/settlegate/internal/chain"
	"github.com/mbd888/settlegate/internal/eventlog"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	events *eventlog.PostgresStore
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, events: eventlog.NewPostgresStore(db)}
}

const escrowColumns = `id, chain, depositor_address, beneficiary_address, arbiter_address, business_id,
		       amount, amount_usd, fee_amount, deposited_amount, beneficiary_amount,
		       escrow_address_id, escrow_address, status,
		       deposit_tx_hash, settlement_tx_hash, fee_tx_hash,
		       fee_forward_pending, settlement_failed, settlement_mode, last_error, forward_generation,
		       release_token_hash, beneficiary_token_hash,
		       dispute_reason, dispute_resolution, metadata,
		       created_at, expires_at, funded_at, released_at, settled_at,
		       disputed_at, refunded_at, expired_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow, ev *eventlog.Event) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14,
			$15, $16, $17,
			$18, $19, $20, $21, $22,
			$23, $24,
			$25, $26, $27::JSONB,
			$28, $29, $30, $31, $32,
			$33, $34, $35, $36
		)`,
		e.ID, string(e.Chain), e.DepositorAddress, e.BeneficiaryAddress,
		nullString(e.ArbiterAddress), nullString(e.BusinessID),
		e.Amount, e.AmountUSD, e.FeeAmount, e.DepositedAmount, e.BeneficiaryAmount,
		e.EscrowAddressID, e.EscrowAddress, string(e.Status),
		nullString(e.DepositTxHash), nullString(e.SettlementTxHash), nullString(e.FeeTxHash),
		e.FeeForwardPending, e.SettlementFailed, nullString(e.SettlementMode), nullString(e.LastError), e.ForwardGeneration,
		e.ReleaseTokenHash, e.BeneficiaryTokenHash,
		nullString(e.DisputeReason), nullString(e.DisputeResolution), metadataJSON(e),
		e.CreatedAt, e.ExpiresAt, nullTime(e.FundedAt), nullTime(e.ReleasedAt), nullTime(e.SettledAt),
		nullTime(e.DisputedAt), nullTime(e.RefundedAt), nullTime(e.ExpiredAt), e.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if ev != nil {
		if err := eventlog.Insert(ctx, tx, ev); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

// Transition updates the mutable columns guarded by the previous status and
// inserts ev in the same transaction.
func (p *PostgresStore) Transition(ctx context.Context, e *Escrow, from Status, evs ...*eventlog.Event) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE escrows SET
			fee_amount = $1, deposited_amount = $2, beneficiary_amount = $3,
			status = $4, deposit_tx_hash = $5, settlement_tx_hash = $6, fee_tx_hash = $7,
			fee_forward_pending = $8, settlement_failed = $9, settlement_mode = $10,
			last_error = $11, forward_generation = $12,
			dispute_reason = $13, dispute_resolution = $14, metadata = $15::JSONB,
			funded_at = $16, released_at = $17, settled_at = $18,
			disputed_at = $19, refunded_at = $20, expired_at = $21, updated_at = $22
		WHERE id = $23 AND status = $24`,
		e.FeeAmount, e.DepositedAmount, e.BeneficiaryAmount,
		string(e.Status), nullString(e.DepositTxHash), nullString(e.SettlementTxHash), nullString(e.FeeTxHash),
		e.FeeForwardPending, e.SettlementFailed, nullString(e.SettlementMode),
		nullString(e.LastError), e.ForwardGeneration,
		nullString(e.DisputeReason), nullString(e.DisputeResolution), metadataJSON(e),
		nullTime(e.FundedAt), nullTime(e.ReleasedAt), nullTime(e.SettledAt),
		nullTime(e.DisputedAt), nullTime(e.RefundedAt), nullTime(e.ExpiredAt), e.UpdatedAt,
		e.ID, string(from),
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
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM escrows WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrEscrowNotFound
		}
		return fmt.Errorf("%w: %s is no longer %s", ErrStateConflict, e.ID, from)
	}
	for _, ev := range evs {
		if ev == nil {
			continue
		}
		if err := eventlog.Insert(ctx, tx, ev); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Escrow, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Depositor != "" {
		add("depositor_address = $%d", f.Depositor)
	}
	if f.Beneficiary != "" {
		add("beneficiary_address = $%d", f.Beneficiary)
	}
	if f.BusinessID != "" {
		add("business_id = $%d", f.BusinessID)
	}
	if f.Chain != "" {
		add("chain = $%d", string(f.Chain))
	}
	if f.Cursor != nil {
		args = append(args, f.Cursor.CreatedAt, f.Cursor.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	query := `SELECT ` + escrowColumns + ` FROM escrows`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListExpiredPending(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = 'pending'
		  AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListAwaitingSettlement(ctx context.Context, c chain.ID, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE chain = $1 AND status = 'released' AND NOT settlement_failed
		ORDER BY created_at
		LIMIT $2`, string(c), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListFeePending(ctx context.Context, c chain.ID, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE chain = $1 AND fee_forward_pending
		ORDER BY created_at
		LIMIT $2`, string(c), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) Events(ctx context.Context, id string) ([]*eventlog.Event, error) {
	return p.events.List(ctx, id)
}

func (p *PostgresStore) EventsAfter(ctx context.Context, afterID int64, limit int) ([]*eventlog.Event, error) {
	return p.events.ListAfter(ctx, afterID, limit)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		chainID        string
		status         string
		arbiter        sql.NullString
		businessID     sql.NullString
		depositTx      sql.NullString
		settlementTx   sql.NullString
		feeTx          sql.NullString
		settlementMode sql.NullString
		lastError      sql.NullString
		disputeRsn     sql.NullString
		resolution     sql.NullString
		metadata       []byte
		fundedAt       sql.NullTime
		releasedAt     sql.NullTime
		settledAt      sql.NullTime
		disputedAt     sql.NullTime
		refundedAt     sql.NullTime
		expiredAt      sql.NullTime
	)

	err := s.Scan(
		&e.ID, &chainID, &e.DepositorAddress, &e.BeneficiaryAddress, &arbiter, &businessID,
		&e.Amount, &e.AmountUSD, &e.FeeAmount, &e.DepositedAmount, &e.BeneficiaryAmount,
		&e.EscrowAddressID, &e.EscrowAddress, &status,
		&depositTx, &settlementTx, &feeTx,
		&e.FeeForwardPending, &e.SettlementFailed, &settlementMode, &lastError, &e.ForwardGeneration,
		&e.ReleaseTokenHash, &e.BeneficiaryTokenHash,
		&disputeRsn, &resolution, &metadata,
		&e.CreatedAt, &e.ExpiresAt, &fundedAt, &releasedAt, &settledAt,
		&disputedAt, &refundedAt, &expiredAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Chain = chain.ID(chainID)
	e.Status = Status(status)
	e.ArbiterAddress = arbiter.String
	e.BusinessID = businessID.String
	e.DepositTxHash = depositTx.String
	e.SettlementTxHash = settlementTx.String
	e.FeeTxHash = feeTx.String
	e.SettlementMode = settlementMode.String
	e.LastError = lastError.String
	e.DisputeReason = disputeRsn.String
	e.DisputeResolution = resolution.String
	if len(metadata) > 0 && string(metadata) != "{}" {
		e.Metadata = metadata
	}
	e.FundedAt = timePtr(fundedAt)
	e.ReleasedAt = timePtr(releasedAt)
	e.SettledAt = timePtr(settledAt)
	e.DisputedAt = timePtr(disputedAt)
	e.RefundedAt = timePtr(refundedAt)
	e.ExpiredAt = timePtr(expiredAt)

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func metadataJSON(e *Escrow) string {
	if len(e.Metadata) == 0 {
		return "{}"
	}
	return string(e.Metadata)
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

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
