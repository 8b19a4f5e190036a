package forwarder

import (
	"context"
	"database/sql"
	"errors"
	"math/big"

	"github.com/lib/pq"

	"github.com/mbd888/settlegate/internal/chain"
)

// PostgresAttemptStore persists attempts in the forward_attempts table.
type PostgresAttemptStore struct {
	db *sql.DB
}

func NewPostgresAttemptStore(db *sql.DB) *PostgresAttemptStore {
	return &PostgresAttemptStore{db: db}
}

const attemptColumns = `key, owner_id, chain, mode, leg, generation, tx_hash, raw,
	network_fee::TEXT, status, created_at, updated_at`

func (p *PostgresAttemptStore) Get(ctx context.Context, key string) (*Attempt, error) {
	a, err := scanAttempt(p.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM forward_attempts WHERE key = $1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAttemptNotFound
	}
	return a, err
}

func (p *PostgresAttemptStore) Put(ctx context.Context, a *Attempt) error {
	fee := "0"
	if a.NetworkFee != nil {
		fee = a.NetworkFee.String()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO forward_attempts (key, owner_id, chain, mode, leg, generation, tx_hash, raw, network_fee, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10)
	`, a.Key, a.OwnerID, string(a.Chain), string(a.Mode), string(a.Leg), a.Generation,
		a.TxHash, a.Raw, fee, string(a.Status))
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAttemptExists
	}
	return err
}

func (p *PostgresAttemptStore) MarkBroadcast(ctx context.Context, key string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE forward_attempts SET status = 'broadcast', updated_at = NOW() WHERE key = $1
	`, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

func (p *PostgresAttemptStore) ListByOwner(ctx context.Context, ownerID string) ([]*Attempt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+attemptColumns+` FROM forward_attempts WHERE owner_id = $1 ORDER BY created_at ASC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(sc scanner) (*Attempt, error) {
	a := &Attempt{}
	var c, mode, leg, status, fee string
	if err := sc.Scan(&a.Key, &a.OwnerID, &c, &mode, &leg, &a.Generation, &a.TxHash, &a.Raw,
		&fee, &status, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Chain = chain.ID(c)
	a.Mode = Mode(mode)
	a.Leg = Leg(leg)
	a.Status = AttemptStatus(status)
	a.NetworkFee, _ = new(big.Int).SetString(fee, 10)
	return a, nil
}

var _ AttemptStore = (*PostgresAttemptStore)(nil)
