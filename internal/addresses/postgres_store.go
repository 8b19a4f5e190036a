package addresses

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mbd888/settlegate/internal/chain"
	"github.com/mbd888/settlegate/internal/idgen"
)

// PostgresStore persists addresses in PostgreSQL. The per-chain counter row
// is locked with SELECT ... FOR UPDATE for the duration of an allocation.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed address store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const addressColumns = `id, chain, derivation_index, address, is_used, COALESCE(used_tx_hash, ''),
	owner_kind, owner_id, created_at, used_at, retired_at`

func (p *PostgresStore) Allocate(ctx context.Context, c chain.ID, owner Owner, derive DeriveFunc) (*PaymentAddress, error) {
	if _, err := p.db.ExecContext(ctx, `
		INSERT INTO address_counters (chain, next_index) VALUES ($1, 0)
		ON CONFLICT (chain) DO NOTHING
	`, string(c)); err != nil {
		return nil, fmt.Errorf("addresses: init counter: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var index int64
	if err := tx.QueryRowContext(ctx, `
		SELECT next_index FROM address_counters WHERE chain = $1 FOR UPDATE
	`, string(c)).Scan(&index); err != nil {
		return nil, fmt.Errorf("addresses: lock counter: %w", err)
	}

	addr, err := derive(uint32(index)) //nolint:gosec // counter is bounded below 2^31 by the deriver
	if err != nil {
		return nil, err
	}

	pa := &PaymentAddress{
		ID:              idgen.WithPrefix("addr_"),
		Chain:           c,
		DerivationIndex: uint32(index), //nolint:gosec // see above
		Address:         addr,
		OwnerKind:       owner.Kind,
		OwnerID:         owner.ID,
		CreatedAt:       time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO payment_addresses (id, chain, derivation_index, address, owner_kind, owner_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, pa.ID, string(c), index, addr, string(owner.Kind), owner.ID, pa.CreatedAt); err != nil {
		return nil, fmt.Errorf("addresses: insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE address_counters SET next_index = $2, updated_at = NOW() WHERE chain = $1
	`, string(c), index+1); err != nil {
		return nil, fmt.Errorf("addresses: advance counter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return pa, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*PaymentAddress, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+addressColumns+` FROM payment_addresses WHERE id = $1`, id)
	pa, err := scanAddress(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return pa, err
}

func (p *PostgresStore) ListActive(ctx context.Context, c chain.ID) ([]*PaymentAddress, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+addressColumns+` FROM payment_addresses
		WHERE chain = $1 AND NOT is_used AND retired_at IS NULL
		ORDER BY derivation_index ASC
	`, string(c))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*PaymentAddress
	for rows.Next() {
		pa, err := scanAddress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pa)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkUsed(ctx context.Context, id, txHash string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payment_addresses SET is_used = TRUE, used_tx_hash = $2, used_at = NOW()
		WHERE id = $1 AND NOT is_used
	`, id, txHash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := p.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (p *PostgresStore) Retire(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payment_addresses SET retired_at = COALESCE(retired_at, NOW()) WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAddress(sc scanner) (*PaymentAddress, error) {
	pa := &PaymentAddress{}
	var (
		c, kind   string
		index     int64
		usedAt    sql.NullTime
		retiredAt sql.NullTime
	)
	if err := sc.Scan(&pa.ID, &c, &index, &pa.Address, &pa.IsUsed, &pa.UsedTxHash,
		&kind, &pa.OwnerID, &pa.CreatedAt, &usedAt, &retiredAt); err != nil {
		return nil, err
	}
	pa.Chain = chain.ID(c)
	pa.DerivationIndex = uint32(index) //nolint:gosec // stored from a uint32
	pa.OwnerKind = OwnerKind(kind)
	if usedAt.Valid {
		pa.UsedAt = &usedAt.Time
	}
	if retiredAt.Valid {
		pa.RetiredAt = &retiredAt.Time
	}
	return pa, nil
}

var _ Store = (*PostgresStore)(nil)
