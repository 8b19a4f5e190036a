package monitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/mbd888/settlegate/internal/chain"
)

// CheckpointStore persists the last scanned height per chain.
type CheckpointStore interface {
	// Load returns the saved height. ok is false when the chain has never
	// been scanned.
	Load(ctx context.Context, c chain.ID) (height uint64, ok bool, err error)
	Save(ctx context.Context, c chain.ID, height uint64) error
}

// MemoryCheckpointStore keeps checkpoints in process memory.
type MemoryCheckpointStore struct {
	mu      sync.RWMutex
	heights map[chain.ID]uint64
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{heights: make(map[chain.ID]uint64)}
}

func (m *MemoryCheckpointStore) Load(_ context.Context, c chain.ID) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.heights[c]
	return h, ok, nil
}

func (m *MemoryCheckpointStore) Save(_ context.Context, c chain.ID, height uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if height > m.heights[c] {
		m.heights[c] = height
	}
	return nil
}

// PostgresCheckpointStore stores checkpoints in monitor_checkpoints.
type PostgresCheckpointStore struct {
	db *sql.DB
}

func NewPostgresCheckpointStore(db *sql.DB) *PostgresCheckpointStore {
	return &PostgresCheckpointStore{db: db}
}

func (p *PostgresCheckpointStore) Load(ctx context.Context, c chain.ID) (uint64, bool, error) {
	var h int64
	err := p.db.QueryRowContext(ctx,
		`SELECT height FROM monitor_checkpoints WHERE chain = $1`, string(c)).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load checkpoint %s: %w", c, err)
	}
	return uint64(h), true, nil
}

// Save never moves a checkpoint backwards.
func (p *PostgresCheckpointStore) Save(ctx context.Context, c chain.ID, height uint64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO monitor_checkpoints (chain, height, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (chain) DO UPDATE
		SET height = GREATEST(monitor_checkpoints.height, EXCLUDED.height), updated_at = NOW()`,
		string(c), int64(height))
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", c, err)
	}
	return nil
}
