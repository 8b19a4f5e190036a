package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
)

// Execer is satisfied by *sql.DB and *sql.Tx, so an event can be written in
// the same transaction as the row it describes.
type Execer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Insert writes e through ex and sets e.ID.
func Insert(ctx context.Context, ex Execer, e *Event) error {
	if err := e.validate(); err != nil {
		return err
	}
	details, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	return ex.QueryRowContext(ctx, `
		INSERT INTO escrow_events (escrow_id, event_type, actor, details, created_at)
		VALUES ($1, $2, $3, $4::JSONB, $5)
		RETURNING id
	`, e.EscrowID, string(e.Type), string(e.Actor), string(details), e.CreatedAt).Scan(&e.ID)
}

func (s *PostgresStore) Append(ctx context.Context, e *Event) error {
	return Insert(ctx, s.db, e)
}

func (s *PostgresStore) List(ctx context.Context, escrowID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, escrow_id, event_type, actor, COALESCE(details::TEXT, '{}'), created_at
		FROM escrow_events
		WHERE escrow_id = $1
		ORDER BY id ASC
	`, escrowID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (s *PostgresStore) ListAfter(ctx context.Context, afterID int64, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, escrow_id, event_type, actor, COALESCE(details::TEXT, '{}'), created_at
		FROM escrow_events
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var typ, actor, details string
		if err := rows.Scan(&e.ID, &e.EscrowID, &typ, &actor, &details, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = Type(typ)
		e.Actor = Actor(actor)
		if details != "" && details != "null" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				return nil, err
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
