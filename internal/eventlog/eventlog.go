// Package eventlog is the append-only history of escrow state transitions.
// Rows are never updated or deleted; the log is the audit source of truth.
package eventlog

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Type is the kind of transition recorded.
type Type string

const (
	TypeCreated          Type = "created"
	TypeFunded           Type = "funded"
	TypeReleased         Type = "released"
	TypeSettled          Type = "settled"
	TypeDisputed         Type = "disputed"
	TypeDisputeResolved  Type = "dispute_resolved"
	TypeRefunded         Type = "refunded"
	TypeExpired          Type = "expired"
	TypeMetadataUpdated  Type = "metadata_updated"
	TypeFeeForwarded     Type = "fee_forwarded"
	TypeSettlementFailed Type = "settlement_failed"
)

// Actor is who caused the transition.
type Actor string

const (
	ActorDepositor   Actor = "depositor"
	ActorBeneficiary Actor = "beneficiary"
	ActorArbiter     Actor = "arbiter"
	ActorSystem      Actor = "system"
	ActorOperator    Actor = "operator"
)

var ErrInvalidEvent = errors.New("eventlog: event requires escrow id and type")

// Event is one immutable log row.
type Event struct {
	ID        int64          `json:"id"`
	EscrowID  string         `json:"escrowId"`
	Type      Type           `json:"eventType"`
	Actor     Actor          `json:"actor"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// New builds an event stamped with the current time.
func New(escrowID string, typ Type, actor Actor, details map[string]any) *Event {
	return &Event{
		EscrowID:  escrowID,
		Type:      typ,
		Actor:     actor,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}
}

func (e *Event) validate() error {
	if e == nil || e.EscrowID == "" || e.Type == "" {
		return ErrInvalidEvent
	}
	return nil
}

// Store appends and reads events.
type Store interface {
	Append(ctx context.Context, e *Event) error
	List(ctx context.Context, escrowID string) ([]*Event, error)
	// ListAfter returns events with ID > afterID in ID order.
	ListAfter(ctx context.Context, afterID int64, limit int) ([]*Event, error)
}

// Publisher receives events after they are durably stored.
type Publisher interface {
	Publish(ctx context.Context, e *Event) error
}

// Fanout publishes to several sinks. Publishing is best effort: a failing
// sink is logged and does not affect the others.
type Fanout struct {
	sinks  []Publisher
	logger *slog.Logger
}

// NewFanout creates a Fanout over sinks. nil sinks are skipped.
func NewFanout(logger *slog.Logger, sinks ...Publisher) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fanout{logger: logger}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Add registers another sink.
func (f *Fanout) Add(p Publisher) {
	if p != nil {
		f.sinks = append(f.sinks, p)
	}
}

func (f *Fanout) Publish(ctx context.Context, e *Event) error {
	for _, s := range f.sinks {
		if err := s.Publish(ctx, e); err != nil {
			f.logger.Warn("event publish failed", "escrowId", e.EscrowID, "eventType", e.Type, "error", err)
		}
	}
	return nil
}
