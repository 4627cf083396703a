package events

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrStoreUnavailable indicates the event store dependency is not configured.
var ErrStoreUnavailable = errors.New("events: store unavailable")

// NewPGStore persists events to the domain_events table.
func NewPGStore(pool *pgxpool.Pool) EventStore {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

func (s *pgStore) InsertDomainEvent(ctx context.Context, ev Event) (Event, error) {
	if s == nil || s.pool == nil {
		return Event{}, ErrStoreUnavailable
	}
	err := s.pool.QueryRow(ctx, `INSERT INTO domain_events (id, topic, aggregate_id, payload, occurred_at)
VALUES ($1, $2, $3, $4, $5) RETURNING occurred_at`, ev.ID, ev.Topic, ev.AggregateID, []byte(ev.Payload), ev.OccurredAt).Scan(&ev.OccurredAt)
	if err != nil {
		return Event{}, err
	}
	return ev, nil
}

// MemoryStore keeps events in memory; used by the memory storage driver and tests.
type MemoryStore struct {
	mu     sync.Mutex
	events []Event
}

func (m *MemoryStore) InsertDomainEvent(_ context.Context, ev Event) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	m.events = append(m.events, ev)
	return ev, nil
}

// Events returns a copy of the recorded events, optionally filtered by topic.
func (m *MemoryStore) Events(topic string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0, len(m.events))
	for _, ev := range m.events {
		if topic == "" || ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}
