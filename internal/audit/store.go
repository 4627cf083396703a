package audit

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore writes to the audit_logs table.
type PGStore struct {
	Pool *pgxpool.Pool
}

// Insert implements Store.
func (s *PGStore) Insert(ctx context.Context, e Entry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx, `INSERT INTO audit_logs
(id, actor_subject, action, resource_type, resource_id, ip, user_agent, metadata, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.ActorSubject, e.Action, e.ResourceType, e.ResourceID, e.IP, e.UserAgent, meta, e.OccurredAt)
	return err
}

// List implements Store, newest first.
func (s *PGStore) List(ctx context.Context, f Filter) ([]Entry, int, error) {
	rows, err := s.Pool.Query(ctx, `SELECT id, actor_subject, action, resource_type, resource_id, ip, user_agent,
       metadata, occurred_at, count(*) OVER ()
FROM audit_logs
WHERE ($1 = '' OR action = $1)
  AND ($2 = '' OR resource_type = $2)
  AND ($3 = '' OR resource_id = $3)
ORDER BY occurred_at DESC
LIMIT $4 OFFSET $5`, f.Action, f.ResourceType, f.ResourceID, f.Limit, f.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var (
		out   []Entry
		total int
	)
	for rows.Next() {
		var (
			e    Entry
			meta []byte
		)
		if err := rows.Scan(&e.ID, &e.ActorSubject, &e.Action, &e.ResourceType, &e.ResourceID, &e.IP,
			&e.UserAgent, &meta, &e.OccurredAt, &total); err != nil {
			return nil, 0, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, 0, err
			}
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// MemoryStore keeps entries in process; used by the memory storage driver and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

// Insert implements Store.
func (m *MemoryStore) Insert(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

// List implements Store, newest first.
func (m *MemoryStore) List(_ context.Context, f Filter) ([]Entry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []Entry
	for _, e := range m.entries {
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.ResourceType != "" && e.ResourceType != f.ResourceType {
			continue
		}
		if f.ResourceID != "" && (e.ResourceID == nil || *e.ResourceID != f.ResourceID) {
			continue
		}
		matched = append(matched, e)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].OccurredAt.After(matched[j].OccurredAt) })
	total := len(matched)
	if f.Offset >= total {
		return []Entry{}, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < end {
		end = f.Offset + f.Limit
	}
	return append([]Entry(nil), matched[f.Offset:end]...), total, nil
}
