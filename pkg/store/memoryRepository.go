package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zoff-tech/go-fulfillment/schema"
)

// MemoryRepository is an in-process outbox used by tests and the "memory"
// database type. It honours the same ordering and partition rules as the SQL
// repositories.
type MemoryRepository struct {
	mu        sync.Mutex
	rows      map[string]*OutboxRow
	sequences map[string]int64
	lastAt    time.Time
	now       func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rows:      make(map[string]*OutboxRow),
		sequences: make(map[string]int64),
		now:       time.Now,
	}
}

func (m *MemoryRepository) Insert(ctx context.Context, env schema.Envelope) (OutboxRow, error) {
	rows, err := m.InsertAll(ctx, []schema.Envelope{env})
	if err != nil {
		return OutboxRow{}, err
	}
	return rows[0], nil
}

// InsertAll stores every envelope or none of them.
func (m *MemoryRepository) InsertAll(_ context.Context, envs []schema.Envelope) ([]OutboxRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{}, len(envs))
	for _, env := range envs {
		if err := env.Validate(); err != nil {
			return nil, err
		}
		if _, ok := m.rows[env.EventID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateEvent, env.EventID)
		}
		if _, ok := seen[env.EventID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateEvent, env.EventID)
		}
		seen[env.EventID] = struct{}{}
	}

	out := make([]OutboxRow, 0, len(envs))
	for _, env := range envs {
		row := NewOutboxRow(env)
		m.sequences[row.AggregateID]++
		row.Sequence = m.sequences[row.AggregateID]
		row.CreatedAt = m.tick()
		row.Payload = append([]byte(nil), env.Payload...)
		stored := row
		m.rows[row.ID] = &stored
		out = append(out, row)
	}
	return out, nil
}

func (m *MemoryRepository) FetchPending(_ context.Context, q FetchQuery) ([]OutboxRow, error) {
	q = q.normalize()
	return m.selectRows(q, func(r *OutboxRow) bool {
		return r.Status == StatusPending && r.Attempts < q.MaxAttempts
	}), nil
}

func (m *MemoryRepository) FetchExhausted(_ context.Context, q FetchQuery) ([]OutboxRow, error) {
	q = q.normalize()
	return m.selectRows(q, func(r *OutboxRow) bool {
		return r.Status == StatusPending && r.Attempts >= q.MaxAttempts
	}), nil
}

func (m *MemoryRepository) MarkPublished(_ context.Context, id string, at time.Time) error {
	return m.update(id, func(r *OutboxRow) {
		published := at.UTC()
		r.Status = StatusPublished
		r.PublishedAt = &published
	})
}

func (m *MemoryRepository) MarkFailed(_ context.Context, id string, lastError string) error {
	return m.update(id, func(r *OutboxRow) {
		r.Attempts++
		r.LastError = lastError
	})
}

func (m *MemoryRepository) MarkDeadLettered(_ context.Context, id string) error {
	return m.update(id, func(r *OutboxRow) {
		r.Status = StatusDeadLettered
	})
}

func (m *MemoryRepository) PurgePublished(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for id, r := range m.rows {
		if r.Status != StatusPublished || r.PublishedAt == nil || !r.PublishedAt.Before(olderThan) {
			continue
		}
		if r.Sequence >= m.sequences[r.AggregateID] {
			continue
		}
		delete(m.rows, id)
		purged++
	}
	return purged, nil
}

func (m *MemoryRepository) Ping(context.Context) error { return nil }

func (m *MemoryRepository) Close() error { return nil }

// Get returns a copy of the row with the given id.
func (m *MemoryRepository) Get(id string) (OutboxRow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return OutboxRow{}, false
	}
	return *r, true
}

// Rows returns a snapshot of every row, ordered like FetchPending.
func (m *MemoryRepository) Rows() []OutboxRow {
	return m.selectRows(FetchQuery{BatchSize: -1}, func(*OutboxRow) bool { return true })
}

// tick returns a non-decreasing creation time. Callers hold m.mu.
func (m *MemoryRepository) tick() time.Time {
	at := m.now().UTC()
	if at.Before(m.lastAt) {
		at = m.lastAt
	}
	m.lastAt = at
	return at
}

func (m *MemoryRepository) selectRows(q FetchQuery, keep func(*OutboxRow) bool) []OutboxRow {
	limit := q.BatchSize
	q = q.normalize()

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []OutboxRow
	for _, r := range m.rows {
		if keep(r) && q.Owns(r.Partition) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.AggregateID != b.AggregateID {
			return a.AggregateID < b.AggregateID
		}
		return a.Sequence < b.Sequence
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryRepository) update(id string, fn func(*OutboxRow)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return ErrEventNotFound
	}
	fn(r)
	return nil
}
