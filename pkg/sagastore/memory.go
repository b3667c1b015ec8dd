// Package sagastore persists saga instances and the commands they emit.
package sagastore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/zoff-tech/go-fulfillment/pkg/saga"
	"github.com/zoff-tech/go-fulfillment/pkg/store"
	"github.com/zoff-tech/go-fulfillment/schema"
)

// Memory keeps sagas in a map and writes commands to an in-memory outbox.
type Memory struct {
	mu     sync.Mutex
	sagas  map[string]*saga.Instance
	outbox *store.MemoryRepository

	// SaveHook, when set, runs before every Save and can fail it.
	SaveHook func(inst *saga.Instance, expectedVersion int64) error
}

func NewMemory(outbox *store.MemoryRepository) *Memory {
	if outbox == nil {
		outbox = store.NewMemoryRepository()
	}
	return &Memory{sagas: make(map[string]*saga.Instance), outbox: outbox}
}

// Outbox returns the repository commands are written to.
func (m *Memory) Outbox() *store.MemoryRepository {
	return m.outbox
}

func (m *Memory) Load(_ context.Context, sagaID string) (*saga.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.sagas[sagaID]
	if !ok {
		return nil, saga.ErrSagaNotFound
	}
	return inst.Clone(), nil
}

func (m *Memory) Save(ctx context.Context, inst *saga.Instance, expectedVersion int64, commands []schema.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveHook != nil {
		if err := m.SaveHook(inst, expectedVersion); err != nil {
			return err
		}
	}

	current, exists := m.sagas[inst.SagaID]
	switch {
	case expectedVersion == 0 && exists:
		return fmt.Errorf("%w: saga %s already exists", saga.ErrVersionConflict, inst.SagaID)
	case expectedVersion != 0 && (!exists || current.Version != expectedVersion):
		return fmt.Errorf("%w: saga %s expected version %d", saga.ErrVersionConflict, inst.SagaID, expectedVersion)
	}

	if len(commands) > 0 {
		if _, err := m.outbox.InsertAll(ctx, commands); err != nil {
			return fmt.Errorf("enqueue commands: %w", err)
		}
	}
	m.sagas[inst.SagaID] = inst.Clone()
	return nil
}

func (m *Memory) ListActive(context.Context) ([]*saga.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*saga.Instance
	for _, inst := range m.sagas {
		if !inst.Status.Terminal() {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SagaID < out[j].SagaID })
	return out, nil
}
