package intake

import (
	"context"
	"sync"
)

// Memory is an in-process intake for deployments without Redis.
type Memory struct {
	mu      sync.Mutex
	pending []int64
	stop    []StopRequest
	updated map[int64]struct{}
}

func NewMemory() *Memory {
	return &Memory{updated: make(map[int64]struct{})}
}

func (m *Memory) DrainPending(ctx context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.pending
	m.pending = nil
	return out, nil
}

func (m *Memory) DrainStop(ctx context.Context) ([]StopRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.stop
	m.stop = nil
	return out, nil
}

func (m *Memory) DrainUpdatedSlaves(ctx context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.updated) == 0 {
		return nil, nil
	}
	out := make([]int64, 0, len(m.updated))
	for id := range m.updated {
		out = append(out, id)
	}
	m.updated = make(map[int64]struct{})
	return out, nil
}

func (m *Memory) EnqueuePending(ctx context.Context, ids ...int64) error {
	m.mu.Lock()
	m.pending = append(m.pending, ids...)
	m.mu.Unlock()
	return nil
}

func (m *Memory) RequestStop(ctx context.Context, reqs ...StopRequest) error {
	m.mu.Lock()
	m.stop = append(m.stop, reqs...)
	m.mu.Unlock()
	return nil
}

func (m *Memory) MarkSlaveUpdated(ctx context.Context, ids ...int64) error {
	m.mu.Lock()
	for _, id := range ids {
		m.updated[id] = struct{}{}
	}
	m.mu.Unlock()
	return nil
}
