package locationagent

import "time"

// EntityState is the per-entity poll state carried across cycles.
type EntityState struct {
	LastLocation *Coordinates
	Interval     time.Duration
}

// StateStore owns the per-entity poll state. Implementations do not need to
// be safe for concurrent use: the scheduler loop is the single mutator.
type StateStore interface {
	Get(entityID string) (EntityState, bool)
	Put(entityID string, state EntityState)
	// Snapshot returns a copy of all known states keyed by entity id.
	Snapshot() map[string]EntityState
}

// MemoryStateStore is the in-process StateStore used by default. Entities
// that stop appearing in fetches keep their last state; the population is
// small and stable, so nothing is ever evicted.
type MemoryStateStore struct {
	states map[string]EntityState
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]EntityState)}
}

func (m *MemoryStateStore) Get(entityID string) (EntityState, bool) {
	state, ok := m.states[entityID]
	return state, ok
}

func (m *MemoryStateStore) Put(entityID string, state EntityState) {
	m.states[entityID] = state
}

func (m *MemoryStateStore) Snapshot() map[string]EntityState {
	out := make(map[string]EntityState, len(m.states))
	for id, state := range m.states {
		out[id] = state
	}
	return out
}
