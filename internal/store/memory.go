package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-memory Store used by tests and local development.
// Semantics mirror the Postgres implementation.
type Memory struct {
	mu       sync.Mutex
	bindings map[int64]Binding
	admins   []Admin
	calls    map[int64]CallRecord
	chats    map[int64]ChatInfo
}

func NewMemory() *Memory {
	return &Memory{
		bindings: make(map[int64]Binding),
		calls:    make(map[int64]CallRecord),
		chats:    make(map[int64]ChatInfo),
	}
}

func (m *Memory) UpsertBinding(_ context.Context, b Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	m.bindings[b.ScenarioID] = b
	return nil
}

func (m *Memory) RemoveBinding(_ context.Context, scenarioID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bindings, scenarioID)
	return nil
}

func (m *Memory) ListBindings(_ context.Context) ([]Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Binding, 0, len(m.bindings))
	for _, b := range m.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScenarioID < out[j].ScenarioID })
	return out, nil
}

func (m *Memory) BindingForScenario(_ context.Context, scenarioID int64) (Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[scenarioID]
	if !ok {
		return Binding{}, ErrNotFound
	}
	return b, nil
}

func (m *Memory) AddAdmin(_ context.Context, a Admin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ex := range m.admins {
		if (a.UserID != 0 && ex.UserID == a.UserID) || (a.Username != "" && ex.Username == a.Username) {
			return nil
		}
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	m.admins = append(m.admins, a)
	return nil
}

func (m *Memory) RemoveAdmin(_ context.Context, ref AdminRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.admins[:0]
	for _, a := range m.admins {
		if (ref.UserID != 0 && a.UserID == ref.UserID) || (ref.Username != "" && a.Username == ref.Username) {
			continue
		}
		kept = append(kept, a)
	}
	m.admins = kept
	return nil
}

func (m *Memory) ListAdmins(_ context.Context) ([]Admin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Admin, len(m.admins))
	copy(out, m.admins)
	return out, nil
}

func (m *Memory) IsStoredAdmin(_ context.Context, ref AdminRef) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.admins {
		if (ref.UserID != 0 && a.UserID == ref.UserID) || (ref.Username != "" && a.Username == ref.Username) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) RecordCall(_ context.Context, r CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.calls[r.CallID]; ok {
		return nil
	}
	if r.ProcessedAt.IsZero() {
		r.ProcessedAt = time.Now().UTC()
	}
	m.calls[r.CallID] = r
	return nil
}

func (m *Memory) CallSeen(_ context.Context, callID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.calls[callID]
	return ok, nil
}

// CallRecordFor exposes a logged row for test assertions.
func (m *Memory) CallRecordFor(callID int64) (CallRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.calls[callID]
	return r, ok
}

func (m *Memory) UpsertChat(_ context.Context, c ChatInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	m.chats[c.ID] = c
	return nil
}

func (m *Memory) ListChats(_ context.Context) ([]ChatInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChatInfo, 0, len(m.chats))
	for _, c := range m.chats {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

var _ Store = (*Memory)(nil)
var _ Store = (*Postgres)(nil)
