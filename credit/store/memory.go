// Package store provides in-memory implementations of the credit store
// interfaces.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/credit-engine/credit"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu        sync.RWMutex
	audit     []credit.AuditEntry
	entities  map[credit.EntityID]credit.Entity
	approvals []credit.ApprovalRecord
	taxRuns   map[string]credit.TaxRun
	runOrder  []string
	cursors   map[string]uint64
}

func NewMemory() *Memory {
	return &Memory{
		entities: make(map[credit.EntityID]credit.Entity),
		taxRuns:  make(map[string]credit.TaxRun),
		cursors:  make(map[string]uint64),
	}
}

// Append adds an audit entry. Append-only.
func (m *Memory) Append(_ context.Context, entry credit.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) Query(_ context.Context, filter credit.AuditFilter) ([]credit.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []credit.AuditEntry
	for _, e := range m.audit {
		if !filter.Matches(e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Create(_ context.Context, e credit.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[e.ID]; ok {
		return credit.ErrEntityExists
	}
	m.entities[e.ID] = e.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, id credit.EntityID) (credit.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	if !ok {
		return credit.Entity{}, credit.ErrNotFound
	}
	return e.Clone(), nil
}

func (m *Memory) Save(_ context.Context, e credit.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[e.ID]; !ok {
		return credit.ErrNotFound
	}
	m.entities[e.ID] = e.Clone()
	return nil
}

func (m *Memory) List(_ context.Context) ([]credit.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]credit.Entity, 0, len(m.entities))
	for _, e := range m.entities {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) AppendApproval(_ context.Context, rec credit.ApprovalRecord) (credit.ApprovalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Sequence = uint64(len(m.approvals)) + 1
	m.approvals = append(m.approvals, rec)
	return rec, nil
}

func (m *Memory) ApprovalRecords(_ context.Context) ([]credit.ApprovalRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]credit.ApprovalRecord, len(m.approvals))
	copy(out, m.approvals)
	return out, nil
}

func (m *Memory) SaveTaxRun(_ context.Context, run credit.TaxRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.taxRuns[run.ID]; !ok {
		m.runOrder = append(m.runOrder, run.ID)
	}
	m.taxRuns[run.ID] = run
	return nil
}

func (m *Memory) TaxRuns(_ context.Context, status credit.TaxRunStatus) ([]credit.TaxRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []credit.TaxRun
	for i := len(m.runOrder) - 1; i >= 0; i-- {
		run := m.taxRuns[m.runOrder[i]]
		if status != "" && run.Status != status {
			continue
		}
		out = append(out, run)
	}
	return out, nil
}

func (m *Memory) Cursor(_ context.Context, name string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursors[name], nil
}

func (m *Memory) SaveCursor(_ context.Context, name string, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[name] = seq
	return nil
}
