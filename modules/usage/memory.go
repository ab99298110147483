package usage

import (
	"context"
	"maps"
	"sync"
	"time"
)

// Totals aggregates the records of one key.
type Totals struct {
	Requests int64     `json:"requests"`
	Units    int64     `json:"units"`
	Faults   int64     `json:"faults"`
	LastSeen time.Time `json:"last_seen"`
}

func (t *Totals) add(rec Record) {
	t.Requests++
	t.Units += rec.Units
	if rec.Status >= 500 {
		t.Faults++
	}
	if rec.At.After(t.LastSeen) {
		t.LastSeen = rec.At
	}
}

// MemoryLedger keeps per-key totals in process memory.
type MemoryLedger struct {
	mu     sync.RWMutex
	totals map[string]Totals
}

var _ Accountant = (*MemoryLedger)(nil)

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{totals: make(map[string]Totals)}
}

func (m *MemoryLedger) Record(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.totals[rec.Key]
	t.add(rec)
	m.totals[rec.Key] = t
	return nil
}

func (m *MemoryLedger) Total(key string) (Totals, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.totals[key]
	return t, ok
}

// Snapshot returns a copy of all totals. A nil ledger has none.
func (m *MemoryLedger) Snapshot() map[string]Totals {
	if m == nil {
		return map[string]Totals{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.totals)
}
