package stats

import (
	"context"
	"maps"
	"sync"
)

// MemoryRecorder keeps counters in process. Nothing expires.
type MemoryRecorder struct {
	mu       sync.Mutex
	byStatus map[string]int64
	byCode   map[int]int64
	bySource map[string]int64
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{
		byStatus: make(map[string]int64),
		byCode:   make(map[int]int64),
		bySource: make(map[string]int64),
	}
}

func (m *MemoryRecorder) Record(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byStatus[ev.Status]++
	if ev.Code != 0 {
		m.byCode[ev.Code]++
	}
	if ev.Source != "" {
		m.bySource[ev.Source]++
	}
	return nil
}

func (m *MemoryRecorder) Totals(context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.byStatus), nil
}

func (m *MemoryRecorder) ByCode() map[int]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.byCode)
}

func (m *MemoryRecorder) BySource() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.bySource)
}
