package index

import (
	"container/heap"
	"sync"
	"time"
)

// MemoryIndex is a mutex-guarded binary heap over the composite ordering
// key. PopBatch peels entries off the top and pushes back anything not yet
// due, so a future-scheduled head never hides due entries behind it.
type MemoryIndex struct {
	mu      sync.Mutex
	entries entryHeap
}

var _ Index = (*MemoryIndex)(nil)

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{}
}

func (m *MemoryIndex) Push(entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	heap.Push(&m.entries, entry)
	return nil
}

func (m *MemoryIndex) PopBatch(limit int, now time.Time) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Entry
	var notDue []Entry
	for len(out) < limit && m.entries.Len() > 0 {
		entry := heap.Pop(&m.entries).(Entry)
		if entry.ScheduledAt.After(now) {
			notDue = append(notDue, entry)
			continue
		}
		out = append(out, entry)
	}
	for _, entry := range notDue {
		heap.Push(&m.entries, entry)
	}
	return out, nil
}

func (m *MemoryIndex) Size() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.Len(), nil
}

type entryHeap []Entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return entryLess(h[i], h[j]) }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(Entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}
