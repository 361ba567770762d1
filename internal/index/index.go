// Package index holds the fast, ephemeral ordering structure the dispatchers
// drain. It mirrors pending work items so the hot path never scans durable
// storage; the store stays authoritative and every popped entry is
// re-validated before being acted on.
package index

import (
	"sync"
	"time"
)

// Entry is a lightweight projection of a pending item. It carries enough to
// dispatch without a store read, but is only a hint: a popped entry whose
// item is no longer pending is discarded as stale.
type Entry struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Priority      int       `json:"priority"`
	ScheduledAt   time.Time `json:"scheduled_at"`
	Payload       []byte    `json:"payload,omitempty"`
	Seq           uint64    `json:"seq"`
}

// Index orders entries by (priority desc, scheduled_at asc, seq asc).
// PopBatch removes and returns up to limit entries due at now; entries
// scheduled in the future stay indexed.
type Index interface {
	Push(entry Entry) error
	PopBatch(limit int, now time.Time) ([]Entry, error)
	Size() (int, error)
}

// Registry hands out one index per queue name, created lazily from the
// configured backend factory.
type Registry struct {
	mu      sync.Mutex
	newFn   func(queueName string) Index
	indexes map[string]Index
	seq     uint64
}

func NewRegistry(newFn func(queueName string) Index) *Registry {
	if newFn == nil {
		newFn = func(string) Index { return NewMemoryIndex() }
	}
	return &Registry{
		newFn:   newFn,
		indexes: make(map[string]Index),
	}
}

func (r *Registry) For(queueName string) Index {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.indexes[queueName]
	if !ok {
		idx = r.newFn(queueName)
		r.indexes[queueName] = idx
	}
	return idx
}

// NextSeq allocates a process-wide insertion sequence number. Entries pushed
// later sort after entries pushed earlier when priority and schedule tie.
func (r *Registry) NextSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return r.seq
}

// Depth sums the sizes of all indexes created so far.
func (r *Registry) Depth() (int, error) {
	r.mu.Lock()
	indexes := make([]Index, 0, len(r.indexes))
	for _, idx := range r.indexes {
		indexes = append(indexes, idx)
	}
	r.mu.Unlock()

	total := 0
	for _, idx := range indexes {
		n, err := idx.Size()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func entryLess(a, b Entry) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	return a.Seq < b.Seq
}
