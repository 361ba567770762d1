package queue

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound          = errors.New("item not found")
	ErrItemExists        = errors.New("item already exists")
	ErrClaimConflict     = errors.New("claim conflict")
	ErrImmutable         = errors.New("item is terminal")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrRetryBudget       = errors.New("retry count exceeds max retries")
)

type MemoryOption func(*MemoryStore)

func WithNowFunc(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// MemoryStore is the reference Store implementation. It holds everything
// under one mutex, which trivially gives the per-item atomicity the
// contract demands.
type MemoryStore struct {
	mu    sync.Mutex
	nowFn func() time.Time
	items map[string]*Item
	seq   []string // creation order, for deterministic listings
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		nowFn: time.Now,
		items: make(map[string]*Item),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Create(item Item) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(item)
}

func (s *MemoryStore) CreateBatch(items []Item) ([]string, error) {
	if len(items) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Pre-validate so the batch commits all-or-nothing.
	seen := make(map[string]struct{}, len(items))
	for i := range items {
		id := items[i].ID
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			return nil, ErrItemExists
		}
		seen[id] = struct{}{}
		if _, exists := s.items[id]; exists {
			return nil, ErrItemExists
		}
	}

	ids := make([]string, 0, len(items))
	for i := range items {
		id, err := s.createLocked(items[i])
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStore) createLocked(item Item) (string, error) {
	now := s.nowFn()

	if item.ID == "" {
		item.ID = newHexID("itm_")
	}
	if _, exists := s.items[item.ID]; exists {
		return "", ErrItemExists
	}
	if item.Status == "" {
		item.Status = StatusPending
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.ScheduledAt.Before(item.CreatedAt) {
		item.ScheduledAt = item.CreatedAt
	}
	if item.MaxRetries < 0 {
		item.MaxRetries = 0
	}
	if item.Payload == nil {
		item.Payload = []byte{}
	}
	item.Version = 1

	cpy := item
	cpy.Payload = append([]byte(nil), item.Payload...)
	s.items[item.ID] = &cpy
	s.seq = append(s.seq, item.ID)
	return item.ID, nil
}

func (s *MemoryStore) Get(id string) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	return cloneItem(item), nil
}

func (s *MemoryStore) Claim(id string) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	if item.Status != StatusPending {
		return Item{}, ErrClaimConflict
	}
	item.Status = StatusProcessing
	item.ClaimedAt = s.nowFn()
	item.Version++
	return cloneItem(item), nil
}

func (s *MemoryStore) Update(req UpdateRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[req.ID]
	if !ok {
		return false, nil
	}
	if item.Status.Terminal() {
		return false, ErrImmutable
	}
	if !validTransition(item.Status, req.Status) {
		return false, ErrInvalidTransition
	}
	if req.RetryCount != nil && *req.RetryCount > item.MaxRetries && req.Status != StatusDeadLetter {
		return false, ErrRetryBudget
	}

	item.Status = req.Status
	if req.RetryCount != nil {
		item.RetryCount = *req.RetryCount
	}
	if req.ScheduledAt != nil {
		item.ScheduledAt = *req.ScheduledAt
	}
	if req.ProcessedAt != nil {
		item.ProcessedAt = *req.ProcessedAt
	}
	if req.ErrorMessage != nil {
		item.ErrorMessage = *req.ErrorMessage
	}
	item.Version++
	return true, nil
}

func (s *MemoryStore) CountByStatus(queueName string, status Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, item := range s.items {
		if item.Queue == queueName && item.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListEligible(req EligibleRequest) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := req.Now
	if now.IsZero() {
		now = s.nowFn()
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}

	out := make([]Item, 0, limit)
	for _, id := range s.seq {
		item, ok := s.items[id]
		if !ok || item.Queue != req.Queue {
			continue
		}
		if !req.StaleBefore.IsZero() {
			if item.Status == StatusProcessing && item.ClaimedAt.Before(req.StaleBefore) {
				out = append(out, cloneItem(item))
			}
			continue
		}
		if item.Status != StatusPending {
			continue
		}
		if item.Priority < req.MinPriority {
			continue
		}
		if item.ScheduledAt.After(now) {
			continue
		}
		out = append(out, cloneItem(item))
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) RequeueFailed(req RequeueRequest) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	out := make([]Item, 0)
	for _, id := range s.seq {
		item, ok := s.items[id]
		if !ok || item.Queue != req.Queue {
			continue
		}
		if item.CreatedAt.Before(req.Cutoff) {
			continue
		}
		switch item.Status {
		case StatusFailed:
			if item.RetryCount >= item.MaxRetries {
				continue
			}
		case StatusDeadLetter:
			if !req.IncludeDead {
				continue
			}
			item.RetryCount = 0
			item.ProcessedAt = time.Time{}
		default:
			continue
		}
		item.Status = StatusPending
		item.ScheduledAt = now
		item.Version++
		out = append(out, cloneItem(item))
	}
	return out, nil
}

func (s *MemoryStore) DeleteOlderThan(queueName string, statuses []Status, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	match := make(map[Status]struct{}, len(statuses))
	for _, st := range statuses {
		match[st] = struct{}{}
	}

	deleted := 0
	kept := s.seq[:0]
	for _, id := range s.seq {
		item, ok := s.items[id]
		if !ok {
			continue
		}
		_, want := match[item.Status]
		if want && item.Queue == queueName && item.CreatedAt.Before(cutoff) {
			delete(s.items, id)
			deleted++
			continue
		}
		kept = append(kept, id)
	}
	s.seq = kept
	return deleted, nil
}

func (s *MemoryStore) Stats(queueName string) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Queue: queueName}
	var sampled int
	var totalSeconds float64
	// Walk newest-first so the average covers recent completions.
	for i := len(s.seq) - 1; i >= 0; i-- {
		item, ok := s.items[s.seq[i]]
		if !ok || item.Queue != queueName {
			continue
		}
		switch item.Status {
		case StatusPending:
			st.Pending++
		case StatusProcessing:
			st.Processing++
		case StatusCompleted:
			st.Completed++
			if sampled < statsAvgSample && !item.ProcessedAt.IsZero() {
				totalSeconds += item.ProcessedAt.Sub(item.CreatedAt).Seconds()
				sampled++
			}
		case StatusFailed:
			st.Failed++
		case StatusDeadLetter:
			st.DeadLetter++
		}
	}
	if sampled > 0 {
		st.AvgProcessingSeconds = totalSeconds / float64(sampled)
	}
	finished := st.Completed + st.Failed + st.DeadLetter
	if finished > 0 {
		st.SuccessRate = float64(st.Completed) / float64(finished) * 100
	}
	return st, nil
}

func cloneItem(item *Item) Item {
	cpy := *item
	cpy.Payload = append([]byte(nil), item.Payload...)
	return cpy
}

func newHexID(prefix string) string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return prefix + hex.EncodeToString(b[:])
}
