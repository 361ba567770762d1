package queue

import "time"

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// Terminal reports whether an item in this status is immutable.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter
}

// Item is one unit of work. The store is the single source of truth for it;
// dispatchers only ever hold a transient working copy.
type Item struct {
	ID            string
	CorrelationID string
	Queue         string
	Priority      int
	Payload       []byte
	Status        Status
	RetryCount    int
	MaxRetries    int
	CreatedAt     time.Time
	ScheduledAt   time.Time
	ClaimedAt     time.Time
	ProcessedAt   time.Time
	ErrorMessage  string
	Version       int
}

// UpdateRequest mutates status and the fields the dispatcher owns. Nil
// pointers leave the corresponding field untouched.
type UpdateRequest struct {
	ID           string
	Status       Status
	RetryCount   *int
	ScheduledAt  *time.Time
	ProcessedAt  *time.Time
	ErrorMessage *string
}

type EligibleRequest struct {
	Queue       string
	MinPriority int
	Now         time.Time
	Limit       int

	// StaleBefore switches the query to the reconciliation filter: items
	// stuck in processing whose claim happened before the cutoff. The
	// sweep that acts on them runs outside this module.
	StaleBefore time.Time
}

type RequeueRequest struct {
	Queue       string
	Cutoff      time.Time
	IncludeDead bool
}

type Stats struct {
	Queue                string
	Pending              int
	Processing           int
	Completed            int
	Failed               int
	DeadLetter           int
	AvgProcessingSeconds float64
	SuccessRate          float64
}

// Store is the durable work record. Every mutating call persists before
// returning success; Claim and Update are atomic per item so racing
// dispatchers cannot both win the same transition.
type Store interface {
	Create(item Item) (string, error)
	// CreateBatch commits all items or none.
	CreateBatch(items []Item) ([]string, error)
	Get(id string) (Item, error)
	// Claim atomically moves a pending item to processing and returns it.
	// Exactly one of several concurrent claimers succeeds; the rest get
	// ErrClaimConflict.
	Claim(id string) (Item, error)
	// Update applies a guarded status transition. Returns false when the id
	// is absent, ErrImmutable when the item is terminal, and
	// ErrInvalidTransition when the transition leaves the lifecycle DAG.
	Update(req UpdateRequest) (bool, error)
	CountByStatus(queueName string, status Status) (int, error)
	ListEligible(req EligibleRequest) ([]Item, error)
	// RequeueFailed is the administrative re-entry point: failed items with
	// retry budget left (and, when requested, dead-lettered items) created
	// after the cutoff go back to pending. Returns the requeued items so
	// the caller can re-insert index entries.
	RequeueFailed(req RequeueRequest) ([]Item, error)
	DeleteOlderThan(queueName string, statuses []Status, cutoff time.Time) (int, error)
	Stats(queueName string) (Stats, error)
}

// statsAvgSample bounds the completed-item window used for the average
// processing time, matching CountByStatus cost under large backlogs.
const statsAvgSample = 100

func validTransition(from, to Status) bool {
	if from == to {
		return !from.Terminal()
	}
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusPending
	case StatusFailed:
		return to == StatusPending || to == StatusDeadLetter
	}
	return false
}
