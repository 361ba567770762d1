// Package dispatcher drains the priority index and executes attempts under
// breaker and limiter protection, writing every outcome back to the store.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nuetzliches/relayq/internal/breaker"
	"github.com/nuetzliches/relayq/internal/index"
	"github.com/nuetzliches/relayq/internal/queue"
	"github.com/nuetzliches/relayq/internal/ratelimit"
)

// AttemptFunc executes one work item against its dependency. A nil return
// completes the item; any error drives the retry policy.
type AttemptFunc func(ctx context.Context, payload []byte) error

// Route binds one queue to one dependency and its attempt function.
type Route struct {
	Queue          string
	Dependency     string
	Attempt        AttemptFunc
	Workers        int
	BatchSize      int
	AttemptTimeout time.Duration
}

// Outcome labels for the per-attempt observation hook.
const (
	OutcomeCompleted    = "completed"
	OutcomeRetry        = "retry"
	OutcomeDeadLetter   = "dead_letter"
	OutcomeCircuitOpen  = "circuit_open"
	OutcomeRateLimited  = "rate_limited"
	OutcomeStaleEntry   = "stale_entry"
	OutcomeClaimLost    = "claim_lost"
	OutcomeStorageError = "storage_error"
)

type Dispatcher struct {
	Store    queue.Store
	Indexes  *index.Registry
	Breakers *breaker.Registry
	Limiters *ratelimit.Registry
	Routes   []Route
	Logger   *slog.Logger

	// BaseDelay seeds the exponential backoff; zero means DefaultBaseDelay.
	BaseDelay time.Duration
	// PollInterval is the idle sleep between empty pops.
	PollInterval   time.Duration
	Now            func() time.Time
	ObserveOutcome func(queueName, dependency, outcome string)

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Start spawns the per-route worker goroutines. Call Drain to stop them.
func (d *Dispatcher) Start() {
	if d.Store == nil || d.Indexes == nil || d.Breakers == nil || d.Limiters == nil {
		return
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d.stopCh = make(chan struct{})

	for _, rt := range d.Routes {
		if rt.Attempt == nil || rt.Queue == "" {
			continue
		}
		workers := rt.Workers
		if workers <= 0 {
			workers = 1
		}
		for i := 0; i < workers; i++ {
			d.wg.Add(1)
			go d.runRoute(logger, rt)
		}
	}
}

// Drain signals all workers to stop and waits for in-flight attempts to
// finish. Returns true if everything stopped before the timeout.
func (d *Dispatcher) Drain(timeout time.Duration) bool {
	if d.stopCh == nil {
		return true
	}
	d.stopOnce.Do(func() { close(d.stopCh) })
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) observe(rt Route, outcome string) {
	if d.ObserveOutcome != nil {
		d.ObserveOutcome(rt.Queue, rt.Dependency, outcome)
	}
}

func (d *Dispatcher) runRoute(logger *slog.Logger, rt Route) {
	defer d.wg.Done()

	poll := d.PollInterval
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}

	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		if d.RunCycle(logger, rt) == 0 {
			select {
			case <-d.stopCh:
				return
			case <-time.After(poll):
			}
		}
	}
}

// RunCycle pops one batch for the route and processes every entry.
// Returns the number of entries popped, so idle workers can back off.
func (d *Dispatcher) RunCycle(logger *slog.Logger, rt Route) int {
	if logger == nil {
		logger = slog.Default()
	}
	batch := rt.BatchSize
	if batch <= 0 {
		batch = 100
	}

	idx := d.Indexes.For(rt.Queue)
	entries, err := idx.PopBatch(batch, d.now())
	if err != nil {
		logger.Warn("dispatch_pop_failed",
			slog.String("queue", rt.Queue),
			slog.Any("err", err),
		)
		return 0
	}

	for _, entry := range entries {
		d.processEntry(logger, rt, idx, entry)
	}
	return len(entries)
}

func (d *Dispatcher) processEntry(logger *slog.Logger, rt Route, idx index.Index, entry index.Entry) {
	item, err := d.Store.Get(entry.ID)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			d.observe(rt, OutcomeStaleEntry)
			return
		}
		// Storage trouble: the entry goes back so it is not lost.
		d.requeueEntry(logger, rt, idx, entry)
		d.observe(rt, OutcomeStorageError)
		logger.Warn("dispatch_get_failed",
			slog.String("queue", rt.Queue),
			slog.String("item_id", entry.ID),
			slog.Any("err", err),
		)
		return
	}
	if item.Status != queue.StatusPending {
		d.observe(rt, OutcomeStaleEntry)
		return
	}

	item, err = d.Store.Claim(entry.ID)
	if err != nil {
		if errors.Is(err, queue.ErrClaimConflict) || errors.Is(err, queue.ErrNotFound) {
			d.observe(rt, OutcomeClaimLost)
			return
		}
		d.requeueEntry(logger, rt, idx, entry)
		d.observe(rt, OutcomeStorageError)
		logger.Warn("dispatch_claim_failed",
			slog.String("queue", rt.Queue),
			slog.String("item_id", entry.ID),
			slog.Any("err", err),
		)
		return
	}

	if !d.Limiters.Acquire(rt.Dependency, 1) {
		// Flow control, not a failure: revert the claim and put the
		// entry back untouched.
		d.revertToPending(logger, rt, item.ID, nil)
		d.requeueEntry(logger, rt, idx, entry)
		d.observe(rt, OutcomeRateLimited)
		return
	}

	err = d.Breakers.Call(context.Background(), rt.Dependency, func(ctx context.Context) error {
		timeout := rt.AttemptTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return rt.Attempt(attemptCtx, item.Payload)
	})

	switch {
	case err == nil:
		d.completeItem(logger, rt, item)
	case errors.Is(err, breaker.ErrCircuitOpen):
		d.rescheduleForRecovery(logger, rt, idx, item, entry)
	default:
		d.failItem(logger, rt, idx, item, entry, err)
	}
}

func (d *Dispatcher) completeItem(logger *slog.Logger, rt Route, item queue.Item) {
	now := d.now()
	_, err := d.Store.Update(queue.UpdateRequest{
		ID:          item.ID,
		Status:      queue.StatusCompleted,
		ProcessedAt: &now,
	})
	if err != nil {
		logger.Warn("dispatch_complete_failed",
			slog.String("queue", rt.Queue),
			slog.String("item_id", item.ID),
			slog.Any("err", err),
		)
		return
	}
	d.observe(rt, OutcomeCompleted)
	logger.Info("dispatch_completed",
		slog.String("queue", rt.Queue),
		slog.String("item_id", item.ID),
		slog.String("dependency", rt.Dependency),
	)
}

// rescheduleForRecovery handles an open circuit: systemic, not the item's
// fault, so retry_count stays put and the item comes back when the breaker
// is due for its trial call.
func (d *Dispatcher) rescheduleForRecovery(logger *slog.Logger, rt Route, idx index.Index, item queue.Item, entry index.Entry) {
	recovery := breaker.DefaultRecoveryTimeout
	if snap, ok := d.Breakers.Status(rt.Dependency); ok {
		recovery = snap.RecoveryTimeout
	}
	at := d.now().Add(recovery)

	d.revertToPending(logger, rt, item.ID, &at)
	entry.ScheduledAt = at
	d.requeueEntry(logger, rt, idx, entry)
	d.observe(rt, OutcomeCircuitOpen)
	logger.Info("dispatch_circuit_open",
		slog.String("queue", rt.Queue),
		slog.String("item_id", item.ID),
		slog.String("dependency", rt.Dependency),
		slog.Time("rescheduled_at", at),
	)
}

func (d *Dispatcher) failItem(logger *slog.Logger, rt Route, idx index.Index, item queue.Item, entry index.Entry, attemptErr error) {
	msg := attemptErr.Error()
	if _, err := d.Store.Update(queue.UpdateRequest{
		ID:           item.ID,
		Status:       queue.StatusFailed,
		ErrorMessage: &msg,
	}); err != nil {
		logger.Warn("dispatch_fail_update_failed",
			slog.String("queue", rt.Queue),
			slog.String("item_id", item.ID),
			slog.Any("err", err),
		)
		return
	}

	decision := Decide(item, d.now(), d.BaseDelay)
	if decision.DeadLetter {
		if _, err := d.Store.Update(queue.UpdateRequest{
			ID:          item.ID,
			Status:      queue.StatusDeadLetter,
			ProcessedAt: &decision.ProcessedAt,
		}); err != nil {
			logger.Warn("dispatch_dead_letter_failed",
				slog.String("queue", rt.Queue),
				slog.String("item_id", item.ID),
				slog.Any("err", err),
			)
			return
		}
		d.observe(rt, OutcomeDeadLetter)
		logger.Warn("dispatch_dead_lettered",
			slog.String("queue", rt.Queue),
			slog.String("item_id", item.ID),
			slog.String("dependency", rt.Dependency),
			slog.Int("retry_count", decision.RetryCount),
			slog.String("err", msg),
		)
		return
	}

	if _, err := d.Store.Update(queue.UpdateRequest{
		ID:          item.ID,
		Status:      queue.StatusPending,
		RetryCount:  &decision.RetryCount,
		ScheduledAt: &decision.ScheduledAt,
	}); err != nil {
		logger.Warn("dispatch_retry_update_failed",
			slog.String("queue", rt.Queue),
			slog.String("item_id", item.ID),
			slog.Any("err", err),
		)
		return
	}
	entry.ScheduledAt = decision.ScheduledAt
	entry.Seq = d.Indexes.NextSeq()
	d.requeueEntry(logger, rt, idx, entry)
	d.observe(rt, OutcomeRetry)
	logger.Info("dispatch_retry_scheduled",
		slog.String("queue", rt.Queue),
		slog.String("item_id", item.ID),
		slog.String("dependency", rt.Dependency),
		slog.Int("retry_count", decision.RetryCount),
		slog.Time("scheduled_at", decision.ScheduledAt),
		slog.String("err", msg),
	)
}

func (d *Dispatcher) revertToPending(logger *slog.Logger, rt Route, id string, scheduledAt *time.Time) {
	if _, err := d.Store.Update(queue.UpdateRequest{
		ID:          id,
		Status:      queue.StatusPending,
		ScheduledAt: scheduledAt,
	}); err != nil {
		logger.Warn("dispatch_revert_failed",
			slog.String("queue", rt.Queue),
			slog.String("item_id", id),
			slog.Any("err", err),
		)
	}
}

func (d *Dispatcher) requeueEntry(logger *slog.Logger, rt Route, idx index.Index, entry index.Entry) {
	if err := idx.Push(entry); err != nil {
		logger.Warn("dispatch_requeue_failed",
			slog.String("queue", rt.Queue),
			slog.String("item_id", entry.ID),
			slog.Any("err", err),
		)
	}
}
