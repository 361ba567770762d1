// Package relay is the service facade over the queue core: enqueue,
// stats, administrative requeue and cleanup, and breaker/limiter
// observability. Only validation errors surface to callers; everything
// else is observed through item status and stats.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nuetzliches/relayq/internal/breaker"
	"github.com/nuetzliches/relayq/internal/index"
	"github.com/nuetzliches/relayq/internal/queue"
	"github.com/nuetzliches/relayq/internal/ratelimit"
)

const (
	DefaultMaxRetries = 3
	maxPriority       = 100
)

// ValidationError rejects a malformed enqueue before any item is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type EnqueueRequest struct {
	Queue         string
	Payload       json.RawMessage
	Priority      int
	CorrelationID string
	// MaxRetries defaults to DefaultMaxRetries when nil.
	MaxRetries *int
	// ScheduledAt optionally delays the first attempt.
	ScheduledAt time.Time
}

type BatchItem struct {
	Payload    json.RawMessage
	Priority   int
	MaxRetries *int
}

type BatchRequest struct {
	Queue         string
	CorrelationID string
	Items         []BatchItem
}

// Stats extends the store counters with the live index depth.
type Stats struct {
	queue.Stats
	IndexDepth int
}

type Service struct {
	Store    queue.Store
	Indexes  *index.Registry
	Breakers *breaker.Registry
	Limiters *ratelimit.Registry
	Logger   *slog.Logger
	Now      func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func validateItem(queueName string, payload json.RawMessage, priority int, maxRetries *int) error {
	if queueName == "" {
		return &ValidationError{Field: "queue", Reason: "required"}
	}
	if len(payload) == 0 {
		return &ValidationError{Field: "payload", Reason: "required"}
	}
	if !json.Valid(payload) {
		return &ValidationError{Field: "payload", Reason: "not valid json"}
	}
	if priority < 0 || priority > maxPriority {
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("must be between 0 and %d", maxPriority)}
	}
	if maxRetries != nil && *maxRetries < 0 {
		return &ValidationError{Field: "max_retries", Reason: "must not be negative"}
	}
	return nil
}

// Enqueue creates one work item and indexes it for dispatch.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validateItem(req.Queue, req.Payload, req.Priority, req.MaxRetries); err != nil {
		s.logger().Info("enqueue_rejected",
			slog.String("queue", req.Queue),
			slog.Any("err", err),
		)
		return "", err
	}

	maxRetries := DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	id, err := s.Store.Create(queue.Item{
		CorrelationID: req.CorrelationID,
		Queue:         req.Queue,
		Priority:      req.Priority,
		Payload:       req.Payload,
		MaxRetries:    maxRetries,
		ScheduledAt:   req.ScheduledAt,
	})
	if err != nil {
		return "", err
	}
	if err := s.indexItem(id); err != nil {
		// The store row stands; a reconciliation requeue will pick it up.
		s.logger().Warn("enqueue_index_failed",
			slog.String("queue", req.Queue),
			slog.String("item_id", id),
			slog.Any("err", err),
		)
	}

	s.logger().Info("item_enqueued",
		slog.String("queue", req.Queue),
		slog.String("item_id", id),
		slog.Int("priority", req.Priority),
	)
	return id, nil
}

// EnqueueBatch creates all items or none. Each element's correlation id is
// the request correlation id suffixed with its position.
func (s *Service) EnqueueBatch(ctx context.Context, req BatchRequest) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(req.Items) == 0 {
		return nil, &ValidationError{Field: "items", Reason: "required"}
	}
	for i, bi := range req.Items {
		if err := validateItem(req.Queue, bi.Payload, bi.Priority, bi.MaxRetries); err != nil {
			s.logger().Info("enqueue_batch_rejected",
				slog.String("queue", req.Queue),
				slog.Int("position", i),
				slog.Any("err", err),
			)
			return nil, err
		}
	}

	items := make([]queue.Item, 0, len(req.Items))
	for i, bi := range req.Items {
		maxRetries := DefaultMaxRetries
		if bi.MaxRetries != nil {
			maxRetries = *bi.MaxRetries
		}
		correlationID := req.CorrelationID
		if correlationID != "" {
			correlationID = fmt.Sprintf("%s-%d", req.CorrelationID, i)
		}
		items = append(items, queue.Item{
			CorrelationID: correlationID,
			Queue:         req.Queue,
			Priority:      bi.Priority,
			Payload:       bi.Payload,
			MaxRetries:    maxRetries,
		})
	}

	ids, err := s.Store.CreateBatch(items)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := s.indexItem(id); err != nil {
			s.logger().Warn("enqueue_index_failed",
				slog.String("queue", req.Queue),
				slog.String("item_id", id),
				slog.Any("err", err),
			)
		}
	}

	s.logger().Info("batch_enqueued",
		slog.String("queue", req.Queue),
		slog.Int("count", len(ids)),
	)
	return ids, nil
}

func (s *Service) indexItem(id string) error {
	item, err := s.Store.Get(id)
	if err != nil {
		return err
	}
	return s.Indexes.For(item.Queue).Push(index.Entry{
		ID:            item.ID,
		CorrelationID: item.CorrelationID,
		Priority:      item.Priority,
		ScheduledAt:   item.ScheduledAt,
		Payload:       item.Payload,
		Seq:           s.Indexes.NextSeq(),
	})
}

// Stats reports the store counters plus the queue's index depth.
func (s *Service) Stats(ctx context.Context, queueName string) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	st, err := s.Store.Stats(queueName)
	if err != nil {
		return Stats{}, err
	}
	depth, err := s.Indexes.For(queueName).Size()
	if err != nil {
		return Stats{}, err
	}
	return Stats{Stats: st, IndexDepth: depth}, nil
}

// RequeueDeadOrFailed is the administrative re-entry point: failed items
// with retry budget left and dead-lettered items no older than maxAge go
// back to pending and get fresh index entries.
func (s *Service) RequeueDeadOrFailed(ctx context.Context, queueName string, maxAge time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	items, err := s.Store.RequeueFailed(queue.RequeueRequest{
		Queue:       queueName,
		Cutoff:      s.now().Add(-maxAge),
		IncludeDead: true,
	})
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		if err := s.Indexes.For(item.Queue).Push(index.Entry{
			ID:            item.ID,
			CorrelationID: item.CorrelationID,
			Priority:      item.Priority,
			ScheduledAt:   item.ScheduledAt,
			Payload:       item.Payload,
			Seq:           s.Indexes.NextSeq(),
		}); err != nil {
			s.logger().Warn("requeue_index_failed",
				slog.String("queue", queueName),
				slog.String("item_id", item.ID),
				slog.Any("err", err),
			)
		}
	}

	s.logger().Info("items_requeued",
		slog.String("queue", queueName),
		slog.Int("count", len(items)),
	)
	return len(items), nil
}

// Cleanup purges terminal items older than maxAge. With no statuses given
// it removes completed and dead-lettered items.
func (s *Service) Cleanup(ctx context.Context, queueName string, maxAge time.Duration, statuses []queue.Status) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(statuses) == 0 {
		statuses = []queue.Status{queue.StatusCompleted, queue.StatusDeadLetter}
	}

	n, err := s.Store.DeleteOlderThan(queueName, statuses, s.now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	s.logger().Info("items_cleaned",
		slog.String("queue", queueName),
		slog.Int("count", n),
	)
	return n, nil
}

// StaleProcessing lists items stuck in processing longer than olderThan,
// for the external reconciliation sweep.
func (s *Service) StaleProcessing(ctx context.Context, queueName string, olderThan time.Duration, limit int) ([]queue.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.ListEligible(queue.EligibleRequest{
		Queue:       queueName,
		StaleBefore: s.now().Add(-olderThan),
		Limit:       limit,
	})
}

func (s *Service) BreakerStatus(name string) (breaker.Snapshot, bool) {
	return s.Breakers.Status(name)
}

func (s *Service) BreakerStatuses() []breaker.Snapshot {
	return s.Breakers.Snapshots()
}

func (s *Service) LimiterStatus(name string) (ratelimit.Snapshot, bool) {
	return s.Limiters.Status(name)
}

func (s *Service) LimiterStatuses() []ratelimit.Snapshot {
	return s.Limiters.Snapshots()
}
