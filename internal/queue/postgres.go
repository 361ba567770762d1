package queue

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresOption func(*PostgresStore)

func WithPostgresNowFunc(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

type PostgresStore struct {
	db    *sql.DB
	nowFn func() time.Time
}

var _ Store = (*PostgresStore)(nil)

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS queue_items (
  id             TEXT PRIMARY KEY,
  correlation_id TEXT NOT NULL,
  queue_name     TEXT NOT NULL,
  priority       INTEGER NOT NULL,
  payload        BYTEA NOT NULL,
  status         TEXT NOT NULL,
  retry_count    INTEGER NOT NULL,
  max_retries    INTEGER NOT NULL,
  created_at     TIMESTAMPTZ NOT NULL,
  scheduled_at   TIMESTAMPTZ NOT NULL,
  claimed_at     TIMESTAMPTZ,
  processed_at   TIMESTAMPTZ,
  error_message  TEXT,
  version        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_eligible
  ON queue_items(queue_name, status, scheduled_at, priority DESC);
CREATE INDEX IF NOT EXISTS idx_queue_status_created
  ON queue_items(queue_name, status, created_at);
CREATE INDEX IF NOT EXISTS idx_queue_stale_claims
  ON queue_items(queue_name, status, claimed_at);
`

func NewPostgresStore(dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &PostgresStore{
		db:    db,
		nowFn: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := s.db.ExecContext(context.Background(), postgresSchemaV1); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const postgresInsertItem = `
INSERT INTO queue_items (
  id, correlation_id, queue_name, priority, payload, status,
  retry_count, max_retries, created_at, scheduled_at,
  claimed_at, processed_at, error_message, version
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULL, NULL, $11, $12);
`

func (s *PostgresStore) insertArgs(item Item) []any {
	return []any{
		item.ID,
		item.CorrelationID,
		item.Queue,
		item.Priority,
		item.Payload,
		string(item.Status),
		item.RetryCount,
		item.MaxRetries,
		item.CreatedAt.UTC(),
		item.ScheduledAt.UTC(),
		nullString(item.ErrorMessage),
		item.Version,
	}
}

func (s *PostgresStore) Create(item Item) (string, error) {
	item = normalizeItem(item, s.nowFn())
	if _, err := s.db.ExecContext(context.Background(), postgresInsertItem, s.insertArgs(item)...); err != nil {
		return "", mapPostgresInsertError(err)
	}
	return item.ID, nil
}

func (s *PostgresStore) CreateBatch(items []Item) ([]string, error) {
	if len(items) == 0 {
		return nil, nil
	}

	now := s.nowFn()
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback()
	}()

	ids := make([]string, 0, len(items))
	for i := range items {
		item := normalizeItem(items[i], now)
		if _, err := tx.ExecContext(ctx, postgresInsertItem, s.insertArgs(item)...); err != nil {
			return nil, mapPostgresInsertError(err)
		}
		ids = append(ids, item.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return ids, nil
}

const postgresSelectItem = `
SELECT id, correlation_id, queue_name, priority, payload, status,
  retry_count, max_retries, created_at, scheduled_at,
  claimed_at, processed_at, error_message, version
FROM queue_items
`

func (s *PostgresStore) Get(id string) (Item, error) {
	row := s.db.QueryRowContext(context.Background(), postgresSelectItem+`WHERE id = $1;`, id)
	item, err := scanPostgresItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Item{}, ErrNotFound
		}
		return Item{}, err
	}
	return item, nil
}

func (s *PostgresStore) Claim(id string) (Item, error) {
	now := s.nowFn().UTC()

	row := s.db.QueryRowContext(context.Background(), `
UPDATE queue_items
SET status = $1, claimed_at = $2, version = version + 1
WHERE id = $3 AND status = $4
RETURNING id, correlation_id, queue_name, priority, payload, status,
  retry_count, max_retries, created_at, scheduled_at,
  claimed_at, processed_at, error_message, version;
`,
		string(StatusProcessing),
		now,
		id,
		string(StatusPending),
	)
	item, err := scanPostgresItem(row)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Item{}, err
	}

	var exists int
	err = s.db.QueryRowContext(context.Background(), `SELECT 1 FROM queue_items WHERE id = $1;`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, err
	}
	return Item{}, ErrClaimConflict
}

func (s *PostgresStore) Update(req UpdateRequest) (bool, error) {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx, postgresSelectItem+`WHERE id = $1 FOR UPDATE;`, req.ID)
	item, err := scanPostgresItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
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

	set := []string{"status = $1", "version = version + 1"}
	args := []any{string(req.Status)}
	next := 2
	addSet := func(col string, val any) {
		set = append(set, col+" = $"+strconv.Itoa(next))
		args = append(args, val)
		next++
	}
	if req.RetryCount != nil {
		addSet("retry_count", *req.RetryCount)
	}
	if req.ScheduledAt != nil {
		addSet("scheduled_at", req.ScheduledAt.UTC())
	}
	if req.ProcessedAt != nil {
		addSet("processed_at", req.ProcessedAt.UTC())
	}
	if req.ErrorMessage != nil {
		addSet("error_message", nullString(*req.ErrorMessage))
	}
	args = append(args, req.ID)

	if _, err := tx.ExecContext(ctx, `
UPDATE queue_items SET `+strings.Join(set, ", ")+`
WHERE id = $`+strconv.Itoa(next)+`;
`, args...); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	committed = true
	return true, nil
}

func (s *PostgresStore) CountByStatus(queueName string, status Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(context.Background(), `
SELECT COUNT(*) FROM queue_items WHERE queue_name = $1 AND status = $2;
`, queueName, string(status)).Scan(&n)
	return n, err
}

func (s *PostgresStore) ListEligible(req EligibleRequest) ([]Item, error) {
	now := req.Now
	if now.IsZero() {
		now = s.nowFn()
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}

	var query string
	var args []any
	if !req.StaleBefore.IsZero() {
		query = postgresSelectItem + `
WHERE queue_name = $1 AND status = $2 AND claimed_at IS NOT NULL AND claimed_at < $3
ORDER BY claimed_at ASC LIMIT $4;`
		args = []any{req.Queue, string(StatusProcessing), req.StaleBefore.UTC(), limit}
	} else {
		query = postgresSelectItem + `
WHERE queue_name = $1 AND status = $2 AND scheduled_at <= $3 AND priority >= $4
ORDER BY priority DESC, scheduled_at ASC LIMIT $5;`
		args = []any{req.Queue, string(StatusPending), now.UTC(), req.MinPriority, limit}
	}

	rows, err := s.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Item, 0, limit)
	for rows.Next() {
		item, err := scanPostgresItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RequeueFailed(req RequeueRequest) ([]Item, error) {
	now := s.nowFn().UTC()

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback()
	}()

	items := make([]Item, 0)
	collect := func(rows *sql.Rows, err error) error {
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			item, err := scanPostgresItem(rows)
			if err != nil {
				return err
			}
			items = append(items, item)
		}
		return rows.Err()
	}

	if err := collect(tx.QueryContext(ctx, `
UPDATE queue_items
SET status = $1, scheduled_at = $2, version = version + 1
WHERE queue_name = $3 AND status = $4 AND retry_count < max_retries AND created_at >= $5
RETURNING id, correlation_id, queue_name, priority, payload, status,
  retry_count, max_retries, created_at, scheduled_at,
  claimed_at, processed_at, error_message, version;
`,
		string(StatusPending), now, req.Queue, string(StatusFailed), req.Cutoff.UTC(),
	)); err != nil {
		return nil, err
	}

	if req.IncludeDead {
		if err := collect(tx.QueryContext(ctx, `
UPDATE queue_items
SET status = $1, scheduled_at = $2, retry_count = 0, processed_at = NULL, version = version + 1
WHERE queue_name = $3 AND status = $4 AND created_at >= $5
RETURNING id, correlation_id, queue_name, priority, payload, status,
  retry_count, max_retries, created_at, scheduled_at,
  claimed_at, processed_at, error_message, version;
`,
			string(StatusPending), now, req.Queue, string(StatusDeadLetter), req.Cutoff.UTC(),
		)); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return items, nil
}

func (s *PostgresStore) DeleteOlderThan(queueName string, statuses []Status, cutoff time.Time) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}

	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		names = append(names, string(st))
	}

	res, err := s.db.ExecContext(context.Background(), `
DELETE FROM queue_items
WHERE queue_name = $1
  AND status = ANY($2)
  AND created_at < $3;
`, queueName, names, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) Stats(queueName string) (Stats, error) {
	st := Stats{Queue: queueName}

	rows, err := s.db.QueryContext(context.Background(), `
SELECT status, COUNT(*) FROM queue_items WHERE queue_name = $1 GROUP BY status;
`, queueName)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		switch Status(status) {
		case StatusPending:
			st.Pending = n
		case StatusProcessing:
			st.Processing = n
		case StatusCompleted:
			st.Completed = n
		case StatusFailed:
			st.Failed = n
		case StatusDeadLetter:
			st.DeadLetter = n
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	var avgSeconds sql.NullFloat64
	err = s.db.QueryRowContext(context.Background(), `
SELECT AVG(EXTRACT(EPOCH FROM processed_at - created_at)) FROM (
  SELECT processed_at, created_at FROM queue_items
  WHERE queue_name = $1 AND status = $2 AND processed_at IS NOT NULL
  ORDER BY processed_at DESC LIMIT $3
) recent;
`, queueName, string(StatusCompleted), statsAvgSample).Scan(&avgSeconds)
	if err != nil {
		return Stats{}, err
	}
	if avgSeconds.Valid {
		st.AvgProcessingSeconds = avgSeconds.Float64
	}
	finished := st.Completed + st.Failed + st.DeadLetter
	if finished > 0 {
		st.SuccessRate = float64(st.Completed) / float64(finished) * 100
	}
	return st, nil
}

func scanPostgresItem(row rowScanner) (Item, error) {
	var item Item
	var status string
	var claimedAt, processedAt sql.NullTime
	var errorMessage sql.NullString

	if err := row.Scan(
		&item.ID,
		&item.CorrelationID,
		&item.Queue,
		&item.Priority,
		&item.Payload,
		&status,
		&item.RetryCount,
		&item.MaxRetries,
		&item.CreatedAt,
		&item.ScheduledAt,
		&claimedAt,
		&processedAt,
		&errorMessage,
		&item.Version,
	); err != nil {
		return Item{}, err
	}

	item.Status = Status(status)
	item.CreatedAt = item.CreatedAt.UTC()
	item.ScheduledAt = item.ScheduledAt.UTC()
	if claimedAt.Valid {
		item.ClaimedAt = claimedAt.Time.UTC()
	}
	if processedAt.Valid {
		item.ProcessedAt = processedAt.Time.UTC()
	}
	if errorMessage.Valid {
		item.ErrorMessage = errorMessage.String
	}
	return item, nil
}

func mapPostgresInsertError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrItemExists
	}
	return err
}
