package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite3 "modernc.org/sqlite"
)

const schemaVersion = 2

const schemaV1 = `
CREATE TABLE IF NOT EXISTS queue_items (
  id             TEXT PRIMARY KEY,
  correlation_id TEXT NOT NULL,
  queue_name     TEXT NOT NULL,
  priority       INTEGER NOT NULL,
  payload        BLOB NOT NULL,
  status         TEXT NOT NULL,
  retry_count    INTEGER NOT NULL,
  max_retries    INTEGER NOT NULL,
  created_at     INTEGER NOT NULL,
  scheduled_at   INTEGER NOT NULL,
  claimed_at     INTEGER,
  processed_at   INTEGER,
  error_message  TEXT,
  version        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_eligible
  ON queue_items(queue_name, status, scheduled_at, priority DESC);
CREATE INDEX IF NOT EXISTS idx_queue_status_created
  ON queue_items(queue_name, status, created_at);
`

const schemaV2 = `
CREATE INDEX IF NOT EXISTS idx_queue_stale_claims
  ON queue_items(queue_name, status, claimed_at);
`

type SQLiteOption func(*SQLiteStore)

func WithSQLiteNowFunc(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

type SQLiteStore struct {
	db    *sql.DB
	nowFn func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:    db,
		nowFn: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	ctx := context.Background()

	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		return fmt.Errorf("sqlite: set synchronous=full: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}

	return s.migrate(ctx)
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("sqlite: init migrations table: %w", err)
	}

	var current int
	hasVersion := true
	err = conn.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1;`).Scan(&current)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlite: read schema_version: %w", err)
		}
		current = 0
		hasVersion = false
	}
	if current > schemaVersion {
		return fmt.Errorf("sqlite: schema_version=%d, want <=%d", current, schemaVersion)
	}

	for v := current + 1; v <= schemaVersion; v++ {
		switch v {
		case 1:
			if _, err := conn.ExecContext(ctx, schemaV1); err != nil {
				return fmt.Errorf("sqlite: migrate v1: %w", err)
			}
		case 2:
			if _, err := conn.ExecContext(ctx, schemaV2); err != nil {
				return fmt.Errorf("sqlite: migrate v2: %w", err)
			}
		default:
			return fmt.Errorf("sqlite: unknown migration %d", v)
		}
	}

	if !hasVersion || current != schemaVersion {
		if _, err := conn.ExecContext(ctx, `INSERT OR REPLACE INTO schema_migrations(rowid, version) VALUES (1, ?);`, schemaVersion); err != nil {
			return fmt.Errorf("sqlite: write schema_version: %w", err)
		}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return nil
}

func normalizeItem(item Item, now time.Time) Item {
	if item.ID == "" {
		item.ID = newHexID("itm_")
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
	return item
}

const sqliteInsertItem = `
INSERT INTO queue_items (
  id, correlation_id, queue_name, priority, payload, status,
  retry_count, max_retries, created_at, scheduled_at,
  claimed_at, processed_at, error_message, version
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?);
`

func (s *SQLiteStore) Create(item Item) (string, error) {
	item = normalizeItem(item, s.nowFn())

	_, err := s.db.ExecContext(context.Background(), sqliteInsertItem,
		item.ID,
		item.CorrelationID,
		item.Queue,
		item.Priority,
		item.Payload,
		string(item.Status),
		item.RetryCount,
		item.MaxRetries,
		item.CreatedAt.UnixNano(),
		item.ScheduledAt.UnixNano(),
		nullString(item.ErrorMessage),
		item.Version,
	)
	if err != nil {
		return "", mapInsertError(err)
	}
	return item.ID, nil
}

func (s *SQLiteStore) CreateBatch(items []Item) ([]string, error) {
	if len(items) == 0 {
		return nil, nil
	}

	now := s.nowFn()
	prepared := make([]Item, 0, len(items))
	for i := range items {
		prepared = append(prepared, normalizeItem(items[i], now))
	}

	ctx := context.Background()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	ids := make([]string, 0, len(prepared))
	for _, item := range prepared {
		_, err := conn.ExecContext(ctx, sqliteInsertItem,
			item.ID,
			item.CorrelationID,
			item.Queue,
			item.Priority,
			item.Payload,
			string(item.Status),
			item.RetryCount,
			item.MaxRetries,
			item.CreatedAt.UnixNano(),
			item.ScheduledAt.UnixNano(),
			nullString(item.ErrorMessage),
			item.Version,
		)
		if err != nil {
			return nil, mapInsertError(err)
		}
		ids = append(ids, item.ID)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return nil, err
	}
	committed = true
	return ids, nil
}

const sqliteSelectItem = `
SELECT id, correlation_id, queue_name, priority, payload, status,
  retry_count, max_retries, created_at, scheduled_at,
  claimed_at, processed_at, error_message, version
FROM queue_items
`

func (s *SQLiteStore) Get(id string) (Item, error) {
	row := s.db.QueryRowContext(context.Background(), sqliteSelectItem+`WHERE id = ?;`, id)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Item{}, ErrNotFound
		}
		return Item{}, err
	}
	return item, nil
}

func (s *SQLiteStore) Claim(id string) (Item, error) {
	now := s.nowFn()

	ctx := context.Background()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return Item{}, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return Item{}, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	res, err := conn.ExecContext(ctx, `
UPDATE queue_items
SET status = ?, claimed_at = ?, version = version + 1
WHERE id = ? AND status = ?;
`,
		string(StatusProcessing),
		now.UnixNano(),
		id,
		string(StatusPending),
	)
	if err != nil {
		return Item{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Item{}, err
	}
	if n == 0 {
		var exists int
		err := conn.QueryRowContext(ctx, `SELECT 1 FROM queue_items WHERE id = ?;`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return Item{}, ErrNotFound
		}
		if err != nil {
			return Item{}, err
		}
		return Item{}, ErrClaimConflict
	}

	row := conn.QueryRowContext(ctx, sqliteSelectItem+`WHERE id = ?;`, id)
	item, err := scanItem(row)
	if err != nil {
		return Item{}, err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return Item{}, err
	}
	committed = true
	return item, nil
}

func (s *SQLiteStore) Update(req UpdateRequest) (bool, error) {
	ctx := context.Background()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	row := conn.QueryRowContext(ctx, sqliteSelectItem+`WHERE id = ?;`, req.ID)
	item, err := scanItem(row)
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

	set := []string{"status = ?", "version = version + 1"}
	args := []any{string(req.Status)}
	if req.RetryCount != nil {
		set = append(set, "retry_count = ?")
		args = append(args, *req.RetryCount)
	}
	if req.ScheduledAt != nil {
		set = append(set, "scheduled_at = ?")
		args = append(args, req.ScheduledAt.UnixNano())
	}
	if req.ProcessedAt != nil {
		set = append(set, "processed_at = ?")
		args = append(args, req.ProcessedAt.UnixNano())
	}
	if req.ErrorMessage != nil {
		set = append(set, "error_message = ?")
		args = append(args, nullString(*req.ErrorMessage))
	}
	args = append(args, req.ID, item.Version)

	res, err := conn.ExecContext(ctx, `
UPDATE queue_items SET `+strings.Join(set, ", ")+`
WHERE id = ? AND version = ?;
`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Lost the version race inside our own transaction; cannot happen
		// with a single writer, treat as conflict to be safe.
		return false, ErrClaimConflict
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return false, err
	}
	committed = true
	return true, nil
}

func (s *SQLiteStore) CountByStatus(queueName string, status Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(context.Background(), `
SELECT COUNT(*) FROM queue_items WHERE queue_name = ? AND status = ?;
`, queueName, string(status)).Scan(&n)
	return n, err
}

func (s *SQLiteStore) ListEligible(req EligibleRequest) ([]Item, error) {
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
		query = sqliteSelectItem + `
WHERE queue_name = ? AND status = ? AND claimed_at IS NOT NULL AND claimed_at < ?
ORDER BY claimed_at ASC LIMIT ?;`
		args = []any{req.Queue, string(StatusProcessing), req.StaleBefore.UnixNano(), limit}
	} else {
		query = sqliteSelectItem + `
WHERE queue_name = ? AND status = ? AND scheduled_at <= ? AND priority >= ?
ORDER BY priority DESC, scheduled_at ASC LIMIT ?;`
		args = []any{req.Queue, string(StatusPending), now.UnixNano(), req.MinPriority, limit}
	}

	rows, err := s.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows, limit)
}

func (s *SQLiteStore) RequeueFailed(req RequeueRequest) ([]Item, error) {
	now := s.nowFn()

	ctx := context.Background()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	collectIDs := func(query string, args ...any) ([]string, error) {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, rows.Err()
	}

	failedIDs, err := collectIDs(`
SELECT id FROM queue_items
WHERE queue_name = ? AND status = ? AND retry_count < max_retries AND created_at >= ?;
`, req.Queue, string(StatusFailed), req.Cutoff.UnixNano())
	if err != nil {
		return nil, err
	}
	for _, id := range failedIDs {
		if _, err := conn.ExecContext(ctx, `
UPDATE queue_items
SET status = ?, scheduled_at = ?, version = version + 1
WHERE id = ?;
`, string(StatusPending), now.UnixNano(), id); err != nil {
			return nil, err
		}
	}

	var deadIDs []string
	if req.IncludeDead {
		deadIDs, err = collectIDs(`
SELECT id FROM queue_items
WHERE queue_name = ? AND status = ? AND created_at >= ?;
`, req.Queue, string(StatusDeadLetter), req.Cutoff.UnixNano())
		if err != nil {
			return nil, err
		}
		for _, id := range deadIDs {
			if _, err := conn.ExecContext(ctx, `
UPDATE queue_items
SET status = ?, scheduled_at = ?, retry_count = 0, processed_at = NULL, version = version + 1
WHERE id = ?;
`, string(StatusPending), now.UnixNano(), id); err != nil {
				return nil, err
			}
		}
	}

	items := make([]Item, 0, len(failedIDs)+len(deadIDs))
	for _, id := range append(failedIDs, deadIDs...) {
		row := conn.QueryRowContext(ctx, sqliteSelectItem+`WHERE id = ?;`, id)
		item, err := scanItem(row)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return nil, err
	}
	committed = true
	return items, nil
}

func (s *SQLiteStore) DeleteOlderThan(queueName string, statuses []Status, cutoff time.Time) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimRight(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, 0, 2+len(statuses))
	args = append(args, queueName)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	args = append(args, cutoff.UnixNano())

	res, err := s.db.ExecContext(context.Background(), `
DELETE FROM queue_items
WHERE queue_name = ?
  AND status IN (`+placeholders+`)
  AND created_at < ?;
`, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) Stats(queueName string) (Stats, error) {
	st := Stats{Queue: queueName}

	rows, err := s.db.QueryContext(context.Background(), `
SELECT status, COUNT(*) FROM queue_items WHERE queue_name = ? GROUP BY status;
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

	var avgNanos sql.NullFloat64
	err = s.db.QueryRowContext(context.Background(), `
SELECT AVG(processed_at - created_at) FROM (
  SELECT processed_at, created_at FROM queue_items
  WHERE queue_name = ? AND status = ? AND processed_at IS NOT NULL
  ORDER BY processed_at DESC LIMIT ?
);
`, queueName, string(StatusCompleted), statsAvgSample).Scan(&avgNanos)
	if err != nil {
		return Stats{}, err
	}
	if avgNanos.Valid {
		st.AvgProcessingSeconds = avgNanos.Float64 / float64(time.Second)
	}
	finished := st.Completed + st.Failed + st.DeadLetter
	if finished > 0 {
		st.SuccessRate = float64(st.Completed) / float64(finished) * 100
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var item Item
	var status string
	var createdAtNanos, scheduledAtNanos int64
	var claimedAtNanos, processedAtNanos sql.NullInt64
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
		&createdAtNanos,
		&scheduledAtNanos,
		&claimedAtNanos,
		&processedAtNanos,
		&errorMessage,
		&item.Version,
	); err != nil {
		return Item{}, err
	}

	item.Status = Status(status)
	item.CreatedAt = time.Unix(0, createdAtNanos).UTC()
	item.ScheduledAt = time.Unix(0, scheduledAtNanos).UTC()
	if claimedAtNanos.Valid {
		item.ClaimedAt = time.Unix(0, claimedAtNanos.Int64).UTC()
	}
	if processedAtNanos.Valid {
		item.ProcessedAt = time.Unix(0, processedAtNanos.Int64).UTC()
	}
	if errorMessage.Valid {
		item.ErrorMessage = errorMessage.String
	}
	return item, nil
}

func scanItems(rows *sql.Rows, capHint int) ([]Item, error) {
	out := make([]Item, 0, capHint)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullString(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func mapInsertError(err error) error {
	if err == nil {
		return nil
	}
	if isSQLiteConstraintError(err) {
		return ErrItemExists
	}
	return err
}

func isSQLiteConstraintError(err error) bool {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// Extended sqlite result codes include the base code in the lower 8 bits.
	const sqliteConstraintBase = 19
	return sqliteErr.Code()&0xff == sqliteConstraintBase
}
