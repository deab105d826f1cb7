package agents

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// DefaultQueueSize bounds the local queue. The oldest entries are dropped
// once it is full.
const DefaultQueueSize = 1000

// Queue is a durable FIFO of heartbeats. Delivery is at-least-once: an item
// is removed only after the server acknowledged it.
type Queue struct {
	conn *sql.DB
	max  int
	now  func() time.Time
	log  *zap.Logger
}

// OpenQueue opens (or creates) the SQLite queue at path.
func OpenQueue(path string, max int, logger *zap.Logger) (*Queue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrap(err, "create queue directory")
	}
	conn, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, errors.Wrapf(err, "open queue at %s", path)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil && logger != nil {
		logger.Warn("could not enable WAL mode for queue", zap.Error(err))
	}
	q, err := NewQueue(conn, max, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

// NewQueue wraps an existing connection, applying the queue schema.
func NewQueue(conn *sql.DB, max int, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if max <= 0 {
		max = DefaultQueueSize
	}
	if err := Migrate(conn, logger); err != nil {
		return nil, err
	}
	return &Queue{conn: conn, max: max, now: time.Now, log: logger}, nil
}

// Enqueue appends a heartbeat and trims the queue to its bound. It returns
// how many of the oldest entries were dropped to make room.
func (q *Queue) Enqueue(ctx context.Context, collectedAt time.Time, metrics json.RawMessage) (int, error) {
	if len(metrics) == 0 {
		metrics = json.RawMessage("{}")
	}

	tx, err := q.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin enqueue")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO heartbeat_queue (collected_at, metrics, enqueued_at)
		VALUES (?, ?, ?)
	`, collectedAt.UTC().Format(timeFormat), string(metrics), q.now().UTC().Format(timeFormat)); err != nil {
		return 0, errors.Wrap(err, "insert queued heartbeat")
	}

	var n int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM heartbeat_queue").Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count queue")
	}

	dropped := 0
	if n > q.max {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM heartbeat_queue WHERE id IN (
				SELECT id FROM heartbeat_queue ORDER BY id ASC LIMIT ?
			)
		`, n-q.max)
		if err != nil {
			return 0, errors.Wrap(err, "trim queue")
		}
		affected, _ := res.RowsAffected()
		dropped = int(affected)
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit enqueue")
	}
	if dropped > 0 {
		q.log.Warn("queue full, dropped oldest heartbeats", zap.Int("dropped", dropped), zap.Int("max", q.max))
	}
	return dropped, nil
}

// Peek returns the oldest queued heartbeat, or nil when the queue is empty.
func (q *Queue) Peek(ctx context.Context) (*Item, error) {
	var (
		it        Item
		collected string
		metrics   string
	)
	err := q.conn.QueryRowContext(ctx, `
		SELECT id, collected_at, metrics, attempts
		FROM heartbeat_queue ORDER BY id ASC LIMIT 1
	`).Scan(&it.ID, &collected, &metrics, &it.Attempts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "peek queue")
	}
	if it.CollectedAt, err = time.Parse(timeFormat, collected); err != nil {
		return nil, errors.Wrapf(err, "parse collected_at of queued item %d", it.ID)
	}
	it.Metrics = json.RawMessage(metrics)
	return &it, nil
}

// Ack removes a delivered item.
func (q *Queue) Ack(ctx context.Context, id int64) error {
	_, err := q.conn.ExecContext(ctx, "DELETE FROM heartbeat_queue WHERE id = ?", id)
	return errors.Wrap(err, "ack queued heartbeat")
}

// MarkAttempt records a failed delivery attempt.
func (q *Queue) MarkAttempt(ctx context.Context, id int64) error {
	_, err := q.conn.ExecContext(ctx, "UPDATE heartbeat_queue SET attempts = attempts + 1 WHERE id = ?", id)
	return errors.Wrap(err, "mark attempt")
}

// Len returns the number of queued heartbeats.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM heartbeat_queue").Scan(&n)
	return n, errors.Wrap(err, "count queue")
}

func (q *Queue) Close() error {
	return q.conn.Close()
}
