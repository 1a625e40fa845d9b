package inventory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresWritebackTableName = "stockroom_writeback_queue"
	postgresQueueKey           = "default"
	postgresOperationTimeout   = 5 * time.Second
	postgresPollInterval       = 50 * time.Millisecond
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresWritebackQueue shares pending writebacks through a table so a
// restarted process, or another terminal, picks them up.
type PostgresWritebackQueue struct {
	dsn          string
	tableName    string
	queueKey     string
	capacity     int
	pollInterval time.Duration
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresWritebackQueue(dsn string, capacity int) (WritebackQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultDurableQueueCapacity
	}
	return &PostgresWritebackQueue{
		dsn:          dsn,
		tableName:    postgresWritebackTableName,
		queueKey:     postgresQueueKey,
		capacity:     capacity,
		pollInterval: postgresPollInterval,
		openDB:       sql.Open,
	}, nil
}

func (q *PostgresWritebackQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createTable := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoteIdentifier(q.tableName))
		if _, err := db.ExecContext(ctx, createTable); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		createIndex := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, id)",
			quoteIdentifier(q.tableName+"_queue_key_id_idx"), quoteIdentifier(q.tableName))
		if _, err := db.ExecContext(ctx, createIndex); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresWritebackQueue) TryEnqueue(task WritebackTask) bool {
	if q == nil || strings.TrimSpace(task.OpID) == "" {
		return false
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return false
	}
	if err := q.ensureReady(); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", queueLockKey(q.tableName, q.queueKey)); err != nil {
		return false
	}
	var depth int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", quoteIdentifier(q.tableName))
	if err := tx.QueryRowContext(ctx, countQuery, q.queueKey).Scan(&depth); err != nil {
		return false
	}
	if depth >= q.capacity {
		return false
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s (queue_key, payload, created_at) VALUES ($1, $2, NOW())", quoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, insertQuery, q.queueKey, string(payload)); err != nil {
		return false
	}
	if err := tx.Commit(); err != nil {
		return false
	}
	committed = true
	return true
}

func (q *PostgresWritebackQueue) Enqueue(ctx context.Context, task WritebackTask) bool {
	for {
		if q.TryEnqueue(task) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresWritebackQueue) Dequeue(ctx context.Context) (WritebackTask, bool) {
	for {
		payload, ok := q.tryDequeue(ctx)
		if ok {
			var task WritebackTask
			if err := json.Unmarshal([]byte(payload), &task); err == nil && strings.TrimSpace(task.OpID) != "" {
				return task, true
			}
			continue
		}
		select {
		case <-ctx.Done():
			return WritebackTask{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresWritebackQueue) tryDequeue(ctx context.Context) (string, bool) {
	if err := q.ensureReady(); err != nil {
		return "", false
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	query := fmt.Sprintf(`
		SELECT id, payload
		FROM %s
		WHERE queue_key = $1
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, quoteIdentifier(q.tableName))
	var id int64
	var payload string
	err = tx.QueryRowContext(ctx, query, q.queueKey).Scan(&id, &payload)
	if errors.Is(err, sql.ErrNoRows) || err != nil {
		return "", false
	}
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE id = $1", quoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, deleteQuery, id); err != nil {
		return "", false
	}
	if err := tx.Commit(); err != nil {
		return "", false
	}
	committed = true
	return payload, true
}

func (q *PostgresWritebackQueue) Depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	var depth int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", quoteIdentifier(q.tableName))
	if err := q.db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresWritebackQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *PostgresWritebackQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func queueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}
