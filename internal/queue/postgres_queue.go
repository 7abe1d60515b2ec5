package queue

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
	postgresQueueTableName   = "boardsync_mutation_queue"
	postgresDefaultQueueKey  = "default"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// postgresQueue shares one table between many clients; each client's queue is
// the set of rows carrying its queue key.
type postgresQueue struct {
	dsn       string
	tableName string
	queueKey  string
	capacity  int
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresQueue(dsn, queueKey string, capacity int) (Queue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(queueKey) == "" {
		queueKey = postgresDefaultQueueKey
	}
	return &postgresQueue{
		dsn:       dsn,
		tableName: postgresQueueTableName,
		queueKey:  strings.TrimSpace(queueKey),
		capacity:  normalizeCapacity(capacity),
		openDB:    sql.Open,
	}, nil
}

func (q *postgresQueue) ensureReady() error {
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(q.tableName))
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		indexName := q.tableName + "_queue_key_id_idx"
		createIndexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, id)",
			postgresQuoteIdentifier(indexName),
			postgresQuoteIdentifier(q.tableName),
		)
		if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *postgresQueue) Append(ctx context.Context, op Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(stamp(op))
	if err != nil {
		return err
	}
	if err := q.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresQueueLockKey(q.tableName, q.queueKey)); err != nil {
		return err
	}
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := tx.QueryRowContext(ctx, countQuery, q.queueKey).Scan(&depth); err != nil {
		return err
	}
	if depth >= q.capacity {
		return ErrQueueFull
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s (queue_key, payload, created_at) VALUES ($1, $2, NOW())", postgresQuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, insertQuery, q.queueKey, string(payload)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (q *postgresQueue) Peek(ctx context.Context) (Operation, bool, error) {
	if err := q.ensureReady(); err != nil {
		return Operation{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT payload
		FROM %s
		WHERE queue_key = $1
		ORDER BY id ASC
		LIMIT 1`, postgresQuoteIdentifier(q.tableName))
	var payload string
	err := q.db.QueryRowContext(ctx, query, q.queueKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Operation{}, false, nil
	}
	if err != nil {
		return Operation{}, false, err
	}
	var op Operation
	if err := json.Unmarshal([]byte(payload), &op); err != nil {
		return Operation{}, false, err
	}
	return op, true, nil
}

func (q *postgresQueue) Pop(ctx context.Context) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		DELETE FROM %[1]s
		WHERE id = (
			SELECT id FROM %[1]s
			WHERE queue_key = $1
			ORDER BY id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)`, postgresQuoteIdentifier(q.tableName))
	_, err := q.db.ExecContext(ctx, query, q.queueKey)
	return err
}

func (q *postgresQueue) Snapshot(ctx context.Context) ([]Operation, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT payload FROM %s WHERE queue_key = $1 ORDER BY id ASC", postgresQuoteIdentifier(q.tableName))
	rows, err := q.db.QueryContext(ctx, query, q.queueKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ops := make([]Operation, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var op Operation
		if err := json.Unmarshal([]byte(payload), &op); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (q *postgresQueue) Len(ctx context.Context) (int, error) {
	if err := q.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := q.db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0, err
	}
	return depth, nil
}

func (q *postgresQueue) Clear(ctx context.Context) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	_, err := q.db.ExecContext(ctx, query, q.queueKey)
	return err
}

func (q *postgresQueue) Capacity() int {
	return q.capacity
}

func (q *postgresQueue) Close() error {
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresQueueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}
