package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketOperations = []byte("operations")

// boltQueue stores each operation under a big-endian sequence key so a cursor
// walk returns them in insertion order.
type boltQueue struct {
	db       *bolt.DB
	capacity int
}

func NewBoltQueue(path string, capacity int) (Queue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketOperations); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketOperations, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &boltQueue{db: db, capacity: normalizeCapacity(capacity)}, nil
}

func (q *boltQueue) Append(ctx context.Context, op Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(stamp(op))
	if err != nil {
		return err
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOperations)
		if countKeys(b) >= q.capacity {
			return ErrQueueFull
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(seq), data)
	})
}

func (q *boltQueue) Peek(ctx context.Context) (Operation, bool, error) {
	var (
		op Operation
		ok bool
	)
	err := q.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket(bucketOperations).Cursor().First()
		if v == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(v, &op)
	})
	return op, ok, err
}

func (q *boltQueue) Pop(ctx context.Context) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOperations).Cursor()
		k, _ := c.First()
		if k == nil {
			return nil
		}
		return c.Delete()
	})
}

func (q *boltQueue) Snapshot(ctx context.Context) ([]Operation, error) {
	var ops []Operation
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOperations).ForEach(func(k, v []byte) error {
			var op Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			ops = append(ops, op)
			return nil
		})
	})
	return ops, err
}

func (q *boltQueue) Len(ctx context.Context) (int, error) {
	n := 0
	err := q.db.View(func(tx *bolt.Tx) error {
		n = countKeys(tx.Bucket(bucketOperations))
		return nil
	})
	return n, err
}

func (q *boltQueue) Clear(ctx context.Context) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketOperations); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketOperations)
		return err
	})
}

func (q *boltQueue) Capacity() int {
	return q.capacity
}

func (q *boltQueue) Close() error {
	return q.db.Close()
}

func countKeys(b *bolt.Bucket) int {
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
