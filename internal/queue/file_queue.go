package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// fileQueue keeps the whole queue in one JSON document. Every operation
// re-reads the file under an exclusive lock so a background drain in another
// process and the running client never overwrite each other's changes.
type fileQueue struct {
	path     string
	capacity int
	mu       sync.Mutex
	items    []Operation
}

type fileQueueState struct {
	Items []Operation `json:"items"`
}

func NewFileQueue(path string, capacity int) (Queue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	q := &fileQueue{
		path:     path,
		capacity: normalizeCapacity(capacity),
		items:    []Operation{},
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return nil, err
	}
	if err := q.withLock(func() error { return nil }); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileQueue) Append(ctx context.Context, op Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	return q.withLock(func() error {
		if len(q.items) >= q.capacity {
			return ErrQueueFull
		}
		q.items = append(q.items, stamp(op))
		if err := q.saveLocked(); err != nil {
			q.items = q.items[:len(q.items)-1]
			return err
		}
		return nil
	})
}

func (q *fileQueue) Peek(ctx context.Context) (Operation, bool, error) {
	var (
		head Operation
		ok   bool
	)
	err := q.withLock(func() error {
		if len(q.items) > 0 {
			head, ok = q.items[0], true
		}
		return nil
	})
	return head, ok, err
}

func (q *fileQueue) Pop(ctx context.Context) error {
	return q.withLock(func() error {
		if len(q.items) == 0 {
			return nil
		}
		item := q.items[0]
		q.items = q.items[1:]
		if err := q.saveLocked(); err != nil {
			q.items = append([]Operation{item}, q.items...)
			return err
		}
		return nil
	})
}

func (q *fileQueue) Snapshot(ctx context.Context) ([]Operation, error) {
	var items []Operation
	err := q.withLock(func() error {
		items = append([]Operation(nil), q.items...)
		return nil
	})
	return items, err
}

func (q *fileQueue) Len(ctx context.Context) (int, error) {
	n := 0
	err := q.withLock(func() error {
		n = len(q.items)
		return nil
	})
	return n, err
}

func (q *fileQueue) Clear(ctx context.Context) error {
	return q.withLock(func() error {
		q.items = []Operation{}
		return q.saveLocked()
	})
}

func (q *fileQueue) Capacity() int {
	return q.capacity
}

func (q *fileQueue) Close() error {
	return nil
}

// withLock serialises fn against this process and, through the lock file,
// against other processes sharing the same queue file.
func (q *fileQueue) withLock(fn func() error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	unlock, err := lockFile(q.path + ".lock")
	if err != nil {
		return err
	}
	defer unlock()
	if err := q.loadLocked(); err != nil {
		return err
	}
	return fn()
}

func (q *fileQueue) loadLocked() error {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			q.items = []Operation{}
			return nil
		}
		return err
	}
	var snapshot fileQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	q.items = append([]Operation(nil), snapshot.Items...)
	return nil
}

func (q *fileQueue) saveLocked() error {
	snapshot := fileQueueState{
		Items: append([]Operation(nil), q.items...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
