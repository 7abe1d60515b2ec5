package queue

import (
	"context"
	"sync"
)

type memoryQueue struct {
	mu       sync.Mutex
	capacity int
	items    []Operation
}

func NewMemoryQueue(capacity int) Queue {
	return &memoryQueue{capacity: normalizeCapacity(capacity)}
}

func (q *memoryQueue) Append(ctx context.Context, op Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	q.items = append(q.items, stamp(op))
	return nil
}

func (q *memoryQueue) Peek(ctx context.Context) (Operation, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Operation{}, false, nil
	}
	return q.items[0], true, nil
}

func (q *memoryQueue) Pop(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 {
		q.items = q.items[1:]
	}
	return nil
}

func (q *memoryQueue) Snapshot(ctx context.Context) ([]Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Operation(nil), q.items...), nil
}

func (q *memoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

func (q *memoryQueue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	return nil
}

func (q *memoryQueue) Capacity() int {
	return q.capacity
}

func (q *memoryQueue) Close() error {
	return nil
}
